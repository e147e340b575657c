package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baudrate/baudrate/internal/ap"
	"github.com/baudrate/baudrate/internal/auth"
	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/delivery"
	"github.com/baudrate/baudrate/internal/feed"
	"github.com/baudrate/baudrate/internal/keystore"
	"github.com/baudrate/baudrate/internal/moderation"
	"github.com/baudrate/baudrate/internal/notify"
	"github.com/baudrate/baudrate/internal/pubsub"
	"github.com/baudrate/baudrate/internal/store"
	"github.com/baudrate/baudrate/internal/vault"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		BaseURL:           "https://forum.example",
		SiteName:          "baudrate",
		Port:              "4000",
		RegistrationMode:  config.RegistrationOpen,
		FederationEnabled: true,
		FederationMode:    config.FederationBlocklist,
	}

	v, err := vault.New(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	keys := keystore.New(st, v)
	authSvc := auth.New(st, v)
	resolver := ap.NewResolver(st, cfg)
	publisher := ap.NewPublisher(cfg)
	queue := delivery.NewQueue(st, delivery.NewStoreKeySource(st, cfg, keys), 1)
	broker := pubsub.New()
	notifier := notify.New(st, broker, nil)

	srv := New(Deps{
		Config:     cfg,
		Store:      st,
		Auth:       authSvc,
		Keys:       keys,
		Resolver:   resolver,
		Publisher:  publisher,
		Dispatcher: ap.NewDispatcher(st, cfg, resolver, publisher, queue, notifier, broker),
		Follows:    ap.NewFollowService(st, cfg, publisher, queue),
		Sender:     queue,
		Feed:       feed.New(st),
		Notify:     notifier,
		Moderation: moderation.New(st, cfg, keys, publisher, queue, notifier),
		Broker:     broker,
	})
	return srv, st
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func registerAndLogin(t *testing.T, h http.Handler, username string) string {
	t.Helper()
	w := doJSON(t, h, "POST", "/api/auth/register", "", map[string]string{
		"username": username, "password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, h, "POST", "/api/auth/login", "", map[string]string{
		"username": username, "password": "correct horse",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotEmpty(t, res.Token)
	return res.Token
}

func TestHealthcheck(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), "GET", "/api/healthcheck", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	registerAndLogin(t, h, "alice")

	w := doJSON(t, h, "POST", "/api/auth/register", "", map[string]string{
		"username": "alice", "password": "correct horse",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAuthenticatedEndpointRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), "GET", "/api/feed", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginAndFetchNotifications(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := registerAndLogin(t, h, "alice")

	w := doJSON(t, h, "GET", "/api/notifications", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"items"`)
}

func TestLoginWrongPasswordUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	registerAndLogin(t, h, "alice")

	w := doJSON(t, h, "POST", "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "not it at all",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestModRoutesForbiddenForPlainUsers(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := registerAndLogin(t, h, "alice")

	w := doJSON(t, h, "GET", "/api/mod/reports", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebFingerUser(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	registerAndLogin(t, h, "alice")

	w := doJSON(t, h, "GET",
		"/.well-known/webfinger?resource=acct:alice@forum.example", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var wf ap.WebFingerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wf))
	assert.Equal(t, "acct:alice@forum.example", wf.Subject)

	found := false
	for _, l := range wf.Links {
		if l.Rel == "self" {
			assert.Equal(t, "https://forum.example/ap/users/alice", l.Href)
			found = true
		}
	}
	assert.True(t, found, "self link present")
}

func TestWebFingerUnknownResource(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), "GET",
		"/.well-known/webfinger?resource=acct:ghost@forum.example", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserActorDocument(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	registerAndLogin(t, h, "alice")

	w := doJSON(t, h, "GET", "/ap/users/alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, activityJSONType, w.Header().Get("Content-Type"))

	var actor map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actor))
	assert.Equal(t, "Person", actor["type"])
	assert.Equal(t, "alice", actor["preferredUsername"])
	assert.Equal(t, "https://forum.example/ap/users/alice", actor["id"])

	pk, ok := actor["publicKey"].(map[string]any)
	require.True(t, ok)
	pem, _ := pk["publicKeyPem"].(string)
	assert.True(t, strings.HasPrefix(pem, "-----BEGIN PUBLIC KEY-----"))
}

func TestUnknownUserActor(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), "GET", "/ap/users/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNodeInfoDiscovery(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	w := doJSON(t, h, "GET", "/.well-known/nodeinfo", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/nodeinfo/2.0")

	w = doJSON(t, h, "GET", "/nodeinfo/2.0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"software"`)
}

func TestInboxRejectsUnsignedDelivery(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"id":"https://remote.example/activities/1","type":"Follow","actor":"https://remote.example/users/bob"}`
	req := httptest.NewRequest("POST", "/ap/inbox", strings.NewReader(body))
	req.Header.Set("Content-Type", activityJSONType)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBoardActorAndDirectory(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Handler()

	_, err := st.CreateBoard(context.Background(), &store.Board{
		Slug: "general", Name: "General", MinRoleToView: store.RoleGuest, APEnabled: true,
	})
	require.NoError(t, err)

	w := doJSON(t, h, "GET", "/ap/boards/general", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var actor map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actor))
	assert.Equal(t, "Group", actor["type"])
	assert.Equal(t, "!general", actor["preferredUsername"])

	w = doJSON(t, h, "GET", "/ap/boards?page=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/ap/boards/general")
}

func TestCreateArticleRequiresBoard(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := registerAndLogin(t, h, "alice")

	w := doJSON(t, h, "POST", "/api/articles", token, map[string]any{
		"title": "Hello", "body": "first post", "boards": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateArticleAndFetchObject(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Handler()
	token := registerAndLogin(t, h, "alice")

	_, err := st.CreateBoard(context.Background(), &store.Board{
		Slug: "general", Name: "General", MinRoleToView: store.RoleGuest, APEnabled: true,
	})
	require.NoError(t, err)

	w := doJSON(t, h, "POST", "/api/articles", token, map[string]any{
		"title": "Hello fediverse", "body": "first post", "boards": []string{"general"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Slug string `json:"slug"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Slug)

	w = doJSON(t, h, "GET", "/ap/articles/"+created.Slug, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var obj map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &obj))
	assert.Equal(t, "Article", obj["type"])
	assert.Equal(t, "Hello fediverse", obj["name"])
	assert.Equal(t, "https://forum.example/ap/users/alice", obj["attributedTo"])
}
