package ap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		BaseURL:           "https://forum.example",
		SiteName:          "baudrate",
		RegistrationMode:  config.RegistrationOpen,
		FederationEnabled: true,
		FederationMode:    config.FederationBlocklist,
	}
}

func TestSummarizeShortTextUnchanged(t *testing.T) {
	assert.Equal(t, "plain text", Summarize("plain text"))
}

func TestSummarizeStripsMarkdown(t *testing.T) {
	in := "# Title\n\nSome **bold** and a [link](https://x.example) and `code`."
	out := Summarize(in)
	assert.NotContains(t, out, "#")
	assert.NotContains(t, out, "**")
	assert.NotContains(t, out, "](")
	assert.NotContains(t, out, "`")
	assert.Contains(t, out, "bold")
	assert.Contains(t, out, "link")
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	in := strings.Repeat("ü", 600)
	out := Summarize(in)
	runes := []rune(out)
	assert.LessOrEqual(t, len(runes), 500)
	assert.Equal(t, '…', runes[len(runes)-1])
}

func TestExtractHashtags(t *testing.T) {
	in := "Shipping #Go and #retrocomputing today. #go again.\n```\n#notatag\n```"
	tags := ExtractHashtags(in)
	assert.Equal(t, []string{"go", "retrocomputing"}, tags)
}

func TestExtractHashtagsNone(t *testing.T) {
	assert.Empty(t, ExtractHashtags("no tags here, not even one"))
}

func TestIsPublic(t *testing.T) {
	assert.True(t, IsPublic(&IncomingActivity{To: []string{PublicURI}}))
	assert.True(t, IsPublic(&IncomingActivity{CC: []string{"as:Public"}}))
	assert.False(t, IsPublic(&IncomingActivity{To: []string{"https://a.example/users/x"}}))
}

func TestAudienceBoardSlugs(t *testing.T) {
	cfg := testConfig()
	act := &IncomingActivity{
		To: []string{PublicURI},
		CC: []string{
			cfg.AbsoluteURL("/ap/boards/general/followers"),
			"https://elsewhere.example/ap/boards/other",
		},
		Audience: []string{
			cfg.AbsoluteURL("/ap/boards/general"),
			cfg.AbsoluteURL("/ap/boards/retro"),
		},
	}
	assert.Equal(t, []string{"general", "retro"}, AudienceBoardSlugs(cfg, act))
}

func TestArticleObjectAddressing(t *testing.T) {
	cfg := testConfig()
	p := NewPublisher(cfg)
	author := UserURI(cfg, "alice")

	boards := []*store.Board{
		{Slug: "general", Name: "General", APEnabled: true, MinRoleToView: store.RoleGuest},
		{Slug: "private", Name: "Private", APEnabled: true, MinRoleToView: store.RoleUser},
	}
	a := &store.Article{
		Title:    "Hello",
		Body:     "body #tagged",
		BodyHTML: "<p>body</p>",
		Slug:     "hello-1",
	}
	obj := p.ArticleObject(a, author, boards)

	assert.Equal(t, []string{PublicURI}, []string(obj.To))
	assert.Contains(t, obj.CC, FollowersURI(BoardURI(cfg, "general")))
	assert.Contains(t, obj.CC, FollowersURI(author))
	// The private board never appears in addressing.
	assert.NotContains(t, obj.Audience, BoardURI(cfg, "private"))
	assert.Equal(t, []string{BoardURI(cfg, "general")}, []string(obj.Audience))

	require.Len(t, obj.Tag, 1)
	assert.Equal(t, "#tagged", obj.Tag[0].(Hashtag).Name)
}

func TestCreateMirrorsObjectAddressing(t *testing.T) {
	cfg := testConfig()
	p := NewPublisher(cfg)
	author := UserURI(cfg, "alice")

	obj := p.ArticleObject(&store.Article{Title: "t", Body: "b", Slug: "t-1"}, author, nil)
	act := p.Create(author, obj)

	assert.Equal(t, "Create", act.Type)
	assert.Equal(t, author, act.Actor)
	assert.Equal(t, []string(obj.To), act.To)
	assert.Equal(t, []string(obj.CC), act.CC)
	assert.NotEmpty(t, act.ID)
}

func TestAcceptEmbedsOriginalFollow(t *testing.T) {
	cfg := testConfig()
	p := NewPublisher(cfg)

	follow := &IncomingActivity{
		ID:     "https://remote.example/activities/1",
		Type:   "Follow",
		Actor:  "https://remote.example/users/bob",
		Object: []byte(`"https://forum.example/ap/users/alice"`),
	}
	accept := p.Accept(UserURI(cfg, "alice"), follow)

	assert.Equal(t, "Accept", accept.Type)
	assert.Equal(t, []string{follow.Actor}, accept.To)
	embedded, ok := accept.Object.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, follow.ID, embedded["id"])
	assert.Equal(t, "Follow", embedded["type"])
}

func TestFormatHandle(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "@alice@forum.example", FormatHandle(cfg, "alice"))
}
