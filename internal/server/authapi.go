package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/baudrate/baudrate/internal/auth"
	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/store"
)

const (
	sessionCookie = "baudrate_session"
	refreshCookie = "baudrate_refresh"
)

type ctxKey int

const userKey ctxKey = iota

// currentUser returns the authenticated user placed in the context by
// requireUser.
func currentUser(r *http.Request) *store.User {
	u, _ := r.Context().Value(userKey).(*store.User)
	return u
}

// sessionToken extracts the access token from the cookie or a bearer header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// requireUser authenticates the request and rejects it when no valid session
// is presented.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			jsonError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		u, _, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrAccountLocked) {
				status = http.StatusForbidden
			}
			jsonError(w, "invalid session", status)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

// requireRole gates a route on a minimum role. Must run after requireUser.
func (s *Server) requireRole(min store.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := currentUser(r)
			if u == nil || !u.Role.AtLeast(min) {
				jsonError(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setSessionCookies(w http.ResponseWriter, tokens *auth.SessionTokens) {
	secure := strings.HasPrefix(s.cfg.BaseURL, "https://")
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    tokens.Token,
		Path:     "/",
		Expires:  tokens.ExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    tokens.RefreshToken,
		Path:     "/api/auth",
		Expires:  tokens.ExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{
		{sessionCookie, "/"},
		{refreshCookie, "/api/auth"},
	} {
		http.SetCookie(w, &http.Cookie{
			Name: c.name, Path: c.path, Expires: time.Unix(0, 0), MaxAge: -1,
			HttpOnly: true, SameSite: http.SameSiteLaxMode,
		})
	}
}

func sessionJSON(tokens *auth.SessionTokens) map[string]interface{} {
	return map[string]interface{}{
		"next":          string(auth.StepDone),
		"token":         tokens.Token,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}

	status := store.StatusActive
	switch s.cfg.RegistrationMode {
	case config.RegistrationApproval:
		status = store.StatusPending
	case config.RegistrationInviteOnly:
		jsonError(w, "registration is closed", http.StatusForbidden)
		return
	}

	u, err := s.auth.Register(r.Context(), req.Username, req.Password, status)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			jsonError(w, "username taken", http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]interface{}{
		"id":       u.ID,
		"username": u.Username,
		"status":   string(u.Status),
	}, http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}

	res, err := s.auth.Login(r.Context(), req.Username, req.Password, r.RemoteAddr, r.UserAgent())
	if err != nil {
		s.loginError(w, err)
		return
	}
	if res.Next == auth.StepTOTP {
		jsonResponse(w, map[string]interface{}{
			"next":    string(auth.StepTOTP),
			"user_id": res.User.ID,
		}, http.StatusOK)
		return
	}
	s.setSessionCookies(w, res.Session)
	body := sessionJSON(res.Session)
	body["next"] = string(res.Next)
	jsonResponse(w, body, http.StatusOK)
}

func (s *Server) handleTOTPLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"user_id"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	res, err := s.auth.CompleteTOTPLogin(r.Context(), req.UserID, req.Code, r.RemoteAddr, r.UserAgent())
	if err != nil {
		s.loginError(w, err)
		return
	}
	s.setSessionCookies(w, res.Session)
	jsonResponse(w, sessionJSON(res.Session), http.StatusOK)
}

func (s *Server) handleRecoveryLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"user_id"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	res, err := s.auth.CompleteRecoveryLogin(r.Context(), req.UserID, req.Code, r.RemoteAddr, r.UserAgent())
	if err != nil {
		s.loginError(w, err)
		return
	}
	s.setSessionCookies(w, res.Session)
	body := sessionJSON(res.Session)
	body["totp_reenroll_required"] = true
	jsonResponse(w, body, http.StatusOK)
}

func (s *Server) loginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		jsonError(w, "account unavailable", http.StatusForbidden)
	case errors.Is(err, auth.ErrInvalidCode):
		jsonError(w, "invalid code", http.StatusUnauthorized)
	default:
		jsonError(w, "invalid credentials", http.StatusUnauthorized)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var refresh string
	if c, err := r.Cookie(refreshCookie); err == nil {
		refresh = c.Value
	}
	if refresh == "" {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := decodeJSON(r, &req); err == nil {
			refresh = req.RefreshToken
		}
	}
	if refresh == "" {
		jsonError(w, "missing refresh token", http.StatusBadRequest)
		return
	}

	tokens, err := s.auth.Refresh(r.Context(), refresh)
	if err != nil {
		s.clearSessionCookies(w)
		jsonError(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}
	s.setSessionCookies(w, tokens)
	jsonResponse(w, sessionJSON(tokens), http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		_ = s.auth.Logout(r.Context(), token)
	}
	s.clearSessionCookies(w)
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.LogoutAll(r.Context(), currentUser(r).ID); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.clearSessionCookies(w)
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Current string `json:"current"`
		Next    string `json:"next"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.auth.ChangePassword(r.Context(), currentUser(r).ID, req.Current, req.Next); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			jsonError(w, "current password is wrong", http.StatusUnauthorized)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	// All sessions including this one are gone now.
	s.clearSessionCookies(w)
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	enr, err := s.auth.BeginTOTPEnrollment(r.Context(), currentUser(r), s.cfg.SiteName)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]interface{}{
		"secret":           enr.Secret,
		"provisioning_uri": enr.ProvisioningURI,
	}, http.StatusOK)
}

func (s *Server) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	codes, err := s.auth.ConfirmTOTPEnrollment(r.Context(), currentUser(r), req.Code)
	if err != nil {
		jsonError(w, "invalid code", http.StatusUnauthorized)
		return
	}
	jsonResponse(w, map[string]interface{}{"recovery_codes": codes}, http.StatusOK)
}

func (s *Server) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.auth.DisableTOTP(r.Context(), currentUser(r), req.Code); err != nil {
		jsonError(w, "invalid code", http.StatusUnauthorized)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}
