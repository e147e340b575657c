package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/baudrate/baudrate/internal/store"
)

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	status := store.ReportStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = store.ReportOpen
	case store.ReportOpen, store.ReportResolved, store.ReportDismissed:
	default:
		jsonError(w, "invalid status", http.StatusBadRequest)
		return
	}
	page := pageParam(r)
	reports, total, err := s.store.ReportsByStatus(r.Context(), status,
		collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	items := make([]map[string]interface{}, 0, len(reports))
	for _, rep := range reports {
		items = append(items, map[string]interface{}{
			"id":          rep.ID,
			"reporter_id": rep.ReporterUserID,
			"article_id":  rep.ArticleID,
			"comment_id":  rep.CommentID,
			"reason":      rep.Reason,
			"status":      string(rep.Status),
			"inserted_at": rep.InsertedAt.UTC().Format(time.RFC3339),
		})
	}
	jsonResponse(w, map[string]interface{}{"items": items, "total": total, "page": page}, http.StatusOK)
}

func (s *Server) handleResolveReport(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		jsonError(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		Dismiss bool `json:"dismiss"`
	}
	_ = decodeJSON(r, &req)

	if err := s.mod.Resolve(r.Context(), currentUser(r), id, req.Dismiss); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "report not open", http.StatusConflict)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleBanUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		jsonError(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &req)

	if err := s.mod.BanUser(r.Context(), currentUser(r), id, req.Reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "unknown user", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusForbidden)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleUnbanUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		jsonError(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.mod.UnbanUser(r.Context(), currentUser(r), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "unknown user", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleArticleFlags(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		jsonError(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		Pinned bool `json:"pinned"`
		Locked bool `json:"locked"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.mod.SetArticleFlags(r.Context(), currentUser(r), id, req.Pinned, req.Locked); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "unknown article", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleRemoveArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		jsonError(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &req)

	if err := s.mod.RemoveArticle(r.Context(), currentUser(r), id, req.Reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "unknown article", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleRemoveComment(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		jsonError(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &req)

	if err := s.mod.RemoveComment(r.Context(), currentUser(r), id, req.Reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "unknown comment", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleRotateUserKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		jsonError(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.mod.RotateUserKeys(r.Context(), currentUser(r), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "unknown user", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleRotateBoardKeys(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.BoardBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		jsonError(w, "unknown board", http.StatusNotFound)
		return
	}
	if err := s.mod.RotateBoardKeys(r.Context(), currentUser(r), b.ID); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// handleDecideBoardFollower accepts or rejects a pending board follow.
func (s *Server) handleDecideBoardFollower(w http.ResponseWriter, r *http.Request) {
	actorID, ok := idParam(r, "actorID")
	if !ok {
		jsonError(w, "invalid actor id", http.StatusBadRequest)
		return
	}
	b, err := s.store.BoardBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		jsonError(w, "unknown board", http.StatusNotFound)
		return
	}
	var req struct {
		Accept bool `json:"accept"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.follows.DecideBoardFollower(r.Context(), b, actorID, req.Accept); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "no pending follow", http.StatusConflict)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleModerationLog(w http.ResponseWriter, r *http.Request) {
	page := pageParam(r)
	entries, total, err := s.mod.Log(r.Context(), collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	items := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]interface{}{
			"id":          e.ID,
			"actor_id":    e.ActorID,
			"action":      e.Action,
			"target_type": e.TargetType,
			"target_id":   e.TargetID,
			"details":     e.Details,
			"inserted_at": e.InsertedAt.UTC().Format(time.RFC3339),
		})
	}
	jsonResponse(w, map[string]interface{}{"items": items, "total": total, "page": page}, http.StatusOK)
}
