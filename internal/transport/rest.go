package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/voxa-ai/voxa/internal/identity"
)

// decodeJSON reads a request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "malformed JSON body")
		return
	}
	userID, err := s.identSvc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrUserExists) {
			writeError(w, http.StatusConflict, "UserExists", "email is already registered")
			return
		}
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": userID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "malformed JSON body")
		return
	}
	token, userID, err := s.identSvc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrAccountLocked):
			writeError(w, http.StatusUnauthorized, "AccountLocked", "account is temporarily locked")
		case errors.Is(err, identity.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "InvalidCredentials", "email or password is wrong")
		default:
			writeError(w, http.StatusInternalServerError, "Internal", "authentication backend unavailable")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_token": token,
		"user_id":       userID,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ac := caller(r)
	if err := s.identSvc.Revoke(r.Context(), ac.token); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": int64(time.Since(s.startedAt) / time.Second),
		"version":  s.version,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ac := caller(r)
	var req struct {
		Query  string `json:"query"`
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "malformed JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "query must not be empty")
		return
	}
	// A user may only query as themselves.
	if req.UserID != "" && req.UserID != ac.user.ID {
		writeError(w, http.StatusForbidden, "Forbidden", "user_id does not match session")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.taskWait)
	defer cancel()
	sub, err := s.auth.Submit(ctx, ac.user, ac.sessionID, req.Query)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	reply, err := s.auth.Complete(ctx, sub)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ac := caller(r)
	var req struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "malformed JSON body")
		return
	}
	if req.UserID != "" && req.UserID != ac.user.ID {
		writeError(w, http.StatusForbidden, "Forbidden", "user_id does not match session")
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = s.historyN
	}

	turns, err := s.auth.History(r.Context(), ac.user.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "history unavailable")
		return
	}

	type turnBody struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]turnBody, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnBody{
			Role:      string(t.Role),
			Content:   t.Content,
			CreatedAt: t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": ac.user.ID, "turns": out})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	ac := caller(r)
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "malformed JSON body")
		return
	}
	if err := s.identSvc.ChangePassword(r.Context(), ac.user.ID, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "InvalidCredentials", "old password is wrong")
			return
		}
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	ac := caller(r)
	if err := s.auth.DeleteUserData(r.Context(), ac.user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "account data deletion failed")
		return
	}
	if err := s.identSvc.DeleteAccount(r.Context(), ac.user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "account deletion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// pluginBody is one plugin in the discovery listing.
type pluginBody struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Tier        string `json:"tier_required"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handlePluginList(w http.ResponseWriter, r *http.Request) {
	ac := caller(r)
	enabled, err := s.plugins.Enabled(r.Context(), ac.user.ID, ac.user.Tier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "plugin state unavailable")
		return
	}

	var out []pluginBody
	for _, d := range s.plugins.Discover() {
		// Premium plugins are invisible to free users.
		if _, visible := enabled[d.Name]; !visible {
			continue
		}
		out = append(out, pluginBody{
			Name:        d.Name,
			Version:     d.Version,
			Description: d.Description,
			Tier:        string(d.TierRequired),
			Enabled:     enabled[d.Name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if out == nil {
		out = []pluginBody{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePluginEnable(w http.ResponseWriter, r *http.Request) {
	s.togglePlugin(w, r, true)
}

func (s *Server) handlePluginDisable(w http.ResponseWriter, r *http.Request) {
	s.togglePlugin(w, r, false)
}

func (s *Server) togglePlugin(w http.ResponseWriter, r *http.Request, enable bool) {
	ac := caller(r)
	name := r.PathValue("name")

	var err error
	if enable {
		err = s.plugins.Enable(r.Context(), ac.user.ID, name)
	} else {
		err = s.plugins.Disable(r.Context(), ac.user.ID, name)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "UnknownPlugin", "no such plugin")
		return
	}
	status := "disabled"
	if enable {
		status = "enabled"
	}
	writeJSON(w, http.StatusOK, map[string]string{"plugin": name, "status": status})
}
