package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	if err := s.auth.Login(w, r, req.Username, req.Password); err != nil {
		s.seclog.Event(r, "login_failed", "username", req.Username)
		// Always the same body regardless of which credential was wrong.
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}
	s.seclog.Event(r, "login_success", "username", req.Username)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Logout(w, r)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.auth.UserID(r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userId": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userId": nil})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	if !s.auth.VerifyPassword(req.CurrentPassword) {
		s.seclog.Event(r, "password_change_failed", "reason", "wrong current password")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "current password is incorrect"})
		return
	}

	if err := s.auth.SetPassword(req.NewPassword); err != nil {
		// Policy violations are the client's fault; persistence failures
		// are ours and must not report success.
		if errors.Is(err, auth.ErrStorage) {
			s.log.Error("password hash persist failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to store new password"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.seclog.Event(r, "password_changed")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
