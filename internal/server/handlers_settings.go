package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

const (
	maxArcsMin = 1
	maxArcsMax = 50
)

// loadSettings reads data/settings.json. Missing or corrupt files yield an
// empty object; settings are cosmetic and never block the dashboard.
func (s *Server) loadSettings() map[string]any {
	data, err := os.ReadFile(s.settingsPath)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		s.log.Warn("settings file corrupt, starting empty", "path", s.settingsPath)
		return map[string]any{}
	}
	return out
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.settingsMu.Lock()
	settings := s.loadSettings()
	s.settingsMu.Unlock()
	writeJSON(w, http.StatusOK, settings)
}

// handlePutSettings merges the request body over the stored settings. Only
// known keys are validated; unknown keys pass through for the frontend.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var incoming map[string]any
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	if err := validateSettings(incoming); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	settings := s.loadSettings()
	for k, v := range incoming {
		settings[k] = v
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to encode settings"})
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.settingsPath), 0o755); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to persist settings"})
		return
	}
	if err := os.WriteFile(s.settingsPath, data, 0o644); err != nil {
		s.log.Error("settings persist failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to persist settings"})
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func validateSettings(incoming map[string]any) error {
	if raw, ok := incoming["maxArcs"]; ok {
		// JSON numbers decode as float64; reject fractional values too.
		f, ok := raw.(float64)
		if !ok || f != float64(int(f)) {
			return fmt.Errorf("maxArcs must be an integer")
		}
		if n := int(f); n < maxArcsMin || n > maxArcsMax {
			return fmt.Errorf("maxArcs must be between %d and %d", maxArcsMin, maxArcsMax)
		}
	}
	return nil
}
