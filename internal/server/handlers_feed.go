package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/threatfeed"
)

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	items := s.feed.Active()
	if items == nil {
		items = []threatfeed.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleIngestFeed accepts a single advisory object or an array of them.
// Machine callers authenticate with X-API-Token, never a session.
func (s *Server) handleIngestFeed(w http.ResponseWriter, r *http.Request) {
	ok, configured := s.auth.CheckAPIKey(r.Header.Get("X-API-Token"))
	if !configured {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "threat feed ingest is not configured"})
		return
	}
	if !ok {
		s.seclog.Event(r, "feed_ingest_rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid API token"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}

	items, err := decodeIncoming(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	accepted := s.feed.Ingest(items)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accepted": accepted})
}

func decodeIncoming(body []byte) ([]threatfeed.Incoming, error) {
	var many []threatfeed.Incoming
	if err := json.Unmarshal(body, &many); err == nil {
		return many, nil
	}
	var one threatfeed.Incoming
	if err := json.Unmarshal(body, &one); err == nil {
		return []threatfeed.Incoming{one}, nil
	}
	return nil, errors.New("body must be an advisory object or array")
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.feed.Delete(id); err != nil {
		if errors.Is(err, threatfeed.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "item not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "delete failed"})
		return
	}
	s.seclog.Event(r, "feed_item_deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
