package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
)

const (
	maxLogoBytes = 5 << 20
	logoBase     = "custom-logo"
)

// Extensions follow the declared content type; anything outside the whitelist
// is rejected before a byte hits disk.
var logoExtByType = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
}

func (s *Server) uploadsDir() string {
	return filepath.Join(s.cfg.PublicDir, "uploads")
}

// findLogo returns the current custom logo path, or "" when none exists.
// At most one custom-logo.* file ever exists; upload enforces that.
func (s *Server) findLogo() string {
	matches, _ := filepath.Glob(filepath.Join(s.uploadsDir(), logoBase+".*"))
	if len(matches) == 0 {
		return ""
	}
	return matches[0]
}

func (s *Server) handleGetLogo(w http.ResponseWriter, r *http.Request) {
	path := s.findLogo()
	if path == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no custom logo"})
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleUploadLogo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLogoBytes)
	if err := r.ParseMultipartForm(maxLogoBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "upload too large or malformed"})
		return
	}

	file, header, err := r.FormFile("logo")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing logo file field"})
		return
	}
	defer file.Close()

	ext, ok := logoExtByType[header.Header.Get("Content-Type")]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported image type"})
		return
	}

	if err := os.MkdirAll(s.uploadsDir(), 0o755); err != nil {
		s.log.Error("uploads directory unavailable", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to store logo"})
		return
	}

	// Drop every previous extension first so a .png upload after a .svg
	// leaves exactly one file behind.
	s.removeLogoFiles()

	dst := filepath.Join(s.uploadsDir(), logoBase+ext)
	out, err := os.Create(dst)
	if err != nil {
		s.log.Error("logo write failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to store logo"})
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		os.Remove(dst)
		s.log.Error("logo write failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to store logo"})
		return
	}

	s.seclog.Event(r, "logo_uploaded", "file", logoBase+ext, "size", header.Size)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": "/uploads/" + logoBase + ext})
}

func (s *Server) handleDeleteLogo(w http.ResponseWriter, r *http.Request) {
	if s.findLogo() == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no custom logo"})
		return
	}
	s.removeLogoFiles()
	s.seclog.Event(r, "logo_deleted")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) removeLogoFiles() {
	matches, _ := filepath.Glob(filepath.Join(s.uploadsDir(), logoBase+".*"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			s.log.Warn("stale logo removal failed", "path", m, "error", err)
		}
	}
}
