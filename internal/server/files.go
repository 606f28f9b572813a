package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

type fsEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// handleFsList lists the non-hidden entries of a directory given by the
// "path" query parameter, for the browser's file-browsing surface.
func (s *Server) handleFsList(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		writeError(w, http.StatusNotFound, "failed to read directory: "+err.Error())
		return
	}

	out := make([]fsEntry, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, fsEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": dir, "entries": out})
}

// handleFsHome returns the server process's home directory, used by the
// browser as a starting point for the file browser.
func (s *Server) handleFsHome(w http.ResponseWriter, r *http.Request) {
	home, err := os.UserHomeDir()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve home directory: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": filepath.Clean(home)})
}
