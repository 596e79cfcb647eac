package server

import (
	"encoding/json"
	"net/http"
)

// Target is one entry of the /json discovery list.
type Target struct {
	Description          string `json:"description"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// targets lists the bridged target. The WebSocket URL is left out while a
// frontend is attached so inspectors do not offer to connect.
func (s *Server) targets(host string) []Target {
	t := Target{
		Description: "inspectbridge target",
		ID:          s.ID,
		Title:       s.cfg.Title,
		Type:        "node",
		URL:         "file://",
	}
	if !s.attached.Load() {
		ws := host + "/ws"
		t.WebSocketDebuggerURL = "ws://" + ws
		t.DevtoolsFrontendURL = "devtools://devtools/bundled/inspector.html?experiments=true&v8only=true&ws=" + ws
	}
	return []Target{t}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.targets(r.Host))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":          "inspectbridge",
		"Protocol-Version": "1.1",
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
