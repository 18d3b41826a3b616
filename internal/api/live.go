package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth already happened in the middleware chain; dashboards connect
	// from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	livePushInterval = 2 * time.Second
	liveWriteTimeout = 10 * time.Second
)

// handleLiveCounters streams counter snapshots for a survey over a
// websocket. Each push is the full set of cells, so a client can
// render from any single message.
func (s *Server) handleLiveCounters(w http.ResponseWriter, r *http.Request) {
	surveyID := chi.URLParam(r, "surveyID")
	if surveyID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "survey id is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err, "survey_id", surveyID)
		return
	}
	defer conn.Close()

	slog.Info("live counter feed opened", "survey_id", surveyID, "remote_addr", r.RemoteAddr)

	// Read pump: the client sends nothing meaningful, but reading is
	// required to notice close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(livePushInterval)
	defer ticker.Stop()

	push := func() bool {
		snapshots, err := s.surveySnapshots(r, surveyID)
		if err != nil {
			slog.Error("failed to read counters for live feed", "error", err, "survey_id", surveyID)
			return true
		}

		conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := conn.WriteJSON(map[string]interface{}{
			"survey_id": surveyID,
			"cells":     snapshots,
			"time":      time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			slog.Debug("live counter feed write failed", "error", err, "survey_id", surveyID)
			return false
		}
		return true
	}

	if !push() {
		return
	}

	for {
		select {
		case <-done:
			slog.Info("live counter feed closed by client", "survey_id", surveyID)
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}
