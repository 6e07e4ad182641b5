package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// statsUpdateInterval mirrors WSstatsHandler's 0.5s push cadence.
const statsUpdateInterval = 500 * time.Millisecond

type loadSample struct {
	ActiveWorkflows int   `json:"active_workflows"`
	Timestamp       int64 `json:"timestamp"`
}

// handleStatsWS streams the current workflow load to a debug
// dashboard, mirroring WSstatsHandler.ws_handler.
func (s *Server) handleStatsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	ticker := time.NewTicker(statsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := loadSample{ActiveWorkflows: s.load.ActiveCount(), Timestamp: time.Now().Unix()}
			if err := wsjson.Write(ctx, conn, sample); err != nil {
				s.logger.Debug("gateway: stats websocket write failed, closing", "error", err)
				return
			}
		}
	}
}
