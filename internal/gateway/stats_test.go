package gateway_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/dp-orchestrator/internal/config"
	"github.com/basket/dp-orchestrator/internal/gateway"
)

func TestStatsWebsocketStreamsLoad(t *testing.T) {
	s := gateway.New(&fakeRegistrar{}, &fakeStore{}, &fakeLoad{n: 3}, config.GatewayConfig{}, discardLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/debug/current_load/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	var sample struct {
		ActiveWorkflows int   `json:"active_workflows"`
		Timestamp       int64 `json:"timestamp"`
	}
	if err := wsjson.Read(ctx, conn, &sample); err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if sample.ActiveWorkflows != 3 {
		t.Fatalf("expected active_workflows=3, got %d", sample.ActiveWorkflows)
	}
}

func TestStatsWebsocketClosesWhenClientDisconnects(t *testing.T) {
	s := gateway.New(&fakeRegistrar{}, &fakeStore{}, &fakeLoad{n: 1}, config.GatewayConfig{}, discardLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/debug/current_load/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "client done")
}
