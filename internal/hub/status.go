package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"snchub/internal/obs"
)

// Status is a read-only operational snapshot of a running Hub.
type Status struct {
	UID              string  `json:"uid"`
	ConnectionCount  int     `json:"connectionCount"`
	RoutableUIDCount int     `json:"routableUidCount"`
	UptimeSeconds    float64 `json:"uptimeSeconds"`
}

// Snapshot builds the current Status.
func (h *Hub) Snapshot() Status {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return Status{
		UID:              h.uid.String(),
		ConnectionCount:  n,
		RoutableUIDCount: len(h.trie.Snapshot()),
		UptimeSeconds:    time.Since(h.startTime).Seconds(),
	}
}

// ServeStatus serves the Status snapshot as JSON on addr at "/status"
// until stop is closed. This is deliberately plain net/http rather
// than a third-party router: it is a single read-only endpoint, not a
// routed API surface (see DESIGN.md).
func (h *Hub) ServeStatus(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.Snapshot())
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	obs.L().Info("hub: status endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
