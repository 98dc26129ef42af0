package console

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Serve runs handler on addr until ctx is canceled.
func (h *Hub) Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.log.Errorf("console shutdown: %v", err)
		}
		// Hijacked device sessions are not tracked by the server.
		h.closeSessions()
	}()
	h.log.Infof("console listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Hub) closeSessions() {
	h.mu.Lock()
	var conns []interface{ Close() error }
	for _, d := range h.devices {
		if d.conn != nil {
			conns = append(conns, d.conn)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
