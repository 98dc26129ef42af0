package console

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	wstransport "github.com/kilianp07/dispenser/infra/websocket"
)

// WSOptions configure the device endpoint.
type WSOptions struct {
	// Token, when set, must be presented as "Bearer <token>".
	Token         string
	InboundBuffer int
	WriteTimeout  time.Duration
}

// NewWSHandler upgrades device connections and attaches them to hub.
func NewWSHandler(hub *Hub, opts WSOptions) http.Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	up := websocket.Upgrader{
		// Devices are not browsers; origin checks do not apply.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.Token != "" {
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+opts.Token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warnf("upgrade: %v", err)
			return
		}
		hub.log.Infof("connection opened from %s, awaiting identification", r.RemoteAddr)
		conn := wstransport.NewConn(ws, opts.InboundBuffer, opts.WriteTimeout, hub.log)
		hub.Attach(r.Context(), conn, r.Header.Get(wstransport.DeviceHeader))
	})
}
