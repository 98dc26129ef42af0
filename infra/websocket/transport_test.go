package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/dispenser/core/connection"
	"github.com/kilianp07/dispenser/core/factory"
)

// echoServer replies to every text frame with the same payload and reports
// the device header it saw.
func echoServer(t *testing.T, seen chan<- string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			seen <- r.Header.Get(DeviceHeader)
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			typ, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "bye" {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			if err := ws.WriteMessage(typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestDialSendReceive(t *testing.T) {
	seen := make(chan string, 1)
	srv := echoServer(t, seen)
	d, err := NewDialer(Config{URL: wsURL(srv), DeviceID: "esp32-001"})
	require.NoError(t, err)

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	assert.Equal(t, "esp32-001", <-seen)

	require.NoError(t, conn.Send(context.Background(), "status", []byte(`{"type":"status"}`)))
	select {
	case raw := <-conn.Inbound():
		assert.JSONEq(t, `{"type":"status"}`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}

func TestPeerCloseSignalsDone(t *testing.T) {
	srv := echoServer(t, nil)
	d, err := NewDialer(Config{URL: wsURL(srv)})
	require.NoError(t, err)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.Send(context.Background(), "status", []byte("bye")))
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done not closed after peer close")
	}
	assert.Error(t, conn.Send(context.Background(), "status", []byte("{}")))
}

func TestDialFailure(t *testing.T) {
	d, err := NewDialer(Config{URL: "ws://127.0.0.1:1/none", HandshakeTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	_, err = d.Dial(context.Background())
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	_, err := NewDialer(Config{})
	assert.Error(t, err)
}

func TestManagerOverWebsocket(t *testing.T) {
	srv := echoServer(t, nil)
	dialer, err := connection.NewDialer(factory.ModuleConfig{
		Type: "websocket",
		Conf: map[string]any{"url": wsURL(srv), "write_timeout": "1s"},
	}, "esp32-002")
	require.NoError(t, err)

	m := connection.New(dialer, connection.Options{DeviceID: "esp32-002", ReconnectInterval: 50 * time.Millisecond})
	ctx := context.Background()
	m.Poll(ctx, time.Now())
	require.True(t, m.Connected())
	defer func() { _ = m.Close() }()

	require.NoError(t, m.Send(ctx, time.Now(), "event", []byte(`{"type":"event"}`)))
	deadline := time.Now().Add(2 * time.Second)
	var frames [][]byte
	for len(frames) == 0 && time.Now().Before(deadline) {
		frames = m.Poll(ctx, time.Now())
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"event"}`, string(frames[0]))
}

func authServer(t *testing.T, seen chan<- string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Authorization")
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDialSendsBearerToken(t *testing.T) {
	t.Run("static", func(t *testing.T) {
		seen := make(chan string, 1)
		d, err := NewDialer(Config{URL: wsURL(authServer(t, seen)), Token: "s3cret"})
		require.NoError(t, err)
		conn, err := d.Dial(context.Background())
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		assert.Equal(t, "Bearer s3cret", <-seen)
	})

	t.Run("client credentials", func(t *testing.T) {
		tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"oauth-token","token_type":"bearer","expires_in":3600}`))
		}))
		defer tokens.Close()

		seen := make(chan string, 1)
		dialer, err := connection.NewDialer(factory.ModuleConfig{
			Type: "websocket",
			Conf: map[string]any{
				"url":   wsURL(authServer(t, seen)),
				"token": "ignored",
				"auth":  map[string]any{"client_id": "id", "client_secret": "secret", "auth_url": tokens.URL},
			},
		}, "esp32-003")
		require.NoError(t, err)
		conn, err := dialer.Dial(context.Background())
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		assert.Equal(t, "Bearer oauth-token", <-seen)
	})
}
