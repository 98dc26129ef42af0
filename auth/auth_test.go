package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"token%d","token_type":"bearer","expires_in":3600}`, n)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetTokenAndSetAuthHeader(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls)
	client := NewClientCred(Conf{ClientID: "id", ClientSecret: "secret", AuthURL: srv.URL})

	token, err := client.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token1", token)

	h := http.Header{}
	require.NoError(t, client.SetAuthHeader(context.Background(), h))
	assert.Equal(t, "Bearer token1", h.Get("Authorization"))
	assert.Equal(t, int32(1), calls.Load(), "valid token is reused")

	token, err = client.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token2", token)
}

func TestGetTokenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClientCred(Conf{ClientID: "id", ClientSecret: "bad", AuthURL: srv.URL})
	_, err := client.GetToken(context.Background())
	assert.Error(t, err)
	assert.False(t, Conf{}.Enabled())
}
