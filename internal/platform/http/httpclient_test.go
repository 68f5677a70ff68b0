package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient_Transport(t *testing.T) {
	c := NewHTTPClient(ClientConfig{Timeout: 3 * time.Second, MaxConnsPerHost: 4})

	assert.Equal(t, 3*time.Second, c.Timeout)
	ht, ok := c.Transport.(*headerTransport)
	require.True(t, ok)
	tr, ok := ht.next.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 4, tr.MaxConnsPerHost)
	assert.Equal(t, 4, tr.MaxIdleConnsPerHost)
	assert.Equal(t, 3*time.Second, tr.ResponseHeaderTimeout)
}

func TestNewHTTPClient_DefaultIdleConns(t *testing.T) {
	c := NewHTTPClient(ClientConfig{Timeout: time.Second})

	tr := c.Transport.(*headerTransport).next.(*http.Transport)
	assert.Equal(t, 16, tr.MaxIdleConnsPerHost)
	assert.Equal(t, 0, tr.MaxConnsPerHost)
}

func TestHeaderTransport(t *testing.T) {
	tests := []struct {
		name       string
		userAgent  string
		accept     string
		wantUA     string
		wantAccept string
	}{
		{"defaults added", "", "", UserAgent, "application/json"},
		{"caller headers kept", "custom/2", "text/plain", "custom/2", "text/plain"},
		{"only missing header added", "custom/2", "", "custom/2", "application/json"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var gotUA, gotAccept string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUA = r.Header.Get("User-Agent")
				gotAccept = r.Header.Get("Accept")
				w.WriteHeader(http.StatusNoContent)
			}))
			defer srv.Close()

			req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
			require.NoError(t, err)
			if tt.userAgent != "" {
				req.Header.Set("User-Agent", tt.userAgent)
			}
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}

			res, err := NewHTTPClient(ClientConfig{Timeout: time.Second}).Do(req)
			require.NoError(t, err)
			res.Body.Close()

			assert.Equal(t, tt.wantUA, gotUA)
			assert.Equal(t, tt.wantAccept, gotAccept)
			if tt.userAgent == "" {
				assert.Empty(t, req.Header.Get("User-Agent"), "original request must not be modified")
			}
		})
	}
}
