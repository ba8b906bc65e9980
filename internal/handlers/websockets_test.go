package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	harvia "harvia_mirror"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSConnect_StreamsMirror(t *testing.T) {
	router, eng, _ := newTestRouter(t, &recordingSender{})
	eng.ApplySnapshot("sauna-1", map[string]any{"displayName": "Home"}, nil)

	srv := httptest.NewServer(router)
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?interval_ms=50"
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	// initial frame arrives immediately, before the first tick
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type string              `json:"type"`
		Data *harvia.AccountData `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "mirror", env.Type)
	require.NotNil(t, env.Data)
	require.Contains(t, env.Data.Devices, "sauna-1")
	assert.Equal(t, "Home", env.Data.Devices["sauna-1"].DisplayName)

	// state changes show up in subsequent frames
	eng.ApplySnapshot("sauna-2", map[string]any{"displayName": "Cabin"}, nil)
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "second device never streamed")
		require.NoError(t, conn.ReadJSON(&env))
		if _, ok := env.Data.Devices["sauna-2"]; ok {
			break
		}
	}
}

func TestParseInterval(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &Handler{}

	tests := []struct {
		query string
		want  time.Duration
	}{
		{"", defaultInterval},
		{"interval=2s", 2 * time.Second},
		{"interval=30s", defaultInterval}, // above cap, rejected
		{"interval=-1s", defaultInterval}, // non-positive, rejected
		{"interval_ms=250", 250 * time.Millisecond},
		{"interval_ms=99999", defaultInterval}, // above cap, rejected
		{"interval=bogus", defaultInterval},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest("GET", "/ws?"+tt.query, nil)
		assert.Equal(t, tt.want, h.parseInterval(c), "query %q", tt.query)
	}
}
