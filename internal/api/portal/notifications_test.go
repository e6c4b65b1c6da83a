package portal

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-portal/portal/internal/telemetry"
)

func TestUnreadCount(t *testing.T) {
	env := newEnv(t, "user")
	env.api.unread = 3

	w := env.do(http.MethodGet, "/api/v1/notifications/unread", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":3}`, w.Body.String())

	env.api.unreadErr = errors.New("down")
	w = env.do(http.MethodGet, "/api/v1/notifications/unread", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

// nextData reads SSE lines until the next data line and returns its payload
func nextData(t *testing.T, sc *bufio.Scanner) string {
	t.Helper()
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data:"); ok {
			return data
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return ""
}

func TestStreamUnread(t *testing.T) {
	env := newEnv(t, "user")
	env.api.setUnread(2)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/notifications/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	sc := bufio.NewScanner(resp.Body)
	assert.JSONEq(t, `{"count":2}`, nextData(t, sc))
	assert.Equal(t, float64(1), telemetry.GaugeValue(telemetry.NotificationStreamsActive))

	env.api.setUnread(5)
	assert.JSONEq(t, `{"count":5}`, nextData(t, sc))

	cancel()
	resp.Body.Close()
	assert.Eventually(t, func() bool {
		return telemetry.GaugeValue(telemetry.NotificationStreamsActive) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
