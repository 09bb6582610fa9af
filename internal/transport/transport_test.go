package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-labs/go-caldera/internal/testutil"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	client, err := New(Config{
		BaseURL:          baseURL,
		APIToken:         "test-token",
		CeilingPerMinute: -1,
	})
	require.NoError(t, err)
	return client
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestDoSendsBearerAuth(t *testing.T) {
	t.Parallel()

	server := testutil.NewMockServer(t, "/v1/devices", "test-token", testutil.DeviceListBody("KTL-1"), http.StatusOK)
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.Do(context.Background(), http.MethodGet, DevicesPath, nil)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.False(t, resp.RateLimited())

	devices, err := DecodeDevices(resp.Body)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestDoEncodesJSONBody(t *testing.T) {
	t.Parallel()

	var got map[string]any
	server := testutil.NewMockServerWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.Do(context.Background(), http.MethodPatch, DevicePath("KTL-1"), PowerBody(true, nil))
	require.NoError(t, err)
	assert.Equal(t, "ON", got["power"])
}

func TestDoReturnsRateLimitedResponse(t *testing.T) {
	t.Parallel()

	server := testutil.NewMockServerWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	// 429 is a response, not an error: the scheduler classifies it.
	resp, err := client.Do(context.Background(), http.MethodGet, DevicesPath, nil)
	require.NoError(t, err)
	assert.True(t, resp.RateLimited())
	assert.Equal(t, 30*time.Second, resp.RetryAfter)
}

func TestDoNetworkError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "http://127.0.0.1:1")

	_, err := client.Do(context.Background(), http.MethodGet, DevicesPath, nil)
	assert.Error(t, err)
}

func TestDoNoRetries(t *testing.T) {
	t.Parallel()

	// The transport dispatches exactly one HTTP attempt; retry policy
	// belongs to the execution loop above it.
	server, calls := testutil.NewMockServerSequence(t, []testutil.Response{
		{Body: `{}`, StatusCode: http.StatusInternalServerError},
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.Do(context.Background(), http.MethodGet, DevicesPath, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int64(1), calls.Load())
}
