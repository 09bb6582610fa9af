package caldera

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-labs/go-caldera/internal/polling"
	"github.com/caldera-labs/go-caldera/internal/request"
	"github.com/caldera-labs/go-caldera/internal/testutil"
	"github.com/caldera-labs/go-caldera/internal/transport"
)

// newTestClient builds a client pointed at the mock server with a limiter
// generous enough to stay out of the way. Tests that exercise limiter
// behavior tighten the config through mutate.
func newTestClient(t *testing.T, baseURL string, mutate ...func(*ClientConfig)) *Client {
	t.Helper()

	cfg := &ClientConfig{
		APIToken:                  "test-token",
		BaseURL:                   baseURL,
		RateLimitCapacity:         1000,
		RateLimitRefillInterval:   time.Millisecond,
		TransportCeilingPerMinute: -1,
		RetryWaitTime:             time.Millisecond,
	}
	for _, m := range mutate {
		m(cfg)
	}

	client, err := NewWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithConfig(nil)
	assert.Error(t, err)

	_, err = New("")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "API token")
}

func TestListDevices(t *testing.T) {
	t.Parallel()

	server := testutil.NewMockServer(t, "/v1/devices", "test-token",
		testutil.DeviceListBody("d1", "d2"), http.StatusOK)
	defer server.Close()

	client := newTestClient(t, server.URL)

	devices, err := client.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "d1", devices[0].ID)
	assert.Equal(t, "Kettle d2", devices[1].Name)
}

func TestGetStatusPopulatesCache(t *testing.T) {
	t.Parallel()

	server, calls := testutil.NewMockServerSequence(t, []testutil.Response{
		{Body: testutil.StatusBody(140, 212, "HEATING", "ON"), StatusCode: http.StatusOK},
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	first, err := client.GetStatus(ctx, "d1", false)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, ThermalHeating, first.ThermalState)
	assert.Equal(t, PowerOn, first.PowerState)
	assert.InDelta(t, 60.0, first.CurrentTemperature, 0.01)
	assert.InDelta(t, 100.0, first.TargetTemperature, 0.01)

	// Second read within the validity window never touches the network.
	second, err := client.GetStatus(ctx, "d1", false)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ThermalState, second.ThermalState)
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetStatusForceFreshBypassesCache(t *testing.T) {
	t.Parallel()

	server, calls := testutil.NewMockServerSequence(t, []testutil.Response{
		{Body: testutil.StatusBody(140, 212, "HEATING", "ON"), StatusCode: http.StatusOK},
		{Body: testutil.StatusBody(208, 212, "HOLDING", "ON"), StatusCode: http.StatusOK},
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	_, err := client.GetStatus(ctx, "d1", false)
	require.NoError(t, err)

	fresh, err := client.GetStatus(ctx, "d1", true)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, ThermalHolding, fresh.ThermalState)
	assert.Equal(t, int64(2), calls.Load())
}

func TestAcceptedWriteServesFollowupFromCache(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		gets    int
		patches []string
	)
	server := testutil.NewMockServerWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			patches = append(patches, string(body))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		default:
			gets++
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(testutil.StatusBody(68, 68, "STANDBY", "OFF")))
		}
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	_, err := client.GetStatus(ctx, "d1", false)
	require.NoError(t, err)

	target := 100.0
	executed, err := client.SetPower(ctx, "d1", true, &target)
	require.NoError(t, err)
	assert.True(t, executed)

	// The accepted command is trusted: the status right after it reflects
	// the intended end state without a verification read.
	status, err := client.GetStatus(ctx, "d1", false)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, PowerOn, status.PowerState)
	assert.Equal(t, ThermalHeating, status.ThermalState)
	assert.InDelta(t, 100.0, status.TargetTemperature, 0.01)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, gets)
	require.Len(t, patches, 1)
	assert.JSONEq(t, `{"power":"ON","target_temp_f":212}`, patches[0])
}

func TestNewerWriteSupersedesQueuedWrite(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		patches []string
	)
	server := testutil.NewMockServerWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			patches = append(patches, string(body))
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(testutil.StatusBody(68, 68, "STANDBY", "OFF")))
	})
	defer server.Close()

	// One permit, slow refill: the warmup read drains the bucket so the
	// power-on command is still queued when the power-off arrives.
	client := newTestClient(t, server.URL, func(cfg *ClientConfig) {
		cfg.RateLimitCapacity = 1
		cfg.RateLimitRefillInterval = 500 * time.Millisecond
	})
	ctx := context.Background()

	_, err := client.GetStatus(ctx, "d1", true)
	require.NoError(t, err)

	type writeResult struct {
		executed bool
		err      error
	}
	onDone := make(chan writeResult, 1)
	go func() {
		executed, onErr := client.SetPower(ctx, "d1", true, nil)
		onDone <- writeResult{executed, onErr}
	}()

	// Let the power-on enqueue and hit the empty bucket.
	time.Sleep(50 * time.Millisecond)

	executed, err := client.SetPower(ctx, "d1", false, nil)
	require.NoError(t, err)
	assert.True(t, executed)

	select {
	case res := <-onDone:
		assert.NoError(t, res.err)
		assert.False(t, res.executed, "superseded command must report not executed")
	case <-time.After(2 * time.Second):
		t.Fatal("superseded command never resolved")
	}

	// Exactly one command reached the device, and it is the newest one.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, patches, 1)
	assert.JSONEq(t, `{"power":"OFF"}`, patches[0])
}

func TestFailedWriteLeavesCacheUntouched(t *testing.T) {
	t.Parallel()

	var patchAttempts int64
	var mu sync.Mutex
	server := testutil.NewMockServerWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			mu.Lock()
			patchAttempts++
			mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"element fault"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(testutil.StatusBody(68, 68, "STANDBY", "OFF")))
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	_, err := client.GetStatus(ctx, "d1", false)
	require.NoError(t, err)

	executed, err := client.SetPower(ctx, "d1", true, nil)
	assert.False(t, executed)
	require.Error(t, err)

	// A rejected command earns no trust: the cached snapshot still shows
	// the device off.
	status, err := client.GetStatus(ctx, "d1", false)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, PowerOff, status.PowerState)
	assert.Equal(t, ThermalStandby, status.ThermalState)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(5), patchAttempts, "critical commands retry up to their budget")
}

func TestMalformedStatusIsFailedRead(t *testing.T) {
	t.Parallel()

	server := testutil.NewMockServerWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/devices" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(testutil.DeviceListBody("d1")))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"power":"ON"}`))
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	status, err := client.GetStatus(ctx, "d1", true)
	assert.Nil(t, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")

	// The loop survives the garbled body and keeps serving.
	devices, err := client.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestBackpressureSkipsLowPriorityReads(t *testing.T) {
	t.Parallel()

	server := testutil.NewMockServerWithHandler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	// Stack up user-facing work without waking the loop.
	for i := 0; i < DefaultBackpressureThreshold+1; i++ {
		client.queue.Enqueue(request.New(request.Critical, transport.MethodWrite,
			transport.DevicePath("busy"), nil, "busy", request.OpSetPower))
	}

	status, err := client.readStatus(context.Background(), "d9", request.Low)
	assert.NoError(t, err)
	assert.Nil(t, status, "background read should be skipped, not queued")
}

func TestThrottledBackgroundReadIsShedNotFailed(t *testing.T) {
	t.Parallel()

	server := testutil.NewMockServerWithHandler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	req := request.New(request.Low, transport.MethodRead, transport.DevicePath("d1"),
		nil, "d1", request.OpReadStatus)

	// The first 429 leaves the read in play for one backoff ride.
	done, _ := client.attempt(req)
	assert.False(t, done)

	// The second spends the budget. A throttled background read resolves
	// skipped, so the polling path keeps its last snapshot instead of
	// firing the subscriber's error callback.
	done, _ = client.attempt(req)
	require.True(t, done)

	res := <-req.Done()
	assert.Equal(t, request.OutcomeSkipped, res.Outcome)
	assert.NoError(t, res.Err)
}

func TestImmediatePollRunsUnderBackpressure(t *testing.T) {
	t.Parallel()

	server := testutil.NewMockServerWithHandler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(testutil.StatusBody(140, 212, "HEATING", "ON")))
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	snapshots := make(chan DeviceStatus, 8)
	client.RegisterForPolling("d4", func(_ string, status DeviceStatus) {
		snapshots <- status
	}, nil)
	defer client.UnregisterFromPolling("d4")

	// Stack up user-facing work without waking the loop.
	for i := 0; i < DefaultBackpressureThreshold+1; i++ {
		client.queue.Enqueue(request.New(request.Critical, transport.MethodWrite,
			transport.DevicePath("busy"), nil, "busy", request.OpSetPower))
	}

	// A scheduled background refresh is shed while the queue is loaded.
	client.pollDevice(polling.PollRequest{DeviceID: "d4"})
	select {
	case <-snapshots:
		t.Fatal("background poll should have been skipped")
	case <-time.After(50 * time.Millisecond):
	}

	// The verifying poll after a user action is not sheddable.
	client.pollDevice(polling.PollRequest{DeviceID: "d4", Immediate: true})
	select {
	case status := <-snapshots:
		assert.Equal(t, 60.0, status.CurrentTemperature)
		assert.Equal(t, ThermalHeating, status.ThermalState)
	case <-time.After(2 * time.Second):
		t.Fatal("immediate poll did not deliver a snapshot")
	}
}

func TestPollingDeliversSnapshots(t *testing.T) {
	t.Parallel()

	server, calls := testutil.NewMockServerSequence(t, []testutil.Response{
		{Body: testutil.StatusBody(140, 212, "HEATING", "ON"), StatusCode: http.StatusOK},
	})
	defer server.Close()

	client := newTestClient(t, server.URL, func(cfg *ClientConfig) {
		cfg.PollInterval = 160 * time.Millisecond
	})

	snapshots := make(chan DeviceStatus, 8)
	client.RegisterForPolling("d1", func(_ string, status DeviceStatus) {
		snapshots <- status
	}, nil)
	defer client.UnregisterFromPolling("d1")

	// First poll is a forced-fresh read.
	select {
	case status := <-snapshots:
		assert.Equal(t, ThermalHeating, status.ThermalState)
		assert.Equal(t, PowerOn, status.PowerState)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}

	// The next cycle finds the cache still valid and delivers without
	// another network call.
	select {
	case status := <-snapshots:
		assert.Equal(t, PowerOn, status.PowerState)
	case <-time.After(2 * time.Second):
		t.Fatal("no second snapshot delivered")
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestCloseRejectsNewRequests(t *testing.T) {
	t.Parallel()

	server := testutil.NewMockServer(t, "/v1/devices", "test-token",
		testutil.DeviceListBody("d1"), http.StatusOK)
	defer server.Close()

	client := newTestClient(t, server.URL)
	client.Close()

	_, err := client.ListDevices(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	client.Close()
}
