// Package testutil provides common testing utilities and helpers.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StatusBody builds a wire-format device status JSON body. Temperatures are
// Fahrenheit integers, as the cloud reports them.
func StatusBody(currentF, targetF int, state, power string) string {
	return `{"current_temp_f":` + strconv.Itoa(currentF) +
		`,"target_temp_f":` + strconv.Itoa(targetF) +
		`,"state":"` + state + `","power":"` + power + `","firmware_version":"2.4.1"}`
}

// DeviceListBody builds a wire-format device listing with the given IDs.
func DeviceListBody(ids ...string) string {
	body := `{"devices":[`
	for i, id := range ids {
		if i > 0 {
			body += ","
		}
		body += `{"id":"` + id + `","name":"Kettle ` + id + `","model":"CV-1","firmware_version":"2.4.1"}`
	}
	return body + `]}`
}

// NewMockServer creates a test HTTP server with a predefined response.
// It validates the request path and bearer token, then returns the
// specified response.
func NewMockServer(t *testing.T, expectedPath, token, responseBody string, statusCode int) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Validate request path
		assert.Equal(t, expectedPath, r.URL.Path, "Request path should match expected")

		// Validate bearer token if provided
		if token != "" {
			assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"), "Authorization header should be set")
		}

		// Write response
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_, err := w.Write([]byte(responseBody))
		require.NoError(t, err, "Failed to write response body")
	}))
}

// NewMockServerWithHandler creates a test HTTP server with custom handler.
// Use this for more complex test scenarios that need custom request handling.
func NewMockServerWithHandler(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

// Response is one canned response for NewMockServerSequence.
type Response struct {
	Body       string
	StatusCode int
	Header     http.Header
}

// NewMockServerSequence creates a test server that returns responses in
// sequence. Each request gets the next response in the slice; requests past
// the end repeat the last one. Useful for testing retry logic and backoff.
func NewMockServerSequence(t *testing.T, responses []Response) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		resp := responses[n]

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, err := w.Write([]byte(resp.Body))
		require.NoError(t, err, "Failed to write response body")
	}))
	return server, &calls
}
