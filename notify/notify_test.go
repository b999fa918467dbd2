package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlertDeliversPayload(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	New(srv.URL).Alert(context.Background(), "critical", "kill switch triggered")
	assert.Equal(t, "critical", got.Level)
	assert.Equal(t, "kill switch triggered", got.Message)
	assert.NotEmpty(t, got.Timestamp)
}

func TestAlertRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	New(srv.URL).Alert(context.Background(), "warning", "flaky webhook")
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlertEmptyURLIsNoOp(t *testing.T) {
	// Must return without panicking or touching the network.
	New("").Alert(context.Background(), "info", "dropped")
}

func TestAlertSwallowsPersistentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Both attempts fail; Alert still returns normally.
	New(srv.URL).Alert(context.Background(), "critical", "down webhook")
}
