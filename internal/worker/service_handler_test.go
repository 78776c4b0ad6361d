package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/idempotency"
	"marketsync/internal/models"
)

func publishEnvelope(id string) models.JobEnvelope {
	return models.JobEnvelope{
		ID:         id,
		Name:       "publish_product",
		Queue:      models.QueuePublish,
		Payload:    json.RawMessage(`{"product_id":"p1","trigger":"sold"}`),
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestServiceHandlerForwardsPayload(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		got = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewServiceHandler("publish", srv.URL, idempotency.NewMemoryLedger(), 24*time.Hour, nil)
	require.NoError(t, h.Handle(context.Background(), publishEnvelope("j1")))
	assert.JSONEq(t, `{"product_id":"p1","trigger":"sold"}`, string(got))
}

func TestServiceHandlerSkipsDuplicateWithinBucket(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewServiceHandler("publish", srv.URL, idempotency.NewMemoryLedger(), 24*time.Hour, nil)
	require.NoError(t, h.Handle(context.Background(), publishEnvelope("j1")))
	// Redelivery of the same subject in the same bucket must not call out.
	require.NoError(t, h.Handle(context.Background(), publishEnvelope("j2")))
	assert.Equal(t, 1, calls)
}

func TestServiceHandlerErrorLeavesKeyUnrecorded(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewServiceHandler("publish", srv.URL, idempotency.NewMemoryLedger(), 24*time.Hour, nil)
	err := h.Handle(context.Background(), publishEnvelope("j1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	// The failed attempt recorded nothing, so a retry goes through.
	require.NoError(t, h.Handle(context.Background(), publishEnvelope("j1")))
	assert.Equal(t, 2, calls)
}

func TestServiceHandlerNoURLDropsJob(t *testing.T) {
	h := NewServiceHandler("translate", "", idempotency.NewMemoryLedger(), 0, nil)
	require.NoError(t, h.Handle(context.Background(), publishEnvelope("j1")))
}
