package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"marketsync/internal/idempotency"
	"marketsync/internal/models"
	"marketsync/internal/telemetry"
)

// ServiceHandler forwards a job payload to a downstream HTTP service. The
// idempotency ledger guards the call: a key is checked before the request
// and recorded after a 2xx response, so a redelivered or recovered job
// within the same time bucket becomes a no-op.
type ServiceHandler struct {
	name   string
	url    string
	client *http.Client
	ledger idempotency.Ledger
	bucket time.Duration
	log    *zap.Logger
}

func NewServiceHandler(name, url string, ledger idempotency.Ledger, bucket time.Duration, log *zap.Logger) *ServiceHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ServiceHandler{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		ledger: ledger,
		bucket: bucket,
		log:    log,
	}
}

func (h *ServiceHandler) Handle(ctx context.Context, env models.JobEnvelope) error {
	if h.url == "" {
		// No downstream configured (local development); drop the job
		// rather than letting it accumulate retry records.
		h.log.Debug("no service URL configured, dropping job",
			zap.String("handler", h.name), zap.String("job_id", env.ID))
		return nil
	}

	key := idempotency.Key(h.name, entityID(env), env.EnqueuedAt, h.bucket)
	_, done, err := h.ledger.Lookup(ctx, key)
	if err != nil {
		return fmt.Errorf("check idempotency key: %w", err)
	}
	if done {
		telemetry.JobsSkipped.WithLabelValues(env.Queue).Inc()
		h.log.Info("skipping already-executed job",
			zap.String("handler", h.name),
			zap.String("job_id", env.ID),
			zap.String("key", key))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(env.Payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", h.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s service: %w", h.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s service returned %d: %s", h.name, resp.StatusCode, body)
	}

	result, _ := json.Marshal(map[string]int{"status": resp.StatusCode})
	if err := h.ledger.Record(ctx, key, result); err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

// entityID extracts the subject of the job for idempotency keying, falling
// back to the envelope ID when the payload has no recognizable subject.
func entityID(env models.JobEnvelope) string {
	var p struct {
		ProductID string `json:"product_id"`
		OrderID   string `json:"order_id"`
	}
	if err := json.Unmarshal(env.Payload, &p); err == nil {
		if p.ProductID != "" {
			return p.ProductID
		}
		if p.OrderID != "" {
			return p.OrderID
		}
	}
	return env.ID
}
