// Package api exposes the webhook receiver and the admin HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketsync/internal/config"
	"marketsync/internal/models"
	"marketsync/internal/ratelimit"
	"marketsync/internal/recovery"
	"marketsync/internal/telemetry"
)

const (
	providerShopify = "shopify"
	providerEbay    = "ebay"
	providerJoom    = "joom"
)

const maxWebhookBody = 2 << 20

// EventStore persists and retrieves raw webhook deliveries.
type EventStore interface {
	CreateWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, provider string, status models.EventStatus, limit, offset int) ([]models.WebhookEvent, error)
	MarkEventFailed(ctx context.Context, eventID, message string) error
	MarkEventRetrying(ctx context.Context, eventID string) (bool, error)
}

// EventProcessor turns a stored delivery into order and catalog state.
type EventProcessor interface {
	Process(ctx context.Context, event *models.WebhookEvent) error
}

// StatsSource reports retry ledger aggregates.
type StatsSource interface {
	Stats(ctx context.Context) (recovery.Stats, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the webhook receiver and admin endpoints.
type Server struct {
	cfg       config.Config
	events    EventStore
	processor EventProcessor
	stats     StatsSource
	limiter   *ratelimit.TokenBucket
	db        Pinger
	queue     Pinger
	log       *zap.Logger
}

func New(cfg config.Config, events EventStore, processor EventProcessor, stats StatsSource,
	limiter *ratelimit.TokenBucket, db, queue Pinger, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		events:    events,
		processor: processor,
		stats:     stats,
		limiter:   limiter,
		db:        db,
		queue:     queue,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/webhooks/ebay", s.handleEbayChallenge)
	r.Post("/webhooks/{provider}", s.handleWebhook)
	r.Get("/webhooks/events", s.handleListEvents)
	r.Get("/webhooks/events/{id}", s.handleGetEvent)
	r.Post("/webhooks/events/{id}/retry", s.handleRetryEvent)
	r.Get("/recovery/stats", s.handleRecoveryStats)
	return r
}

type webhookResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	switch provider {
	case providerShopify, providerEbay, providerJoom:
	default:
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	telemetry.WebhooksReceived.WithLabelValues(provider).Inc()

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.ProviderKey(provider))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			telemetry.WebhooksRejected.WithLabelValues(provider, "rate_limited").Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		telemetry.WebhooksRejected.WithLabelValues(provider, "body_too_large").Inc()
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := verifySignature(s.cfg, provider, r, body); err != nil {
		telemetry.WebhooksRejected.WithLabelValues(provider, "bad_signature").Inc()
		s.log.Warn("rejected webhook delivery",
			zap.String("provider", provider), zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := eventTypeFor(provider, r, body)
	if eventType == "" {
		telemetry.WebhooksRejected.WithLabelValues(provider, "missing_event_type").Inc()
		http.Error(w, "missing event type", http.StatusBadRequest)
		return
	}

	ev := &models.WebhookEvent{
		ID:        uuid.NewString(),
		Provider:  provider,
		EventType: eventType,
		Payload:   body,
		Headers:   captureHeaders(r),
		Status:    models.EventPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.events.CreateWebhookEvent(r.Context(), ev); err != nil {
		s.log.Error("persist webhook delivery failed",
			zap.String("provider", provider), zap.Error(err))
		http.Error(w, "failed to store event", http.StatusInternalServerError)
		return
	}

	// The delivery is durable from here on, so the provider always gets a
	// 200 and never redelivers; failures stay visible in the event listing
	// and can be replayed through the retry endpoint.
	if err := s.processor.Process(r.Context(), ev); err != nil {
		telemetry.WebhooksFailed.WithLabelValues(provider).Inc()
		s.log.Error("webhook processing failed",
			zap.String("provider", provider),
			zap.String("event_id", ev.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
		_ = s.events.MarkEventFailed(r.Context(), ev.ID, err.Error())
		writeJSON(w, http.StatusOK, webhookResponse{EventID: ev.ID, Status: "failed"})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{EventID: ev.ID, Status: "processed"})
}

// handleEbayChallenge answers eBay's endpoint validation handshake.
func (s *Server) handleEbayChallenge(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("challenge_code")
	if code == "" {
		http.Error(w, "challenge_code is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"challengeResponse": ebayChallengeResponse(code, s.cfg.EbayVerificationToken, s.cfg.EbayWebhookEndpoint),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(q.Get("offset"), 0)

	events, err := s.events.ListWebhookEvents(r.Context(),
		q.Get("provider"), models.EventStatus(q.Get("status")), limit, offset)
	if err != nil {
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.WebhookEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.GetWebhookEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "failed to load event", http.StatusInternalServerError)
		return
	}
	if ev == nil {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleRetryEvent replays a failed delivery through the processor.
func (s *Server) handleRetryEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := s.events.GetWebhookEvent(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load event", http.StatusInternalServerError)
		return
	}
	if ev == nil {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}

	ok, err := s.events.MarkEventRetrying(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to mark event for retry", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "event is not in a failed state", http.StatusConflict)
		return
	}

	if err := s.processor.Process(r.Context(), ev); err != nil {
		telemetry.WebhooksFailed.WithLabelValues(ev.Provider).Inc()
		s.log.Error("webhook retry failed",
			zap.String("event_id", ev.ID), zap.Error(err))
		_ = s.events.MarkEventFailed(r.Context(), ev.ID, err.Error())
		writeJSON(w, http.StatusOK, webhookResponse{EventID: ev.ID, Status: "failed"})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{EventID: ev.ID, Status: "processed"})
}

func (s *Server) handleRecoveryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to load recovery stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf(`{"status":"degraded","postgres":%q}`, err.Error()), http.StatusServiceUnavailable)
			return
		}
	}
	if s.queue != nil {
		if err := s.queue.Ping(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf(`{"status":"degraded","redis":%q}`, err.Error()), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// eventTypeFor pulls the event type from wherever the provider puts it:
// Shopify uses a header, eBay and Joom embed it in the body.
func eventTypeFor(provider string, r *http.Request, body []byte) string {
	switch provider {
	case providerShopify:
		return r.Header.Get(headerShopifyTopic)
	case providerEbay:
		var p struct {
			Metadata struct {
				Topic string `json:"topic"`
			} `json:"metadata"`
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return ""
		}
		if p.Metadata.Topic != "" {
			return p.Metadata.Topic
		}
		return p.Topic
	case providerJoom:
		var p struct {
			Type  string `json:"type"`
			Event string `json:"event"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return ""
		}
		if p.Type != "" {
			return p.Type
		}
		return p.Event
	}
	return ""
}

func captureHeaders(r *http.Request) map[string]string {
	keep := []string{
		headerShopifyTopic,
		"X-Shopify-Shop-Domain",
		"X-Shopify-Webhook-Id",
		"X-Ebay-Delivery-Id",
		"X-Joom-Delivery-Id",
		"Content-Type",
	}
	out := make(map[string]string, len(keep))
	for _, k := range keep {
		if v := r.Header.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
