package action

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

// knownEvents are the event kinds the gateway publishes. Subscriptions
// for anything else are rejected at registration time.
var knownEvents = map[string]bool{
	types.ActionCacheInvalidated: true,
	types.ActionAuditRecorded:    true,
	types.ActionBatchRejected:    true,
}

type webhookConfig struct {
	Database        string        `json:"database"`
	DeliveryTimeout time.Duration `json:"delivery_timeout"`
	RequestTimeout  time.Duration `json:"request_timeout"`
}

// WebhookNotifier delivers gateway events to registered HTTP endpoints.
// Subscriptions live in a local SQLite table so they survive restarts.
type WebhookNotifier struct {
	logger  types.Logger
	metrics types.MetricsManager
	db      *sql.DB
	client  *http.Client
	cfg     webhookConfig
	running atomic.Bool
}

type Subscription struct {
	ID        string            `json:"id"`
	Event     string            `json:"event"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Secret    string            `json:"secret,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

type subscriptionRequest struct {
	Event   string            `json:"event"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Enabled *bool             `json:"enabled"`
}

func NewWebhookNotifier(logger types.Logger, metrics types.MetricsManager, rawConfig interface{}) (*WebhookNotifier, error) {
	cfg := webhookConfig{
		Database:        "./webhooks.db",
		DeliveryTimeout: 30 * time.Second,
		RequestTimeout:  5 * time.Second,
	}
	if rawConfig != nil {
		if err := utils.UnmarshalConfig(rawConfig, &cfg); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal webhook config")
		}
	}

	db, err := sql.Open("sqlite3", cfg.Database)
	if err != nil {
		return nil, types.WrapError(err, "failed to open subscriptions database")
	}

	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		url TEXT NOT NULL,
		headers TEXT,
		secret TEXT,
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_event ON subscriptions(event, enabled);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to create subscriptions table")
	}

	return &WebhookNotifier{
		logger:  logger,
		metrics: metrics,
		db:      db,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		cfg:     cfg,
	}, nil
}

func (n *WebhookNotifier) Start() error {
	if !n.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}
	n.logger.Info("Webhook notifier started", zap.String("database", n.cfg.Database))
	return nil
}

func (n *WebhookNotifier) Stop() error {
	if !n.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}
	if err := n.db.Close(); err != nil {
		n.logger.Error("Failed to close subscriptions database", zap.Error(err))
		return err
	}
	n.logger.Info("Webhook notifier stopped")
	return nil
}

func (n *WebhookNotifier) IsRunning() bool {
	return n.running.Load()
}

// Notify fans the event out to every enabled subscription concurrently.
// A single failed endpoint does not block the others; the call fails only
// when no delivery succeeded.
func (n *WebhookNotifier) Notify(event string, payload interface{}) error {
	if !n.IsRunning() {
		return types.ErrActionNotInitialized
	}

	start := time.Now()
	subs, err := n.subscriptionsFor(event)
	if err != nil {
		n.record("notify", "error", event, start)
		return err
	}
	if len(subs) == 0 {
		n.record("notify", "no_subscribers", event, start)
		return nil
	}

	body, err := utils.Marshal(map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().Unix(),
		"data":      payload,
	})
	if err != nil {
		n.record("notify", "error", event, start)
		return types.WrapError(err, "failed to marshal event payload")
	}

	notifyCtx, cancel := context.WithTimeout(context.Background(), n.cfg.DeliveryTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(notifyCtx)
	var delivered int32
	for _, sub := range subs {
		s := sub
		g.Go(func() error {
			if err := n.deliver(gCtx, s, event, body); err != nil {
				n.logger.Error("Webhook delivery failed",
					zap.String("subscription_id", s.ID),
					zap.String("event", event),
					zap.String("url", s.URL),
					zap.Error(err))
				return err
			}
			atomic.AddInt32(&delivered, 1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if atomic.LoadInt32(&delivered) == 0 {
			n.record("notify", "error", event, start)
			return types.WrapError(err, "all webhook deliveries failed")
		}
		n.record("notify", "partial", event, start)
		return nil
	}

	n.record("notify", "success", event, start)
	return nil
}

func (n *WebhookNotifier) deliver(ctx context.Context, sub *Subscription, event string, body []byte) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, strings.NewReader(string(body)))
	if err != nil {
		n.record("delivery", "request_error", event, start)
		return types.WrapError(err, "failed to build delivery request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "lumonew-gateway/1.0")
	for key, value := range sub.Headers {
		req.Header.Set(key, value)
	}
	if sub.Secret != "" {
		req.Header.Set("X-Signature", "sha256="+signPayload(sub.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.record("delivery", "http_error", event, start)
		return types.WrapError(err, "delivery request failed")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			n.logger.Error("Failed to close delivery response body", zap.Error(err))
		}
	}()

	if resp.StatusCode >= 400 {
		n.record("delivery", "http_error", event, start)
		return types.NewErrorf("endpoint returned status %d", resp.StatusCode)
	}

	n.record("delivery", "success", event, start)
	return nil
}

func signPayload(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (n *WebhookNotifier) subscriptionsFor(event string) ([]*Subscription, error) {
	rows, err := n.db.Query(
		`SELECT id, event, url, headers, secret, enabled, created_at
		 FROM subscriptions WHERE event = ? AND enabled = true`, event)
	if err != nil {
		return nil, types.WrapError(err, "failed to query subscriptions")
	}
	return n.scanSubscriptions(rows)
}

func (n *WebhookNotifier) allSubscriptions() ([]*Subscription, error) {
	rows, err := n.db.Query(
		`SELECT id, event, url, headers, secret, enabled, created_at
		 FROM subscriptions ORDER BY created_at DESC`)
	if err != nil {
		return nil, types.WrapError(err, "failed to query subscriptions")
	}
	return n.scanSubscriptions(rows)
}

func (n *WebhookNotifier) scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			n.logger.Error("Failed to close subscription rows", zap.Error(err))
		}
	}()

	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var headersJSON string
		if err := rows.Scan(&sub.ID, &sub.Event, &sub.URL, &headersJSON,
			&sub.Secret, &sub.Enabled, &sub.CreatedAt); err != nil {
			return nil, types.WrapError(err, "failed to scan subscription")
		}
		sub.Headers = decodeHeaders(n.logger, sub.ID, headersJSON)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func decodeHeaders(logger types.Logger, id, raw string) map[string]string {
	headers := make(map[string]string)
	if raw == "" {
		return headers
	}
	if err := utils.Unmarshal([]byte(raw), &headers); err != nil {
		logger.Warn("Failed to parse subscription headers",
			zap.String("subscription_id", id), zap.Error(err))
	}
	return headers
}

func (n *WebhookNotifier) insertSubscription(sub *Subscription) error {
	headersJSON, _ := utils.Marshal(sub.Headers)
	_, err := n.db.Exec(
		`INSERT INTO subscriptions (id, event, url, headers, secret, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Event, sub.URL, string(headersJSON), sub.Secret, sub.Enabled, sub.CreatedAt)
	return types.WrapError(err, "failed to insert subscription")
}

func (n *WebhookNotifier) removeSubscription(id string) error {
	result, err := n.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return types.WrapError(err, "failed to delete subscription")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(err, "failed to read rows affected")
	}
	if affected == 0 {
		return types.ErrResourceNotFound
	}
	return nil
}

func newSubscriptionSecret() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (n *WebhookNotifier) RegisterRoutes(router types.HTTPRouter) {
	config := &types.RouteConfig{
		Cache:               &types.CacheHandlerConfig{Enabled: false},
		Timeout:             n.cfg.RequestTimeout,
		DisabledMiddlewares: []string{"cache"},
	}

	router.Add("POST", "/api/v1/webhooks", n.handleSubscribe, config)
	router.Add("GET", "/api/v1/webhooks", n.handleList, config)
	router.Add("DELETE", "/api/v1/webhooks/{id}", n.handleUnsubscribe, config)
}

func (n *WebhookNotifier) handleSubscribe(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	if !n.IsRunning() {
		n.writeError(ctx, fasthttp.StatusServiceUnavailable, "webhook notifier is not running", nil)
		return
	}

	var req subscriptionRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
		n.writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON payload", err)
		return
	}
	if req.Event == "" || req.URL == "" {
		n.writeError(ctx, fasthttp.StatusBadRequest, "event and url are required", nil)
		return
	}
	if !knownEvents[req.Event] {
		n.writeError(ctx, fasthttp.StatusBadRequest, "unknown event: "+req.Event, nil)
		return
	}

	var count int
	if err := n.db.QueryRow(`SELECT COUNT(*) FROM subscriptions WHERE event = ? AND url = ?`,
		req.Event, req.URL).Scan(&count); err != nil {
		n.writeError(ctx, fasthttp.StatusInternalServerError, "failed to check subscription", err)
		return
	}
	if count > 0 {
		n.writeError(ctx, fasthttp.StatusConflict, "subscription already exists", nil)
		return
	}

	sub := &Subscription{
		ID:        fmt.Sprintf("sub_%d", time.Now().UnixNano()),
		Event:     req.Event,
		URL:       req.URL,
		Headers:   req.Headers,
		Secret:    newSubscriptionSecret(),
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}

	if err := n.insertSubscription(sub); err != nil {
		n.writeError(ctx, fasthttp.StatusInternalServerError, "failed to create subscription", err)
		return
	}

	n.logger.Info("Webhook subscription created",
		zap.String("id", sub.ID),
		zap.String("event", sub.Event),
		zap.String("url", sub.URL))
	n.record("api", "subscribe", sub.Event, start)

	n.writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"success": true, "data": sub})
}

func (n *WebhookNotifier) handleList(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	if !n.IsRunning() {
		n.writeError(ctx, fasthttp.StatusServiceUnavailable, "webhook notifier is not running", nil)
		return
	}

	subs, err := n.allSubscriptions()
	if err != nil {
		n.writeError(ctx, fasthttp.StatusInternalServerError, "failed to list subscriptions", err)
		return
	}

	n.record("api", "list", "all", start)
	n.writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"success": true,
		"data":    subs,
		"total":   len(subs),
	})
}

func (n *WebhookNotifier) handleUnsubscribe(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	if !n.IsRunning() {
		n.writeError(ctx, fasthttp.StatusServiceUnavailable, "webhook notifier is not running", nil)
		return
	}

	id := utils.RouteParam(ctx, "id")
	if id == "" {
		n.writeError(ctx, fasthttp.StatusBadRequest, "subscription id is required", nil)
		return
	}

	if err := n.removeSubscription(id); err != nil {
		if err == types.ErrResourceNotFound {
			n.writeError(ctx, fasthttp.StatusNotFound, "subscription not found", nil)
		} else {
			n.writeError(ctx, fasthttp.StatusInternalServerError, "failed to delete subscription", err)
		}
		return
	}

	n.logger.Info("Webhook subscription removed", zap.String("id", id))
	n.record("api", "unsubscribe", "all", start)
	n.writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"success": true})
}

func (n *WebhookNotifier) writeError(ctx *fasthttp.RequestCtx, status int, message string, err error) {
	if err != nil {
		n.logger.Error("Webhook API error", zap.String("message", message), zap.Error(err))
	}
	n.writeJSON(ctx, status, map[string]interface{}{"success": false, "error": message})
}

func (n *WebhookNotifier) writeJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	ctx.Response.Header.SetContentType("application/json")
	ctx.Response.SetStatusCode(status)

	body, err := utils.Marshal(data)
	if err != nil {
		n.logger.Error("Failed to marshal JSON response", zap.Error(err))
		ctx.Error(fasthttp.StatusMessage(fasthttp.StatusInternalServerError), fasthttp.StatusInternalServerError)
		return
	}
	if _, err := ctx.Write(body); err != nil {
		n.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (n *WebhookNotifier) record(operation, result, event string, start time.Time) {
	if n.metrics == nil {
		return
	}

	n.metrics.Counter("webhook_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	}).Inc()

	n.metrics.Histogram("webhook_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation, "event": event},
	).Observe(time.Since(start).Seconds())
}
