package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

// upstreamService is the logical name the client manager resolves to
// the inventory backend address.
const upstreamService = "inventory"

// gatewayResources are the REST groups proxied to the upstream backend.
var gatewayResources = []string{"items", "categories", "locations", "users", "projects"}

// Gateway exposes the query-acceleration HTTP surface: optimized ad-hoc
// queries, proxied resource groups, analytics and invalidation. Reads
// flow through the optimizer (and optionally the batcher); mutations go
// straight upstream, invalidate their cache tags and are audit-logged.
type Gateway struct {
	logger    types.Logger
	client    types.ClientManager
	batcher   types.BatcherManager
	optimizer types.OptimizerManager
	cache     types.CacheManager
	audit     types.AuditManager
	actions   types.ActionBroker
}

func NewGateway(logger types.Logger, client types.ClientManager, batcher types.BatcherManager, optimizer types.OptimizerManager, cache types.CacheManager, audit types.AuditManager, actions types.ActionBroker) *Gateway {
	return &Gateway{
		logger:    logger,
		client:    client,
		batcher:   batcher,
		optimizer: optimizer,
		cache:     cache,
		audit:     audit,
		actions:   actions,
	}
}

type queryRequest struct {
	OperationID string                 `json:"operation_id"`
	Query       string                 `json:"query"`
	Endpoint    string                 `json:"endpoint"`
	Method      string                 `json:"method"`
	Params      map[string]interface{} `json:"params"`
	Priority    string                 `json:"priority"`
	Batch       bool                   `json:"batch"`
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (g *Gateway) RegisterRoutes(router types.HTTPRouter) {
	apiConfig := &types.RouteConfig{
		Timeout: 30 * time.Second,
	}

	router.Add("POST", "/api/v1/query", g.handleQuery, apiConfig)
	router.Add("GET", "/api/v1/analytics", g.handleAnalytics, apiConfig)
	router.Add("POST", "/api/v1/invalidate", g.handleInvalidate, apiConfig)
	router.Add("GET", "/api/v1/audit", g.handleAuditQuery, apiConfig)

	for _, resource := range gatewayResources {
		res := resource
		base := "/api/v1/" + res

		router.Add("GET", base, func(ctx *fasthttp.RequestCtx) {
			g.handleResourceList(ctx, res)
		}, apiConfig)
		router.Add("GET", base+"/item", func(ctx *fasthttp.RequestCtx) {
			g.handleResourceGet(ctx, res)
		}, apiConfig)
		router.Add("POST", base, func(ctx *fasthttp.RequestCtx) {
			g.handleResourceMutation(ctx, res, "POST", base)
		}, apiConfig)
		router.Add("PUT", base+"/item", func(ctx *fasthttp.RequestCtx) {
			g.handleResourceMutation(ctx, res, "PUT", base+"/item")
		}, apiConfig)
		router.Add("DELETE", base+"/item", func(ctx *fasthttp.RequestCtx) {
			g.handleResourceMutation(ctx, res, "DELETE", base+"/item")
		}, apiConfig)
	}
}

// handleQuery runs an ad-hoc read through the optimizer: cache lookup,
// cost-estimated TTL on store, sample recording. With "batch": true the
// upstream call additionally rides the batch window.
func (g *Gateway) handleQuery(ctx *fasthttp.RequestCtx) {
	var req queryRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
		g.writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON payload", err)
		return
	}

	if req.OperationID == "" || req.Endpoint == "" {
		g.writeError(ctx, fasthttp.StatusBadRequest, "operation_id and endpoint are required", nil)
		return
	}
	if req.Method == "" {
		req.Method = "GET"
	}

	if g.optimizer == nil {
		g.writeError(ctx, fasthttp.StatusServiceUnavailable, "optimizer is not enabled", nil)
		return
	}

	result, err := g.optimizer.Do(ctx, req.OperationID, req.Query, g.upstreamQueryFunc(&req))
	if err != nil {
		g.writeError(ctx, fasthttp.StatusBadGateway, "query failed", err)
		return
	}

	g.writeSuccess(ctx, result, "")
}

// upstreamQueryFunc builds the cache-miss path for an ad-hoc query:
// either a batched enqueue or a direct upstream call.
func (g *Gateway) upstreamQueryFunc(req *queryRequest) types.QueryFunc {
	return func(callCtx context.Context) (interface{}, error) {
		if req.Batch && g.batcher != nil {
			ticket, err := g.batcher.Enqueue(callCtx, &types.BatchRequest{
				Method:   req.Method,
				Endpoint: upstreamService + req.Endpoint,
				Params:   req.Params,
				Priority: types.ParsePriority(req.Priority),
			})
			if err != nil {
				g.publishEvent(types.ActionBatchRejected, map[string]interface{}{
					"method":   req.Method,
					"endpoint": req.Endpoint,
					"error":    err.Error(),
				})
				return nil, err
			}
			return ticket.Wait(callCtx)
		}

		return g.callUpstream(req.Method, req.Endpoint, req.Params)
	}
}

func (g *Gateway) handleAnalytics(ctx *fasthttp.RequestCtx) {
	if g.optimizer == nil {
		g.writeError(ctx, fasthttp.StatusServiceUnavailable, "optimizer is not enabled", nil)
		return
	}

	data := map[string]interface{}{
		"queries": g.optimizer.Analytics(),
	}
	if g.batcher != nil {
		data["batcher"] = g.batcher.Stats()
	}
	if g.cache != nil {
		data["cache_entries"] = g.cache.Len()
	}

	g.writeSuccess(ctx, data, "")
}

// handleInvalidate drops cached entries matching the given pattern from
// both the response cache and the optimizer result cache. An empty
// pattern clears everything.
func (g *Gateway) handleInvalidate(ctx *fasthttp.RequestCtx) {
	var req invalidateRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
		g.writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON payload", err)
		return
	}

	removed := 0
	if g.cache != nil {
		n, err := g.cache.InvalidatePattern(req.Pattern)
		if err != nil {
			g.writeError(ctx, fasthttp.StatusBadRequest, "invalid pattern", err)
			return
		}
		removed += n
	}
	if g.optimizer != nil {
		n, err := g.optimizer.InvalidateOperation(req.Pattern)
		if err != nil {
			g.writeError(ctx, fasthttp.StatusBadRequest, "invalid pattern", err)
			return
		}
		removed += n
	}

	g.publishEvent(types.ActionCacheInvalidated, map[string]interface{}{
		"pattern": req.Pattern,
		"removed": removed,
	})
	g.recordAudit(ctx, "invalidate", "cache", req.Pattern, "")

	g.writeSuccess(ctx, map[string]interface{}{"removed": removed}, "cache invalidated")
}

func (g *Gateway) handleAuditQuery(ctx *fasthttp.RequestCtx) {
	if g.audit == nil {
		g.writeError(ctx, fasthttp.StatusServiceUnavailable, "audit is not enabled", nil)
		return
	}

	args := ctx.QueryArgs()
	filter := &types.AuditFilter{
		Actor:    string(args.Peek("actor")),
		Action:   string(args.Peek("action")),
		Resource: string(args.Peek("resource")),
		Limit:    args.GetUintOrZero("limit"),
		Offset:   args.GetUintOrZero("offset"),
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if from := string(args.Peek("from")); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = t
		}
	}
	if to := string(args.Peek("to")); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = t
		}
	}

	entries, err := g.audit.Query(ctx, filter)
	if err != nil {
		g.writeError(ctx, fasthttp.StatusInternalServerError, "audit query failed", err)
		return
	}

	total, err := g.audit.Count(ctx, filter)
	if err != nil {
		g.writeError(ctx, fasthttp.StatusInternalServerError, "audit count failed", err)
		return
	}

	g.writeSuccess(ctx, map[string]interface{}{
		"entries": entries,
		"total":   total,
	}, "")
}

// handleResourceList serves GET /api/v1/<resource> through the
// optimizer, keyed by resource and query string.
func (g *Gateway) handleResourceList(ctx *fasthttp.RequestCtx, resource string) {
	queryString := string(ctx.QueryArgs().QueryString())
	operationID := resource + ":list:" + queryString

	path := "/api/v1/" + resource
	if queryString != "" {
		path += "?" + queryString
	}

	result, err := g.optimizedFetch(ctx, operationID, path)
	if err != nil {
		g.writeError(ctx, fasthttp.StatusBadGateway, "upstream request failed", err)
		return
	}

	g.writeSuccess(ctx, result, "")
}

// handleResourceGet serves GET /api/v1/<resource>/item?id=. Identical
// lookups in flight are coalesced by the batcher's deduplicator.
func (g *Gateway) handleResourceGet(ctx *fasthttp.RequestCtx, resource string) {
	id := string(ctx.QueryArgs().Peek("id"))
	if id == "" {
		g.writeError(ctx, fasthttp.StatusBadRequest, "id is required", nil)
		return
	}

	operationID := resource + ":get:" + id
	path := "/api/v1/" + resource + "/item?id=" + id

	var result interface{}
	var err error

	if g.batcher != nil {
		var ticket types.BatchTicket
		ticket, err = g.batcher.Enqueue(ctx, &types.BatchRequest{
			Method:   "GET",
			Endpoint: upstreamService + "/api/v1/" + resource + "/item",
			Params:   map[string]interface{}{"id": id},
		})
		if err == nil {
			result, err = ticket.Wait(ctx)
		} else {
			g.publishEvent(types.ActionBatchRejected, map[string]interface{}{
				"method":   "GET",
				"endpoint": upstreamService + "/api/v1/" + resource + "/item",
				"error":    err.Error(),
			})
		}
	} else {
		result, err = g.optimizedFetch(ctx, operationID, path)
	}

	if err != nil {
		g.writeError(ctx, fasthttp.StatusBadGateway, "upstream request failed", err)
		return
	}

	g.writeSuccess(ctx, result, "")
}

// handleResourceMutation forwards the mutation upstream, then
// invalidates the resource's cached reads, records an audit entry and
// publishes the audit event.
func (g *Gateway) handleResourceMutation(ctx *fasthttp.RequestCtx, resource, method, path string) {
	if g.client == nil {
		g.writeError(ctx, fasthttp.StatusServiceUnavailable, "upstream client is not enabled", nil)
		return
	}

	var payload interface{}
	body := ctx.PostBody()
	if len(body) > 0 {
		if err := utils.Unmarshal(body, &payload); err != nil {
			g.writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON payload", err)
			return
		}
	}

	id := string(ctx.QueryArgs().Peek("id"))
	upstreamPath := path
	if id != "" {
		upstreamPath += "?id=" + id
	}

	respBody, statusCode, err := g.client.Call(upstreamService, method, upstreamPath, payload, nil)
	if err != nil {
		g.writeError(ctx, fasthttp.StatusBadGateway, "upstream request failed", err)
		return
	}
	if statusCode >= 400 {
		g.writeError(ctx, statusCode, fmt.Sprintf("upstream returned status %d", statusCode), nil)
		return
	}

	if g.cache != nil {
		// Cached reads for this resource are stale now.
		if _, err := g.cache.InvalidatePattern("^" + resource + ":"); err != nil {
			g.logger.Warn("Failed to invalidate resource cache",
				zap.String("resource", resource),
				zap.Error(err))
		}
	}
	if g.optimizer != nil {
		if _, err := g.optimizer.InvalidateOperation("^" + resource + ":"); err != nil {
			g.logger.Warn("Failed to invalidate optimizer cache",
				zap.String("resource", resource),
				zap.Error(err))
		}
	}

	g.recordAudit(ctx, strings.ToLower(method), resource, id, digestPayload(body))
	g.publishEvent(types.ActionCacheInvalidated, map[string]interface{}{
		"pattern": "^" + resource + ":",
	})

	var result interface{}
	if len(respBody) > 0 {
		if err := utils.Unmarshal(respBody, &result); err != nil {
			result = string(respBody)
		}
	}

	g.writeSuccess(ctx, result, "")
}

// optimizedFetch runs a GET against the upstream through the optimizer
// when it is enabled, falling back to a direct call otherwise.
func (g *Gateway) optimizedFetch(ctx *fasthttp.RequestCtx, operationID, path string) (interface{}, error) {
	if g.optimizer == nil {
		return g.callUpstream("GET", path, nil)
	}

	return g.optimizer.Do(ctx, operationID, "", func(callCtx context.Context) (interface{}, error) {
		return g.callUpstream("GET", path, nil)
	})
}

func (g *Gateway) callUpstream(method, path string, params map[string]interface{}) (interface{}, error) {
	if g.client == nil {
		return nil, types.ErrClientNotFound
	}

	var data interface{}
	if len(params) > 0 {
		data = params
	}

	body, statusCode, err := g.client.Call(upstreamService, method, path, data, nil)
	if err != nil {
		return nil, err
	}
	if statusCode >= 400 {
		return nil, types.Errorf(types.ErrClientResponseInvalid, "HTTP %d from %s %s", statusCode, method, path)
	}

	if len(body) == 0 {
		return nil, nil
	}

	var result interface{}
	if err := utils.Unmarshal(body, &result); err != nil {
		return string(body), nil
	}
	return result, nil
}

func (g *Gateway) recordAudit(ctx *fasthttp.RequestCtx, action, resource, recordID, payload string) {
	if g.audit == nil {
		return
	}

	actor := string(ctx.Request.Header.Peek("X-User-ID"))
	if actor == "" {
		actor = "anonymous"
	}

	entry := &types.AuditEntry{
		Actor:    actor,
		Action:   action,
		Resource: resource,
		RecordID: recordID,
		Payload:  payload,
		Metadata: map[string]string{
			"request_id": string(ctx.Request.Header.Peek("X-Request-ID")),
			"remote_ip":  ctx.RemoteIP().String(),
		},
	}

	if err := g.audit.Record(ctx, entry); err != nil {
		g.logger.Error("Failed to record audit entry",
			zap.String("action", action),
			zap.String("resource", resource),
			zap.Error(err))
		return
	}

	g.publishEvent(types.ActionAuditRecorded, entry)
}

func (g *Gateway) publishEvent(event string, payload interface{}) {
	if g.actions == nil || !g.actions.IsRunning() {
		return
	}
	if err := g.actions.Publish(event, payload); err != nil {
		g.logger.Debug("Event publish failed",
			zap.String("event", event),
			zap.Error(err))
	}
}

// digestPayload keeps the audit trail bounded: small bodies are stored
// verbatim, large ones truncated.
func digestPayload(body []byte) string {
	const maxPayload = 1024
	if len(body) <= maxPayload {
		return string(body)
	}
	return string(body[:maxPayload]) + "...(truncated)"
}

func (g *Gateway) writeSuccess(ctx *fasthttp.RequestCtx, data interface{}, message string) {
	g.writeEnvelope(ctx, fasthttp.StatusOK, &envelope{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, statusCode int, message string, err error) {
	response := &envelope{
		Success:   false,
		Error:     message,
		Timestamp: time.Now(),
	}

	if err != nil {
		g.logger.Error("Gateway request failed",
			zap.String("path", string(ctx.Path())),
			zap.String("message", message),
			zap.Error(err))
	}

	g.writeEnvelope(ctx, statusCode, response)
}

func (g *Gateway) writeEnvelope(ctx *fasthttp.RequestCtx, statusCode int, response *envelope) {
	ctx.Response.Header.SetContentType("application/json")
	ctx.Response.SetStatusCode(statusCode)

	body, err := utils.Marshal(response)
	if err != nil {
		g.logger.Error("Failed to marshal response", zap.Error(err))
		ctx.Error(fasthttp.StatusMessage(fasthttp.StatusInternalServerError), fasthttp.StatusInternalServerError)
		return
	}

	if _, err := ctx.Write(body); err != nil {
		g.logger.Error("Failed to write response", zap.Error(err))
	}
}
