// Package chat is the client-facing HTTP surface: the SSE chat stream, the
// pre-stream admission check, and resolution and concurrency introspection.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
	"github.com/tjfontaine/modelkey-gateway/internal/guard"
	"github.com/tjfontaine/modelkey-gateway/internal/resolver"
	"github.com/tjfontaine/modelkey-gateway/internal/selector"
	"github.com/tjfontaine/modelkey-gateway/internal/server"
	"github.com/tjfontaine/modelkey-gateway/internal/stream"
	"github.com/tjfontaine/modelkey-gateway/internal/telemetry"
)

// Settings are the reloadable per-request knobs.
type Settings struct {
	Stream          stream.Config
	UpstreamTimeout time.Duration

	// DefaultModel is used when no mapping matches the request.
	DefaultModel string

	// Operators are the user ids that see per-session stats.
	Operators []string
}

func (s Settings) isOperator(id *domain.Identity) bool {
	if id == nil || id.Anonymous {
		return false
	}
	return slices.Contains(s.Operators, id.UserID)
}

// Request is the body of the chat endpoints.
type Request struct {
	Model          string                  `json:"model"`
	Messages       []domain.Message        `json:"messages"`
	Tools          []domain.ToolDefinition `json:"tools,omitempty"`
	Temperature    *float64                `json:"temperature,omitempty"`
	MaxTokens      int                     `json:"max_tokens,omitempty"`
	ConversationID string                  `json:"conversation_id,omitempty"`
	MessageID      string                  `json:"message_id,omitempty"`
	EndpointID     int64                   `json:"endpoint_id,omitempty"`
	PromptID       string                  `json:"prompt_id,omitempty"`
}

// Handler serves the chat routes.
type Handler struct {
	resolver  *resolver.Resolver
	selector  *selector.Selector
	guard     *guard.Guard
	upstream  ports.ProviderClient
	estimator stream.UsageEstimator
	settings  atomic.Pointer[Settings]
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithUsageEstimator fills usage in completed payloads when the upstream
// reports none.
func WithUsageEstimator(e stream.UsageEstimator) Option {
	return func(h *Handler) { h.estimator = e }
}

// NewHandler wires the routing core to HTTP.
func NewHandler(res *resolver.Resolver, sel *selector.Selector, g *guard.Guard, upstream ports.ProviderClient, settings Settings, opts ...Option) *Handler {
	h := &Handler{
		resolver: res,
		selector: sel,
		guard:    g,
		upstream: upstream,
		tracer:   telemetry.Tracer(),
		logger:   slog.Default(),
	}
	h.settings.Store(&settings)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetSettings replaces the settings used by subsequent requests.
func (h *Handler) SetSettings(s Settings) {
	h.settings.Store(&s)
}

// Settings returns the current settings.
func (h *Handler) Settings() Settings {
	return *h.settings.Load()
}

// Register mounts the chat routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/stream", h.HandleStream)
		r.Post("/chat/completions", h.HandleComplete)
		r.Post("/chat/admit", h.HandleAdmit)
		r.Get("/chat/stats", h.HandleStats)
		r.Get("/models/resolve", h.HandleResolve)
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStream resolves, selects, admits, and then streams the upstream
// reply as server-sent events. Everything before admission fails as a
// JSON error; after the first event every failure is an error event.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings := h.Settings()

	req, err := decodeRequest(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	id := identity(ctx)

	route, chatReq, err := h.route(ctx, id, req, settings)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	connectionID := uuid.NewString()

	if rej := h.guard.Admit(guard.Request{
		ConnectionID:   connectionID,
		UserID:         id.UserID,
		Anonymous:      id.Anonymous,
		ConversationID: req.ConversationID,
		MessageID:      messageID,
	}); rej != nil {
		server.AddLogField(ctx, "guard_rejection", string(rej.Reason))
		server.WriteError(w, r, rej.APIError())
		return
	}
	defer h.guard.Release(connectionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	requestID := server.GetRequestID(ctx)
	t := stream.NewTransformer(settings.Stream, stream.Meta{
		RequestID: requestID,
		MessageID: messageID,
		Model:     route.ResolvedModel,
		Prompt:    req.Messages,
	}, h.transformerOptions()...)

	// The upstream deadline covers the wait for response headers as well
	// as the stream itself.
	var (
		upstreamCtx context.Context
		cancel      context.CancelFunc
	)
	if settings.UpstreamTimeout > 0 {
		upstreamCtx, cancel = context.WithTimeout(ctx, settings.UpstreamTimeout)
	} else {
		upstreamCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	upstreamCtx, span := h.tracer.Start(upstreamCtx, "upstream_stream", trace.WithAttributes(
		attribute.String("model", route.ResolvedModel),
		attribute.Int64("endpoint_id", route.EndpointID),
		attribute.String("dialect", route.Dialect.String()),
		attribute.String("mode", string(settings.Stream.Mode)),
	))
	defer span.End()

	deltas, err := h.upstream.Stream(upstreamCtx, route, chatReq)
	if err != nil {
		if errors.Is(upstreamCtx.Err(), context.DeadlineExceeded) {
			err = domain.ErrUpstreamTimeout()
		}
		deltas = failedStream(err)
	}

	sse := newEventWriter(w)
	err = stream.Run(upstreamCtx, t, deltas, settings.UpstreamTimeout, sse.Write)
	span.SetAttributes(attribute.String("stream_state", t.State().String()))

	switch {
	case err != nil:
		// The client went away; the upstream is cancelled by the deferred cancel.
		span.SetStatus(codes.Error, err.Error())
		server.AddError(ctx, fmt.Errorf("stream aborted: %w", err))
		h.logger.Info("client disconnected mid-stream",
			slog.String("request_id", requestID),
			slog.String("message_id", messageID))
	case t.State() == stream.StateErrored:
		span.SetStatus(codes.Error, "stream ended with error event")
	}
	server.AddLogField(ctx, "stream_state", t.State().String())
	server.AddLogField(ctx, "message_id", messageID)
}

// HandleComplete serves a single non-streaming reply. It does not pass
// through admission; the guard bounds streams only.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings := h.Settings()

	req, err := decodeRequest(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	route, chatReq, err := h.route(ctx, identity(ctx), req, settings)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	if settings.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.UpstreamTimeout)
		defer cancel()
	}

	ctx, span := h.tracer.Start(ctx, "upstream_complete", trace.WithAttributes(
		attribute.String("model", route.ResolvedModel),
		attribute.Int64("endpoint_id", route.EndpointID),
	))
	defer span.End()

	resp, err := h.upstream.Complete(ctx, route, chatReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = domain.ErrUpstreamTimeout()
		}
		server.WriteError(w, r, err)
		return
	}
	if len(resp.ToolCalls) > 0 {
		server.WriteError(w, r, domain.ErrProtocol(domain.ErrorCodeToolExecutorMissing,
			fmt.Sprintf("upstream requested tool %q but no tool executor is configured", resp.ToolCalls[0].Function.Name)))
		return
	}

	usage := resp.Usage
	if usage == nil && h.estimator != nil {
		usage = h.estimator.EstimateUsage(route.ResolvedModel, req.Messages, resp.Content)
	}
	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}

	server.WriteJSON(w, http.StatusOK, stream.CompletedPayload{
		RequestID:    server.GetRequestID(r.Context()),
		MessageID:    messageID,
		Model:        route.ResolvedModel,
		Content:      resp.Content,
		FinishReason: finish,
		Usage:        usage,
	})
}

type admitRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// HandleAdmit reports whether a stream would be admitted right now. The
// probe session is released before responding.
func (h *Handler) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	var body admitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			server.WriteError(w, r, domain.ErrInvalidRequest("invalid JSON body: "+err.Error()))
			return
		}
	}

	id := identity(r.Context())
	probe := "probe-" + uuid.NewString()
	rej := h.guard.Admit(guard.Request{
		ConnectionID:   probe,
		UserID:         id.UserID,
		Anonymous:      id.Anonymous,
		ConversationID: body.ConversationID,
		MessageID:      body.MessageID,
	})
	if rej != nil {
		server.AddLogField(r.Context(), "guard_rejection", string(rej.Reason))
		server.WriteError(w, r, rej.APIError())
		return
	}
	h.guard.Release(probe)

	server.WriteJSON(w, http.StatusOK, map[string]bool{"admitted": true})
}

// HandleStats reports guard totals. Operators also see the per-user,
// per-conversation, and per-session breakdown.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.guard.Stats()
	if !h.Settings().isOperator(identity(r.Context())) {
		stats = stats.Summary()
	}
	server.WriteJSON(w, http.StatusOK, stats)
}

// HandleResolve exposes resolution without calling an upstream. With key it
// runs Resolve; otherwise it runs ResolveForMessage for the given user,
// tenant, and prompt, defaulting user and tenant to the caller.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if key := strings.TrimSpace(q.Get("key")); key != "" {
		res, err := h.resolver.Resolve(ctx, key)
		if err != nil {
			server.WriteError(w, r, err)
			return
		}
		server.WriteJSON(w, http.StatusOK, res)
		return
	}

	id := identity(ctx)
	mq := resolver.MessageQuery{
		UserID:   q.Get("user_id"),
		TenantID: q.Get("tenant_id"),
		PromptID: q.Get("prompt_id"),
	}
	if mq.UserID == "" && !id.Anonymous {
		mq.UserID = id.UserID
	}
	if mq.TenantID == "" {
		mq.TenantID = id.TenantID
	}

	res, err := h.resolver.ResolveForMessage(ctx, mq)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, res)
}

// route runs resolution and selection and builds the upstream request.
// Both steps finish before any upstream call is made.
func (h *Handler) route(ctx context.Context, id *domain.Identity, req *Request, settings Settings) (*domain.ResolvedRoute, *domain.ChatRequest, error) {
	spanCtx, span := h.tracer.Start(ctx, "resolve", trace.WithAttributes(attribute.String("model_key", req.Model)))
	res, err := h.resolveModel(spanCtx, id, req, settings)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.String("resolved_model", res.model),
		attribute.Bool("hit", res.hit),
		attribute.String("source", res.source))
	span.End()

	server.AddLogField(ctx, "resolved_model", res.model)
	server.AddLogField(ctx, "resolution", res.source)
	server.AddLogField(ctx, "mapping_id", res.mappingID)

	spanCtx, span = h.tracer.Start(ctx, "select_endpoint")
	route, err := h.selector.Select(spanCtx, selector.Request{
		Model:      res.model,
		MappingHit: res.hit,
		EndpointID: req.EndpointID,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.Int64("endpoint_id", route.EndpointID),
		attribute.String("provider", route.Provider),
		attribute.String("resolved_model", route.ResolvedModel))
	span.End()

	if route.ResolvedModel == "" {
		return nil, nil, domain.ErrModelUnresolved()
	}
	server.AddLogField(ctx, "endpoint_id", strconv.FormatInt(route.EndpointID, 10))
	server.AddLogField(ctx, "provider", route.Provider)

	temperature := req.Temperature
	if temperature == nil {
		temperature = res.temperature
	}
	return route, &domain.ChatRequest{
		Model:       route.ResolvedModel,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   server.GetRequestID(ctx),
	}, nil
}

type resolution struct {
	model       string
	hit         bool
	mappingID   string
	source      string
	temperature *float64
}

// resolveModel tries the request's model key, then the caller's message
// scopes, then the configured default. A matched mapping with no usable
// model is rejected rather than replaced by a lower-priority choice.
func (h *Handler) resolveModel(ctx context.Context, id *domain.Identity, req *Request, settings Settings) (resolution, error) {
	if req.Model != "" {
		res, err := h.resolver.Resolve(ctx, req.Model)
		if err != nil {
			return resolution{}, err
		}
		if res.Hit {
			if res.ResolvedModel == "" {
				return resolution{}, exhaustedMapping(res.MappingID)
			}
			return resolution{
				model:       res.ResolvedModel,
				hit:         true,
				mappingID:   res.MappingID,
				source:      "model_key",
				temperature: res.Temperature,
			}, nil
		}
	}

	q := resolver.MessageQuery{TenantID: id.TenantID, PromptID: req.PromptID}
	if !id.Anonymous {
		q.UserID = id.UserID
	}
	msg, err := h.resolver.ResolveForMessage(ctx, q)
	if err != nil {
		return resolution{}, err
	}
	switch msg.Reason {
	case resolver.ReasonHit:
		return resolution{
			model:       msg.Model,
			hit:         true,
			mappingID:   msg.MappingID,
			source:      "message_" + string(msg.HitScope),
			temperature: msg.Temperature,
		}, nil
	case resolver.ReasonMappingEmptyOrBlocked, resolver.ReasonMappingInactive:
		return resolution{}, exhaustedMapping(msg.MappingID)
	}

	return resolution{model: settings.DefaultModel, source: "default"}, nil
}

func exhaustedMapping(mappingID string) *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypeInvalidRequest, domain.ErrorCodeModelUnresolved,
		fmt.Sprintf("mapping %s has no usable model", mappingID))
}

func decodeRequest(r *http.Request) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, domain.ErrInvalidRequest("invalid JSON body: " + err.Error())
	}
	if len(req.Messages) == 0 {
		return nil, domain.ErrInvalidRequest("messages must not be empty")
	}
	req.Model = strings.TrimSpace(req.Model)
	return &req, nil
}

func identity(ctx context.Context) *domain.Identity {
	if id := server.GetIdentity(ctx); id != nil {
		return id
	}
	return &domain.Identity{UserID: "anonymous", Anonymous: true}
}

func (h *Handler) transformerOptions() []stream.Option {
	if h.estimator == nil {
		return nil
	}
	return []stream.Option{stream.WithUsageEstimator(h.estimator)}
}

// failedStream turns a failed upstream call into a one-delta stream so the
// failure reaches the client as an error event after the status event.
func failedStream(err error) <-chan domain.Delta {
	ch := make(chan domain.Delta, 1)
	ch <- domain.Delta{Err: err}
	close(ch)
	return ch
}
