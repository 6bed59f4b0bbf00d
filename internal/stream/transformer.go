package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

// Mode selects how upstream text is presented to the client.
type Mode string

const (
	// ModePassthrough forwards each content delta as it arrives.
	ModePassthrough Mode = "passthrough"

	// ModeStructured buffers the reply, validates it as a thinking
	// document, and replays it as typed events.
	ModeStructured Mode = "structured"
)

// ParseMode parses a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePassthrough, ModeStructured:
		return m, nil
	case "":
		return ModePassthrough, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q", s)
	}
}

// State is the lifecycle position of a Transformer.
type State int

const (
	StateOpen State = iota
	StateStreaming
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the stream has ended.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored
}

// DefaultParseErrorSentinel is the reply an upstream emits when it could
// not produce a structured document.
const DefaultParseErrorSentinel = "__PARSING_ERROR__"

// Config holds the presentation settings for one stream.
type Config struct {
	Mode Mode

	// ParseErrorSentinel marks a structured reply as a parsing failure.
	ParseErrorSentinel string

	// ReplayChunkSize bounds structured deltas in runes; zero disables
	// chunking.
	ReplayChunkSize int
}

// Meta identifies the request a stream belongs to.
type Meta struct {
	RequestID string
	MessageID string
	Model     string

	// Prompt is used for usage estimation when the upstream reports none.
	Prompt []domain.Message
}

// UsageEstimator estimates usage for a finished reply.
type UsageEstimator interface {
	EstimateUsage(model string, prompt []domain.Message, completion string) *domain.Usage
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithUsageEstimator sets the estimator used when the upstream reports no
// usage.
func WithUsageEstimator(e UsageEstimator) Option {
	return func(t *Transformer) { t.estimator = e }
}

// Transformer is the per-stream state machine. It is not safe for
// concurrent use; one goroutine drives each stream.
type Transformer struct {
	cfg       Config
	meta      Meta
	estimator UsageEstimator

	state State
	text  strings.Builder
	usage *domain.Usage
}

// NewTransformer creates a transformer in the open state.
func NewTransformer(cfg Config, meta Meta, opts ...Option) *Transformer {
	if cfg.Mode == "" {
		cfg.Mode = ModePassthrough
	}
	t := &Transformer{cfg: cfg, meta: meta}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current lifecycle state.
func (t *Transformer) State() State {
	return t.state
}

// Start moves the stream to streaming and returns the status event.
func (t *Transformer) Start() []Event {
	if t.state != StateOpen {
		return nil
	}
	t.state = StateStreaming
	return []Event{{Type: EventStatus, Data: StatusPayload{
		Status:    "started",
		RequestID: t.meta.RequestID,
		MessageID: t.meta.MessageID,
	}}}
}

// Feed consumes one upstream delta. Deltas after a terminal event are
// ignored.
func (t *Transformer) Feed(d domain.Delta) []Event {
	if t.state != StateStreaming {
		return nil
	}

	switch {
	case d.Err != nil:
		return t.Fail(d.Err)
	case d.ToolCall != nil:
		// The gateway has no tool executor.
		return t.Fail(domain.ErrProtocol(domain.ErrorCodeToolExecutorMissing,
			fmt.Sprintf("upstream requested tool %q but no tool executor is configured", d.ToolCall.Function.Name)))
	case d.Usage != nil:
		t.usage = d.Usage
		return nil
	case d.Done:
		return t.Finish()
	case d.Content == "":
		return nil
	}

	t.text.WriteString(d.Content)
	if t.cfg.Mode == ModePassthrough {
		return []Event{{Type: EventContentDelta, Data: ContentDeltaPayload{Content: d.Content}}}
	}
	return nil
}

// Finish ends the stream normally. In structured mode the buffered reply
// is validated here and either replayed or turned into one error event.
func (t *Transformer) Finish() []Event {
	if t.state != StateStreaming {
		return nil
	}

	full := t.text.String()
	if t.cfg.Mode == ModePassthrough {
		t.state = StateCompleted
		return []Event{t.completed(full)}
	}

	if t.cfg.ParseErrorSentinel != "" && strings.TrimSpace(full) == t.cfg.ParseErrorSentinel {
		return t.Fail(domain.ErrProtocol(domain.ErrorCodeParsingError, "upstream could not produce a structured reply"))
	}

	doc, err := ParseDocument(full)
	if err != nil {
		return t.Fail(err)
	}

	events := Replay(doc, t.meta.MessageID, t.cfg.ReplayChunkSize)
	t.state = StateCompleted
	return append(events, t.completed(doc.Final))
}

// Fail ends the stream with a single error event.
func (t *Transformer) Fail(err error) []Event {
	if t.state.Terminal() {
		return nil
	}
	t.state = StateErrored

	apiErr := toAPIError(err)
	return []Event{{Type: EventError, Data: ErrorPayload{
		RequestID: t.meta.RequestID,
		MessageID: t.meta.MessageID,
		Type:      apiErr.Type,
		Code:      apiErr.Code,
		Message:   apiErr.Message,
	}}}
}

func (t *Transformer) completed(content string) Event {
	usage := t.usage
	if usage == nil && t.estimator != nil {
		usage = t.estimator.EstimateUsage(t.meta.Model, t.meta.Prompt, content)
	}
	return Event{Type: EventCompleted, Data: CompletedPayload{
		RequestID:    t.meta.RequestID,
		MessageID:    t.meta.MessageID,
		Model:        t.meta.Model,
		Content:      content,
		FinishReason: "stop",
		Usage:        usage,
	}}
}

func toAPIError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var docErr *DocumentError
	if errors.As(err, &docErr) {
		return domain.ErrProtocol(docErr.Code, docErr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrUpstreamTimeout()
	}
	return domain.ErrUpstream(err.Error())
}
