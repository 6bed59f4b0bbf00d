// Package stream turns upstream content deltas into the client event
// protocol. It performs no I/O: callers feed deltas and write the returned
// events themselves.
package stream

import (
	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

// EventType is the SSE event name.
type EventType string

const (
	EventStatus        EventType = "status"
	EventContentDelta  EventType = "content_delta"
	EventCompleted     EventType = "completed"
	EventError         EventType = "error"
	EventThinkingStart EventType = "thinking_start"
	EventPhaseStart    EventType = "phase_start"
	EventPhaseDelta    EventType = "phase_delta"
	EventThinkingEnd   EventType = "thinking_end"
	EventFinalDelta    EventType = "final_delta"
	EventSerpQueries   EventType = "serp_queries"
	EventFinalEnd      EventType = "final_end"
)

// Terminal reports whether no further events follow this one.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventError
}

// Event is one client-visible stream event. Data is one of the payload
// types below and is encoded as the SSE data line.
type Event struct {
	Type EventType
	Data any
}

type StatusPayload struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	MessageID string `json:"message_id"`
}

type ContentDeltaPayload struct {
	Content string `json:"content"`
}

type CompletedPayload struct {
	RequestID    string        `json:"request_id"`
	MessageID    string        `json:"message_id"`
	Model        string        `json:"model,omitempty"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *domain.Usage `json:"usage,omitempty"`
}

type ErrorPayload struct {
	RequestID string           `json:"request_id"`
	MessageID string           `json:"message_id,omitempty"`
	Type      domain.ErrorType `json:"type"`
	Code      domain.ErrorCode `json:"code"`
	Message   string           `json:"message"`
}

type PhaseStartPayload struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

type PhaseDeltaPayload struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

type FinalDeltaPayload struct {
	Text string `json:"text"`
}

type SerpQueriesPayload struct {
	Queries []string `json:"queries"`
}

// MarkerPayload is the body of thinking_start, thinking_end, and final_end.
type MarkerPayload struct {
	MessageID string `json:"message_id"`
}
