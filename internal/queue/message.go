// Package queue moves work between the suggestion pipeline and its
// background workers. A Message is a typed opaque body; providers store and
// deliver envelopes; workers route delivered messages to handlers while the
// tracking service records which messages are in flight.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// MessageType identifies the handler a message is routed to.
type MessageType string

const (
	MessageTypeEmail       MessageType = "EMAIL"
	MessageTypeImportances MessageType = "IMPORTANCES"
	MessageTypeNextPoints  MessageType = "NEXT_POINTS"
	MessageTypeOptimize    MessageType = "OPTIMIZE"
)

// MessageTypes lists every known message type.
var MessageTypes = []MessageType{
	MessageTypeEmail,
	MessageTypeImportances,
	MessageTypeNextPoints,
	MessageTypeOptimize,
}

// Validate checks if the message type is one of the known types.
func (t MessageType) Validate() error {
	for _, known := range MessageTypes {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("invalid message type: %q", t)
}

// Message is the wire form of a queued message: a type tag and an opaque body.
type Message struct {
	Type MessageType     `json:"message_type"`
	Body json.RawMessage `json:"message_body"`
}

// NewMessage encodes payload as the body of a message of type t.
func NewMessage(t MessageType, payload any) (Message, error) {
	if err := t.Validate(); err != nil {
		return Message{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Body: body}, nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	return Message{Type: m.Type, Body: append(json.RawMessage(nil), m.Body...)}
}

// DecodeBody decodes a message body into T.
func DecodeBody[T any](m Message) (T, error) {
	var out T
	if len(m.Body) == 0 {
		return out, fmt.Errorf("%s message has an empty body", m.Type)
	}
	if err := json.Unmarshal(m.Body, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s body: %w", m.Type, err)
	}
	return out, nil
}

// NextPointsPayload asks for the precomputed suggestions of an experiment to
// be refreshed.
type NextPointsPayload struct {
	ExperimentID int64 `json:"experiment_id"`
}

// OptimizePayload asks for the model hyperparameters of an experiment to be refit.
type OptimizePayload struct {
	ExperimentID int64 `json:"experiment_id"`
}

// ImportancesPayload asks for parameter importances to be recomputed.
type ImportancesPayload struct {
	ExperimentID int64 `json:"experiment_id"`
	Force        bool  `json:"force,omitempty"`
}

// EmailPayload is a plain-text notification.
type EmailPayload struct {
	ExperimentID int64  `json:"experiment_id,omitempty"`
	To           string `json:"to"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
}

// envelope is what providers persist: the message plus delivery metadata.
type envelope struct {
	ID           string            `json:"id"`
	GroupKey     string            `json:"group_key,omitempty"`
	EnqueuedAtMs int64             `json:"enqueued_at_ms"`
	NotBeforeMs  int64             `json:"not_before_ms,omitempty"`
	Trace        map[string]string `json:"trace,omitempty"`
	Message      Message           `json:"message"`
}

// ReceivedMessage is a dequeued message. It must be passed back to the
// provider that produced it with Delete or Reject.
type ReceivedMessage struct {
	Message
	ID         string
	Queue      string
	GroupKey   string
	EnqueuedAt time.Time

	trace   map[string]string
	receipt any
}

// TraceContext returns ctx carrying the trace context propagated from the
// enqueuing side, if any.
func (m *ReceivedMessage) TraceContext(ctx context.Context) context.Context {
	if len(m.trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(m.trace))
}

func injectTrace(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}
