package audit

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/monitoring"
	"gorm.io/gorm"
)

// Actions written by the engine
const (
	ActionMergeExecuted    = "client_merged"
	ActionErasureRequested = "erasure_requested"
	ActionErasureApproved  = "erasure_approved"
	ActionErasureRejected  = "erasure_rejected"
	ActionErasureCancelled = "erasure_cancelled"
	ActionErasureExecuted  = "erasure_executed"
)

// Resource types
const (
	ResourceClient         = "client_file"
	ResourceErasureRequest = "erasure_request"
)

// Event is one append-only audit entry
type Event struct {
	Timestamp    time.Time
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Status       string
	Metadata     map[string]interface{}
}

// Validate checks the fields every sink requires
func (e *Event) Validate() error {
	if e.ActorID == "" {
		return fmt.Errorf("actorId is required")
	}
	if e.Action == "" {
		return fmt.Errorf("action is required")
	}
	if e.ResourceType == "" {
		return fmt.Errorf("resourceType is required")
	}
	return nil
}

func (e *Event) normalize() {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = models.AuditStatusSuccess
	}
	e.Metadata = RedactMetadata(e.Metadata)
}

// Sink appends audit events. Callers decide whether a failure is fatal.
type Sink interface {
	Append(ctx context.Context, event *Event) error
	Name() string
}

// TxBinder is implemented by sinks that can write inside the caller's
// transaction so the entry commits or rolls back with the mutation
type TxBinder interface {
	WithTx(tx *gorm.DB) Sink
}

// Bind returns the sink scoped to tx when it supports that, else the sink itself
func Bind(sink Sink, tx *gorm.DB) Sink {
	if b, ok := sink.(TxBinder); ok {
		return b.WithTx(tx)
	}
	return sink
}

// Append validates and writes the event, wrapping any failure in a
// SinkFailureError
func Append(ctx context.Context, sink Sink, event *Event) error {
	event.normalize()
	if err := event.Validate(); err != nil {
		return &models.SinkFailureError{Sink: sink.Name(), Err: err}
	}
	err := sink.Append(ctx, event)
	monitoring.RecordExternalCall("audit_"+sink.Name(), "append", err)
	if err != nil {
		return &models.SinkFailureError{Sink: sink.Name(), Err: err}
	}
	return nil
}

var piiKeyPattern = regexp.MustCompile(`(?i)(name|phone|birth|dob|email|address)`)

// RedactMetadata drops top-level metadata keys that name a PII attribute
func RedactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if piiKeyPattern.MatchString(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// NoopSink discards events; used when auditing is disabled
type NoopSink struct{}

func (NoopSink) Append(context.Context, *Event) error { return nil }
func (NoopSink) Name() string                         { return "none" }
