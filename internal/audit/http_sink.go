package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// AuditLogsEndpoint is the audit service path events are POSTed to
const AuditLogsEndpoint = "/api/audit-logs"

// HTTPSink posts events synchronously to a remote audit service
type HTTPSink struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSink creates a sink for the audit service at baseURL
func NewHTTPSink(baseURL string, timeout time.Duration) (*HTTPSink, error) {
	parsed, err := url.Parse(baseURL)
	if baseURL == "" || err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid audit service URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
			},
		},
	}, nil
}

func (s *HTTPSink) Name() string { return "http" }

type auditLogRequest struct {
	Timestamp  string                 `json:"timestamp"`
	Status     string                 `json:"status"`
	Action     string                 `json:"eventAction"`
	ActorType  string                 `json:"actorType"`
	ActorID    string                 `json:"actorId"`
	TargetType string                 `json:"targetType"`
	TargetID   string                 `json:"targetId,omitempty"`
	Additional map[string]interface{} `json:"additionalMetadata,omitempty"`
}

// Append posts the event and fails on any non-201 response
func (s *HTTPSink) Append(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(auditLogRequest{
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339),
		Status:     event.Status,
		Action:     event.Action,
		ActorType:  "MEMBER",
		ActorID:    event.ActorID,
		TargetType: event.ResourceType,
		TargetID:   event.ResourceID,
		Additional: event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit request: %w", err)
	}

	endpointURL, err := url.JoinPath(s.baseURL, AuditLogsEndpoint)
	if err != nil {
		return fmt.Errorf("failed to construct audit service URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send audit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("audit service returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
