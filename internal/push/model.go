package push

import (
	"strings"
	"time"
)

const DefaultPriority = 5

// Request is the inbound notification request as produced by the ingress API.
type Request struct {
	RequestID    string         `json:"request_id"`
	UserID       string         `json:"user_id"`
	TemplateCode string         `json:"template_code"`
	Variables    map[string]any `json:"variables"`
	Priority     *int           `json:"priority,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// PushToken returns the device token carried in metadata, or "" when absent or not a string.
func (r Request) PushToken() string {
	token, _ := r.Metadata["push_token"].(string)
	return strings.TrimSpace(token)
}

// Title returns the metadata title override, falling back to def.
func (r Request) Title(def string) string {
	if title, ok := r.Metadata["title"].(string); ok && title != "" {
		return title
	}
	return def
}

func (r Request) PriorityOrDefault() int {
	if r.Priority == nil {
		return DefaultPriority
	}
	return *r.Priority
}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Outcome is the event published on the status destination once a request reaches
// a terminal state.
type Outcome struct {
	NotificationID string    `json:"notification_id"`
	Status         Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
}

// Receipt is what a gateway reports for an accepted send call.
type Receipt struct {
	Failure    bool
	Diagnostic string
	MessageID  string
}
