package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/push-service/internal/push"
)

const (
	DefaultLegacyEndpoint = "https://fcm.googleapis.com/fcm/send"
	DefaultTimeout        = 10 * time.Second
)

// LegacyHTTP speaks the server-key FCM HTTP protocol. Its response carries
// success/failure counters, which map onto push.Receipt.
type LegacyHTTP struct {
	Endpoint  string
	ServerKey string
	Timeout   time.Duration
	HTTP      *http.Client
}

type legacyNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type legacyRequest struct {
	To           string             `json:"to"`
	Notification legacyNotification `json:"notification"`
	Data         map[string]string  `json:"data,omitempty"`
}

type legacyResult struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

type legacyResponse struct {
	Success int            `json:"success"`
	Failure int            `json:"failure"`
	Results []legacyResult `json:"results"`
}

// Per-token errors that will never succeed on retry.
var fatalTokenErrors = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MismatchSenderId":    true,
	"MissingRegistration": true,
}

func (g *LegacyHTTP) Send(ctx context.Context, token, title, body string, metadata map[string]any) (push.Receipt, error) {
	payload, err := json.Marshal(legacyRequest{
		To:           token,
		Notification: legacyNotification{Title: title, Body: body},
		Data:         DataPayload(metadata),
	})
	if err != nil {
		return push.Receipt{}, fmt.Errorf("marshal fcm request: %w", err)
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := g.Endpoint
	if endpoint == "" {
		endpoint = DefaultLegacyEndpoint
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return push.Receipt{}, fmt.Errorf("build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+g.ServerKey)

	client := g.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return push.Receipt{}, push.GatewayUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return push.Receipt{}, push.GatewayUnavailable(fmt.Errorf("fcm returned %s", resp.Status))
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return push.Receipt{}, fmt.Errorf("fcm rejected request: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out legacyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return push.Receipt{}, push.GatewayUnavailable(fmt.Errorf("decode fcm response: %w", err))
	}

	receipt := push.Receipt{Failure: out.Failure > 0}
	for _, r := range out.Results {
		if r.MessageID != "" && receipt.MessageID == "" {
			receipt.MessageID = r.MessageID
		}
		if r.Error == "" {
			continue
		}
		if fatalTokenErrors[r.Error] {
			return push.Receipt{}, push.InvalidToken(errors.New(r.Error))
		}
		if receipt.Diagnostic == "" {
			receipt.Diagnostic = r.Error
		}
	}
	return receipt, nil
}
