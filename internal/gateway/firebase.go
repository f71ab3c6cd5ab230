// Package gateway delivers rendered pushes to Firebase Cloud Messaging.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/example/push-service/internal/push"
)

// MessagingClient is the subset of *messaging.Client the gateway calls.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type Firebase struct {
	client MessagingClient
}

func NewFirebase(client MessagingClient) *Firebase {
	return &Firebase{client: client}
}

// NewFirebaseMessaging builds the FCM v1 client. An empty credentialsFile
// falls back to application default credentials.
func NewFirebaseMessaging(ctx context.Context, projectID, credentialsFile string) (*messaging.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return client, nil
}

func (f *Firebase) Send(ctx context.Context, token, title, body string, metadata map[string]any) (push.Receipt, error) {
	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: DataPayload(metadata),
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsInvalidArgument(err) {
			return push.Receipt{}, push.InvalidToken(err)
		}
		return push.Receipt{}, push.GatewayUnavailable(err)
	}
	return push.Receipt{MessageID: id}, nil
}

// DataPayload flattens request metadata into the string map FCM expects.
// The push token itself is not forwarded.
func DataPayload(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if k == "push_token" || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
