package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// TokenLookup resolves a user's device registration token; empty means the
// user has not registered a device.
type TokenLookup func(ctx context.Context, userID string) (string, error)

// messenger is the subset of *messaging.Client used by FCMSink.
type messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSink sends push notifications through Firebase Cloud Messaging.
type FCMSink struct {
	client messenger
	tokens TokenLookup
}

func NewFCMSink(ctx context.Context, credentialsPath string, tokens TokenLookup) (*FCMSink, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("messaging client: %w", err)
	}
	return &FCMSink{client: client, tokens: tokens}, nil
}

func (*FCMSink) Name() string { return "fcm" }

func (f *FCMSink) Notify(ctx context.Context, n Notification) error {
	token, err := f.tokens(ctx, n.RecipientID)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	_, err = f.client.Send(ctx, buildMessage(token, n))
	return err
}

func buildMessage(token string, n Notification) *messaging.Message {
	data := map[string]string{}
	for k, v := range n.Data {
		data[k] = v
	}
	if n.DeepLink != "" {
		data["link"] = n.DeepLink
	}
	priority := "normal"
	if n.Severity == "critical" || n.Severity == "warning" {
		priority = "high"
	}
	badge := 1
	msg := &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: n.Title, Body: n.Body},
		Data:         data,
		Android: &messaging.AndroidConfig{
			Priority:     priority,
			Notification: &messaging.AndroidNotification{Title: n.Title, Body: n.Body},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{Aps: &messaging.Aps{
				Alert: &messaging.ApsAlert{Title: n.Title, Body: n.Body},
				Sound: "default",
				Badge: &badge,
			}},
		},
	}
	if n.DeepLink != "" {
		msg.Webpush = &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{Title: n.Title, Body: n.Body},
			FCMOptions:   &messaging.WebpushFCMOptions{Link: n.DeepLink},
		}
	}
	return msg
}
