// Package push delivers emergency alerts to caregiver devices through
// Firebase Cloud Messaging.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// AlertPush is the payload delivered to a caregiver device.
type AlertPush struct {
	AlertID     string
	PatientName string
	Severity    string
	Category    string
}

// fcmClient abstracts the messaging client for testing.
type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Sender sends alert push notifications via FCM.
type Sender struct {
	client fcmClient
	logger *slog.Logger
}

// NewSender initialises a Firebase app from the service-account JSON file
// at credentialsFile and returns a ready-to-use Sender. If credentialsFile
// is empty, the SDK falls back to GOOGLE_APPLICATION_CREDENTIALS or the
// default service account.
func NewSender(ctx context.Context, credentialsFile string, logger *slog.Logger) (*Sender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	logger.Info("fcm sender initialised")
	return &Sender{client: client, logger: logger.With("component", "push")}, nil
}

// SendAlert delivers an alert to the given FCM registration token.
func (s *Sender) SendAlert(ctx context.Context, token string, alert AlertPush) error {
	if token == "" {
		return fmt.Errorf("push: empty registration token")
	}

	ttl := time.Hour
	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: fmt.Sprintf("[%s] Wellness alert", alert.Severity),
			Body:  fmt.Sprintf("%s: %s detected during a wellness call", alert.PatientName, alert.Category),
		},
		Data: map[string]string{
			"alert_id": alert.AlertID,
			"severity": alert.Severity,
			"category": alert.Category,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := s.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("push: token no longer valid: %w", err)
		}
		return fmt.Errorf("push: send failed: %w", err)
	}

	s.logger.Debug("push alert sent", "message_id", id, "alert_id", alert.AlertID)
	return nil
}
