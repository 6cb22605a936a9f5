package push

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"firebase.google.com/go/v4/messaging"
)

type fakeFCM struct {
	sent []*messaging.Message
	err  error
}

func (f *fakeFCM) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "msg-1", nil
}

func testSender(client fcmClient) *Sender {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Sender{client: client, logger: logger}
}

func TestSendAlert(t *testing.T) {
	fcm := &fakeFCM{}
	s := testSender(fcm)

	err := s.SendAlert(context.Background(), "tok-1", AlertPush{
		AlertID:     "42",
		PatientName: "Mary Jones",
		Severity:    "CRITICAL",
		Category:    "fall",
	})
	if err != nil {
		t.Fatalf("SendAlert: %v", err)
	}

	if len(fcm.sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(fcm.sent))
	}
	msg := fcm.sent[0]
	if msg.Token != "tok-1" {
		t.Errorf("token = %q, want tok-1", msg.Token)
	}
	if msg.Notification == nil || !strings.Contains(msg.Notification.Title, "CRITICAL") {
		t.Errorf("notification = %+v, want severity in title", msg.Notification)
	}
	if msg.Data["alert_id"] != "42" || msg.Data["category"] != "fall" {
		t.Errorf("data = %v", msg.Data)
	}
	if msg.Android == nil || msg.Android.Priority != "high" {
		t.Error("expected high-priority android config")
	}
}

func TestSendAlertEmptyToken(t *testing.T) {
	s := testSender(&fakeFCM{})
	if err := s.SendAlert(context.Background(), "", AlertPush{}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSendAlertWrapsSendError(t *testing.T) {
	fcm := &fakeFCM{err: errors.New("backend unavailable")}
	s := testSender(fcm)

	err := s.SendAlert(context.Background(), "tok-1", AlertPush{AlertID: "1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "send failed") {
		t.Errorf("error = %v", err)
	}
}
