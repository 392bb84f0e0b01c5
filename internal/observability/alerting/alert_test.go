package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "pharmassist/internal/errors"
)

type stubNotifier struct {
	channel Channel
	err     error
	events  []Event
}

func (s *stubNotifier) Channel() Channel { return s.channel }

func (s *stubNotifier) Notify(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestFanoutDispatcherJoinsErrors(t *testing.T) {
	ok := &stubNotifier{channel: ChannelLog}
	failing := &stubNotifier{channel: ChannelWebhook, err: errors.New("boom")}
	dispatcher := NewFanout(ok, nil, failing)

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, TaskID: "t1"})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(ok.events) != 1 || ok.events[0].Channel != ChannelLog {
		t.Fatalf("log notifier must receive the event with its channel: %+v", ok.events)
	}
	if len(failing.events) != 1 || failing.events[0].Channel != ChannelWebhook {
		t.Fatalf("webhook notifier must receive the event: %+v", failing.events)
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher must be a no-op: %v", err)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	received := make(chan Event, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second)
	event := Event{
		Code:       xerrors.CodeUpstreamUnavailable,
		Message:    "openFDA unavailable",
		Severity:   xerrors.SeverityWarning,
		TaskID:     "t1",
		Attempts:   1,
		MaxRetries: 3,
		Metadata:   map[string]string{"stage": "retry"},
		OccurredAt: time.Now(),
	}
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	got := <-received
	if got.Code != event.Code || got.TaskID != "t1" || got.Metadata["stage"] != "retry" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookNotifierReportsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := NewWebhookNotifier(server.URL, time.Second).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook must be skipped: %v", err)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	for _, sev := range []xerrors.Severity{xerrors.SeverityInfo, xerrors.SeverityWarning, xerrors.SeverityCritical} {
		if err := (&LogNotifier{}).Notify(context.Background(), Event{Severity: sev, Metadata: map[string]string{"stage": "x"}}); err != nil {
			t.Fatalf("log notifier: %v", err)
		}
	}
}
