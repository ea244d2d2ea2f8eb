package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inviqa/mail-outbox-relay/mail"

	"github.com/go-test/deep"
)

type mockSender struct {
	drafts []mail.Draft
	err    error
}

func (m *mockSender) SendMany(_ context.Context, drafts []mail.Draft) ([]*mail.Message, error) {
	m.drafts = drafts
	if m.err != nil {
		return nil, m.err
	}

	msgs := make([]*mail.Message, len(drafts))
	for i, d := range drafts {
		msgs[i] = &mail.Message{Id: uint(i + 1), MessageId: fmt.Sprintf("<%d@relay.example.com>", i+1)}
		if d.Priority != "now" {
			msgs[i].Status = mail.StatusOf(mail.StatusQueued)
		}
	}

	return msgs, nil
}

func TestEnqueueHandler_SingleMail(t *testing.T) {
	s := &mockSender{}
	body := `{
		"from": "noreply@example.com",
		"to": ["jane@example.org"],
		"bcc": ["audit@example.com"],
		"subject": "Your order",
		"message": "Hello #name#",
		"context": {"name": "Jane"},
		"render_on_delivery": true,
		"priority": "high",
		"scheduled_time": "2021-06-01T12:00:00Z",
		"backend": "bulk"
	}`

	recorder := httptest.NewRecorder()
	NewEnqueueHandler(s).ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/mail", strings.NewReader(body)))

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202 response code, but got %d: %s", recorder.Code, recorder.Body)
	}

	scheduled := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	exp := []mail.Draft{{
		From:             "noreply@example.com",
		To:               []string{"jane@example.org"},
		Bcc:              []string{"audit@example.com"},
		Subject:          "Your order",
		Body:             "Hello #name#",
		Context:          map[string]string{"name": "Jane"},
		RenderOnDelivery: true,
		Priority:         "high",
		ScheduledTime:    &scheduled,
		BackendAlias:     "bulk",
	}}
	if diff := deep.Equal(s.drafts, exp); diff != nil {
		t.Error(diff)
	}

	var got []queuedMail
	if err := json.NewDecoder(recorder.Body).Decode(&got); err != nil {
		t.Fatalf("unable to decode the response: %s", err)
	}
	if diff := deep.Equal(got, []queuedMail{{Id: 1, MessageId: "<1@relay.example.com>", Status: "queued"}}); diff != nil {
		t.Error(diff)
	}
}

func TestEnqueueHandler_ManyMails(t *testing.T) {
	s := &mockSender{}
	body := `[
		{"from": "noreply@example.com", "to": ["a@example.org"], "subject": "one"},
		{"from": "noreply@example.com", "to": ["b@example.org"], "subject": "two", "priority": "now"}
	]`

	recorder := httptest.NewRecorder()
	NewEnqueueHandler(s).ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/mail", strings.NewReader(body)))

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202 response code, but got %d", recorder.Code)
	}
	if len(s.drafts) != 2 || s.drafts[1].To[0] != "b@example.org" {
		t.Errorf("expected both drafts to be sent in order, got %+v", s.drafts)
	}

	var got []queuedMail
	_ = json.NewDecoder(recorder.Body).Decode(&got)
	if len(got) != 2 || got[0].Status != "queued" || got[1].Status != "pending" {
		t.Errorf("unexpected response: %+v", got)
	}
}

func TestEnqueueHandler_Errors(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		body    string
		sendErr error
		expCode int
	}{
		{name: "wrong method", method: http.MethodGet, expCode: http.StatusMethodNotAllowed},
		{name: "malformed JSON", method: http.MethodPost, body: `{"to": `, expCode: http.StatusBadRequest},
		{name: "empty array", method: http.MethodPost, body: `[]`, expCode: http.StatusBadRequest},
		{name: "invalid draft", method: http.MethodPost, body: `{}`, sendErr: fmt.Errorf("mail 0: %w: a sender is required", mail.ErrInvalidDraft), expCode: http.StatusBadRequest},
		{name: "storage error", method: http.MethodPost, body: `{}`, sendErr: errors.New("oops"), expCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler := NewEnqueueHandler(&mockSender{err: tt.sendErr})
			handler.ServeHTTP(recorder, httptest.NewRequest(tt.method, "/mail", strings.NewReader(tt.body)))

			if recorder.Code != tt.expCode {
				t.Errorf("expected %d response code, but got %d", tt.expCode, recorder.Code)
			}

			var body map[string]string
			if err := json.NewDecoder(recorder.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("expected a JSON error body, got %v (%v)", body, err)
			}
		})
	}
}
