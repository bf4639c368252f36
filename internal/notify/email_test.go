package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func emailServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing auth header")
		}
		var req emailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func sendEmail(t *testing.T, status int, body string) Outcome {
	t.Helper()

	srv := emailServer(t, status, body)
	defer srv.Close()

	a := NewEmailAdapter(EmailConfig{URL: srv.URL, APIKey: "test-key", From: "alerts@solocheck.app"})
	return a.Send(context.Background(), Message{
		To:       "grace@example.com",
		Subject:  "s",
		BodyText: "b",
	})
}

func TestEmailSent(t *testing.T) {
	out := sendEmail(t, http.StatusOK, `{"id":"msg-42"}`)
	sent, ok := out.(Sent)
	if !ok {
		t.Fatalf("outcome = %#v, want Sent", out)
	}
	if sent.ProviderMsgID != "msg-42" {
		t.Fatalf("provider id = %q", sent.ProviderMsgID)
	}
}

func TestEmailClassification(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{http.StatusBadRequest, "invalid_address"},
		{http.StatusNotFound, "invalid_address"},
		{http.StatusGone, "invalid_address"},
		{http.StatusRequestEntityTooLarge, "provider_reject"},
		{http.StatusUnprocessableEntity, "provider_reject"},
		{http.StatusUnavailableForLegalReasons, "provider_reject"},
		{http.StatusForbidden, "provider_reject"}, // unexpected 4xx
		{http.StatusTooManyRequests, "transient_fail"},
		{http.StatusInternalServerError, "transient_fail"},
		{http.StatusBadGateway, "transient_fail"},
	}

	for _, tc := range cases {
		out := sendEmail(t, tc.status, `{"message":"nope"}`)
		got, _, _ := ToDispatchOutcome(out)
		if string(got) != tc.want {
			t.Errorf("status %d: outcome = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestEmailTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewEmailAdapter(EmailConfig{URL: srv.URL, APIKey: "k", From: "f", Timeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := a.Send(ctx, Message{To: "x@y"})
	if _, ok := out.(TransientFail); !ok {
		t.Fatalf("timeout outcome = %#v, want TransientFail", out)
	}
}

func TestEmailConnectionRefusedIsTransient(t *testing.T) {
	a := NewEmailAdapter(EmailConfig{URL: "http://127.0.0.1:1", APIKey: "k", From: "f", Timeout: time.Second})
	out := a.Send(context.Background(), Message{To: "x@y"})
	if _, ok := out.(TransientFail); !ok {
		t.Fatalf("refused outcome = %#v, want TransientFail", out)
	}
}
