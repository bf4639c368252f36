package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sendPush(t *testing.T, status int, body string) Outcome {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Token == "" {
			t.Error("empty token")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	a := NewPushAdapter(PushConfig{URL: srv.URL, APIKey: "k"})
	return a.Send(context.Background(), Message{
		To:        "device-token-1",
		Subject:   "title",
		BodyText:  "body",
		PushType:  "alert",
		EpisodeID: "ep-1",
	})
}

func TestPushSent(t *testing.T) {
	out := sendPush(t, http.StatusOK, `{"id":"push-7"}`)
	sent, ok := out.(Sent)
	if !ok {
		t.Fatalf("outcome = %#v, want Sent", out)
	}
	if sent.ProviderMsgID != "push-7" {
		t.Fatalf("provider id = %q", sent.ProviderMsgID)
	}
}

func TestPushUnregisteredToken(t *testing.T) {
	cases := []struct {
		status int
		body   string
	}{
		{http.StatusNotFound, ""},
		{http.StatusGone, ""},
		{http.StatusBadRequest, `{"error":"UNREGISTERED"}`},
		{http.StatusBadRequest, `{"error":"invalid_token"}`},
	}
	for _, tc := range cases {
		out := sendPush(t, tc.status, tc.body)
		if _, ok := out.(InvalidAddress); !ok {
			t.Errorf("status %d body %q: outcome = %#v, want InvalidAddress", tc.status, tc.body, out)
		}
	}
}

func TestPushTransientAndReject(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{http.StatusServiceUnavailable, "transient_fail"},
		{http.StatusTooManyRequests, "transient_fail"},
		{http.StatusInternalServerError, "transient_fail"},
		{http.StatusRequestEntityTooLarge, "provider_reject"},
	}
	for _, tc := range cases {
		out := sendPush(t, tc.status, "")
		got, _, _ := ToDispatchOutcome(out)
		if string(got) != tc.want {
			t.Errorf("status %d: outcome = %s, want %s", tc.status, got, tc.want)
		}
	}
}
