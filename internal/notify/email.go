package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EmailAdapter speaks a JSON send API (POST {from,to,subject,text,html}
// -> {"id": "..."}). Provider errors are classified by status code; the
// worker owns retries, so the adapter never retries on its own.
type EmailAdapter struct {
	client *http.Client
	url    string
	apiKey string
	from   string
}

type EmailConfig struct {
	URL     string
	APIKey  string
	From    string
	Timeout time.Duration
}

func NewEmailAdapter(cfg EmailConfig) *EmailAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &EmailAdapter{
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		from:   cfg.From,
	}
}

type emailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

type emailResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (a *EmailAdapter) Send(ctx context.Context, msg Message) Outcome {
	body, err := json.Marshal(emailRequest{
		From:    a.from,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.BodyText,
		HTML:    msg.BodyHTML,
	})
	if err != nil {
		return ProviderReject{Reason: fmt.Sprintf("encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return TransientFail{Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TransientFail{Reason: "timeout"}
		}
		return TransientFail{Reason: fmt.Sprintf("http: %v", err)}
	}
	defer resp.Body.Close()

	return classifyEmailResponse(resp)
}

func classifyEmailResponse(resp *http.Response) Outcome {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed emailResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Sent{ProviderMsgID: parsed.ID}

	// Permanent recipient rejections: bad address format, unknown mailbox.
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone:
		return InvalidAddress{Reason: reasonOrStatus(parsed.Message, resp.StatusCode)}

	// Content rejections: spam rule, payload size, policy.
	case resp.StatusCode == http.StatusRequestEntityTooLarge,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusUnavailableForLegalReasons:
		return ProviderReject{Reason: reasonOrStatus(parsed.Message, resp.StatusCode)}

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return TransientFail{Reason: reasonOrStatus(parsed.Message, resp.StatusCode)}

	default:
		// Unexpected 4xx: treat as content rejection, escalation is
		// operational.
		return ProviderReject{Reason: reasonOrStatus(parsed.Message, resp.StatusCode)}
	}
}

func reasonOrStatus(msg string, code int) string {
	if msg != "" {
		return fmt.Sprintf("%s (http %d)", msg, code)
	}
	return fmt.Sprintf("http %d", code)
}
