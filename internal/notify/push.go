package notify

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
)

// PushAdapter delivers to the mobile push gateway. The payload shape is
// fixed: {type, episode_id, title, body}; the gateway reports unregistered
// tokens with 404/410 or an UNREGISTERED error code.
type PushAdapter struct {
	client *http.Client
	url    string
	apiKey string
}

type PushConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

func NewPushAdapter(cfg PushConfig) *PushAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &PushAdapter{
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
		apiKey: cfg.APIKey,
	}
}

type pushRequest struct {
	Token   string      `json:"token"`
	Payload pushPayload `json:"payload"`
}

type pushPayload struct {
	Type      string `json:"type"` // reminder | alert | sos
	EpisodeID string `json:"episode_id,omitempty"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

type pushResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (a *PushAdapter) Send(ctx context.Context, msg Message) Outcome {
	body, err := json.Marshal(pushRequest{
		Token: msg.To,
		Payload: pushPayload{
			Type:      msg.PushType,
			EpisodeID: msg.EpisodeID,
			Title:     msg.Subject,
			Body:      msg.BodyText,
		},
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

	return classifyPushResponse(resp)
}

func classifyPushResponse(resp *http.Response) Outcome {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed pushResponse
	_ = json.Unmarshal(raw, &parsed)

	errCode := strings.ToUpper(parsed.Error)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Sent{ProviderMsgID: parsed.ID}

	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone,
		errCode == "UNREGISTERED",
		errCode == "INVALID_TOKEN":
		return InvalidAddress{Reason: reasonOrStatus(parsed.Error, resp.StatusCode)}

	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return ProviderReject{Reason: reasonOrStatus(parsed.Error, resp.StatusCode)}

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return TransientFail{Reason: reasonOrStatus(parsed.Error, resp.StatusCode)}

	default:
		return ProviderReject{Reason: reasonOrStatus(parsed.Error, resp.StatusCode)}
	}
}
