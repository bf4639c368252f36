package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// LogAdapter is the dev stand-in: it logs instead of calling a provider.
// Wired when APP_ENV=dev and credentials are absent.
type LogAdapter struct {
	channel string
	log     *slog.Logger
}

func NewLogAdapter(channel string, log *slog.Logger) *LogAdapter {
	return &LogAdapter{channel: channel, log: log}
}

func (a *LogAdapter) Send(ctx context.Context, msg Message) Outcome {
	// Optional: simulate slow provider
	if msStr := os.Getenv("NOTIFIER_SLEEP_MS"); msStr != "" {
		ms, _ := strconv.Atoi(msStr)
		if ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return TransientFail{Reason: "timeout"}
			}
		}
	}

	// Optional: simulate provider outage
	if os.Getenv("NOTIFIER_FAIL") == "1" {
		return TransientFail{Reason: "provider down (simulated)"}
	}

	a.log.InfoContext(ctx, "notification.send",
		"channel", a.channel,
		"to", msg.To,
		"subject", msg.Subject,
		"type", msg.PushType,
		"episode_id", msg.EpisodeID,
	)

	return Sent{ProviderMsgID: fmt.Sprintf("log-%s", uuid.NewString())}
}
