package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/danieloza/backoffice/internal/domain"
)

const slackTimeout = 8 * time.Second

// SlackNotifier posts alert texts to an incoming webhook. An empty URL
// disables it.
type SlackNotifier struct {
	url string
}

// NewSlackNotifier constructs a notifier for the given webhook URL.
func NewSlackNotifier(url string) *SlackNotifier {
	return &SlackNotifier{url: strings.TrimSpace(url)}
}

// Enabled reports whether a webhook URL is configured.
func (n *SlackNotifier) Enabled() bool { return n.url != "" }

// Notify implements domain.Notifier.
func (n *SlackNotifier) Notify(ctx domain.Context, text string) error {
	if !n.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, slackTimeout)
	defer cancel()
	if err := slack.PostWebhookContext(ctx, n.url, &slack.WebhookMessage{Text: text}); err != nil {
		return fmt.Errorf("op=notify.Notify: %w", err)
	}
	return nil
}
