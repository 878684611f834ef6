package alerts

import (
	"context"
	"fmt"
	"sort"

	"github.com/sawpanic/pickrun/internal/infrastructure/httpclient"
)

// Slack posts alerts to an incoming webhook
type Slack struct {
	webhookURL string
	client     *httpclient.Client
}

// NewSlack creates a webhook channel
func NewSlack(webhookURL string, client *httpclient.Client) *Slack {
	return &Slack{webhookURL: webhookURL, client: client}
}

func (s *Slack) Name() string { return "slack" }

// Send posts {"text": ...}
func (s *Slack) Send(ctx context.Context, a Alert) error {
	payload := map[string]interface{}{"text": a.Text()}
	if err := s.client.PostJSON(ctx, s.webhookURL, payload, nil, nil); err != nil {
		return fmt.Errorf("failed to send Slack alert: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
