// Package notify renders alerts as Slack Block Kit messages and posts them
// to tenant webhooks. Retry scheduling lives in the worker, not here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/signalze/mention-worker/internal/models"
	"github.com/signalze/mention-worker/internal/sources"
)

const maxSummaryLen = 280

// BuildWebhookMessage assembles the Block Kit payload for one alert.
func BuildWebhookMessage(alert models.PendingAlert) *slack.WebhookMessage {
	mention := alert.Mention
	label := sources.Label(mention.Platform)

	brand := alert.BrandName
	if brand == "" {
		brand = "your brand"
	}

	published := mention.PublishedAt.UTC().Format("2006-01-02 15:04") + " UTC"

	summary := strings.TrimSpace(mention.BodyExcerpt)
	if summary == "" {
		summary = "No preview text available."
	}
	if runes := []rune(summary); len(runes) > maxSummaryLen {
		summary = string(runes[:maxSummaryLen])
	}

	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, fmt.Sprintf("New %s mention", label), false, false),
	)
	fields := slack.NewSectionBlock(nil, []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Brand*\n"+brand, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Keyword*\n"+alert.Query, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Source*\n"+label, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Published*\n"+published, false, false),
	}, nil)
	body := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", mention.Title, summary), false, false),
		nil, nil,
	)
	open := slack.NewButtonBlockElement("open_mention", mention.ExternalID,
		slack.NewTextBlockObject(slack.PlainTextType, "Open mention", false, false))
	open.URL = mention.URL
	actions := slack.NewActionBlock("", open)

	return &slack.WebhookMessage{
		Text: fmt.Sprintf("New %s mention for '%s'", label, alert.Query),
		Blocks: &slack.Blocks{
			BlockSet: []slack.Block{header, fields, body, actions},
		},
	}
}

// Send posts the rendered alert to the webhook endpoint. Any 2xx response
// counts as delivered; everything else comes back as an error.
func Send(ctx context.Context, client *http.Client, endpoint string, alert models.PendingAlert) error {
	payload, err := json.Marshal(BuildWebhookMessage(alert))
	if err != nil {
		return fmt.Errorf("marshal webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post webhook: unexpected status %s", resp.Status)
	}
	return nil
}
