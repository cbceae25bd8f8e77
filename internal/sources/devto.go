package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/signalze/mention-worker/internal/models"
)

const defaultDevToURL = "https://dev.to/api/articles"

// DevTo polls the public Dev.to articles API. The API has no full-text
// search across posts, so the adapter fetches recent top articles and
// applies local keyword matching over title, description and tags.
type DevTo struct {
	client  *http.Client
	baseURL string
	topDays int
}

func NewDevTo(client *http.Client, topDays int) *DevTo {
	if topDays < 1 {
		topDays = 1
	}
	return &DevTo{client: client, baseURL: defaultDevToURL, topDays: topDays}
}

type devtoArticle struct {
	ID          json.Number `json:"id"`
	PublishedAt string      `json:"published_at"`
	CreatedAt   string      `json:"created_at"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	TagList     any         `json:"tag_list"`
	URL         string      `json:"url"`
	User        struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"user"`
}

func (d *DevTo) Search(ctx context.Context, query string, since time.Time, limit int) ([]models.MentionCandidate, error) {
	normalized := strings.ToLower(strings.TrimSpace(query))
	if normalized == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("top", strconv.Itoa(d.topDays))
	params.Set("per_page", strconv.Itoa(clampLimit(limit, 100)))
	params.Set("page", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("devto: build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("devto: articles request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("devto: articles returned status %d", resp.StatusCode)
	}

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("devto: decode response: %w", err)
	}

	var results []models.MentionCandidate
	for _, raw := range items {
		var item devtoArticle
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}

		publishedRaw := item.PublishedAt
		if publishedRaw == "" {
			publishedRaw = item.CreatedAt
		}
		publishedAt, err := time.Parse(time.RFC3339, publishedRaw)
		if err != nil {
			publishedAt = time.Now().UTC()
		}
		if publishedAt.Before(since) {
			continue
		}

		title := item.Title
		if title == "" {
			title = "Dev.to mention"
		}

		haystack := strings.ToLower(title + " " + item.Description + " " + tagText(item.TagList))
		if !strings.Contains(haystack, normalized) {
			continue
		}

		if item.ID.String() == "" || item.URL == "" {
			continue
		}

		author := item.User.Name
		if author == "" {
			author = item.User.Username
		}

		results = append(results, models.MentionCandidate{
			Platform:    "devto",
			ExternalID:  item.ID.String(),
			URL:         item.URL,
			Title:       strings.TrimSpace(title),
			BodyExcerpt: normalizeExcerpt(item.Description),
			Author:      author,
			Community:   "dev.to",
			PublishedAt: publishedAt,
			RawPayload:  raw,
		})
	}

	return results, nil
}

// tag_list is a []string on the articles listing but a comma string on other
// Dev.to endpoints; tolerate both.
func tagText(tags any) string {
	switch v := tags.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, tag := range v {
			parts = append(parts, fmt.Sprint(tag))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(v)
	}
}
