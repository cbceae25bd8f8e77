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

const defaultAlgoliaURL = "https://hn.algolia.com/api/v1/search_by_date"

// HackerNews polls the Algolia search API for stories and comments. No
// credentials required.
type HackerNews struct {
	client  *http.Client
	baseURL string
}

func NewHackerNews(client *http.Client) *HackerNews {
	return &HackerNews{client: client, baseURL: defaultAlgoliaURL}
}

type algoliaResponse struct {
	Hits []json.RawMessage `json:"hits"`
}

type algoliaHit struct {
	ObjectID    string `json:"objectID"`
	CreatedAt   string `json:"created_at"`
	Title       string `json:"title"`
	StoryTitle  string `json:"story_title"`
	CommentText string `json:"comment_text"`
	StoryText   string `json:"story_text"`
	URL         string `json:"url"`
	StoryURL    string `json:"story_url"`
	Author      string `json:"author"`
}

func (h *HackerNews) Search(ctx context.Context, query string, since time.Time, limit int) ([]models.MentionCandidate, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("tags", "story,comment")
	params.Set("hitsPerPage", strconv.Itoa(clampLimit(limit, 100)))
	params.Set("numericFilters", fmt.Sprintf("created_at_i>%d", since.Unix()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("hackernews: build request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hackernews: search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hackernews: search returned status %d", resp.StatusCode)
	}

	var payload algoliaResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("hackernews: decode response: %w", err)
	}

	results := make([]models.MentionCandidate, 0, len(payload.Hits))
	for _, raw := range payload.Hits {
		var hit algoliaHit
		if err := json.Unmarshal(raw, &hit); err != nil {
			continue
		}
		if hit.ObjectID == "" {
			continue
		}

		publishedAt, err := time.Parse(time.RFC3339, hit.CreatedAt)
		if err != nil {
			publishedAt = time.Now().UTC()
		}

		title := hit.Title
		if title == "" {
			title = hit.StoryTitle
		}
		if title == "" {
			title = "Hacker News mention"
		}

		excerpt := hit.CommentText
		if excerpt == "" {
			excerpt = hit.StoryText
		}

		link := hit.URL
		if link == "" {
			link = hit.StoryURL
		}
		if link == "" {
			link = "https://news.ycombinator.com/item?id=" + hit.ObjectID
		}

		results = append(results, models.MentionCandidate{
			Platform:    "hackernews",
			ExternalID:  hit.ObjectID,
			URL:         link,
			Title:       strings.TrimSpace(title),
			BodyExcerpt: truncateRunes(stripHTML(excerpt), maxExcerptLen),
			Author:      hit.Author,
			Community:   "Hacker News",
			PublishedAt: publishedAt,
			RawPayload:  raw,
		})
	}

	return results, nil
}
