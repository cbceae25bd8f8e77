package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/signalze/mention-worker/internal/models"
)

const (
	defaultRedditTokenURL  = "https://www.reddit.com/api/v1/access_token"
	defaultRedditSearchURL = "https://oauth.reddit.com/search"
)

// Reddit polls the OAuth search API with an app-only (client credentials)
// token. The token is cached in the adapter for the lifetime of the run and
// refreshed with a 60 second expiry slack.
type Reddit struct {
	client       *http.Client
	tokenURL     string
	searchURL    string
	clientID     string
	clientSecret string
	userAgent    string

	token          string
	tokenExpiresAt time.Time
}

func NewReddit(client *http.Client, clientID, clientSecret, userAgent string) *Reddit {
	return &Reddit{
		client:       client,
		tokenURL:     defaultRedditTokenURL,
		searchURL:    defaultRedditSearchURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		userAgent:    userAgent,
	}
}

func (r *Reddit) accessToken(ctx context.Context) (string, error) {
	now := time.Now().UTC()
	if r.token != "" && now.Before(r.tokenExpiresAt) {
		return r.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("reddit: build token request: %w", err)
	}
	req.SetBasicAuth(r.clientID, r.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reddit: token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("reddit: token returned status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("reddit: decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("reddit: token response missing access_token")
	}

	expiresIn := payload.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	slack := expiresIn - 60
	if slack < 60 {
		slack = 60
	}

	r.token = payload.AccessToken
	r.tokenExpiresAt = now.Add(time.Duration(slack) * time.Second)
	return r.token, nil
}

type redditItem struct {
	Name          string   `json:"name"`
	CreatedUTC    *float64 `json:"created_utc"`
	Permalink     string   `json:"permalink"`
	LinkPermalink string   `json:"link_permalink"`
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	LinkTitle     string   `json:"link_title"`
	Selftext      string   `json:"selftext"`
	Body          string   `json:"body"`
	Author        string   `json:"author"`
	Subreddit     string   `json:"subreddit"`
}

func (r *Reddit) Search(ctx context.Context, query string, since time.Time, limit int) ([]models.MentionCandidate, error) {
	token, err := r.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("sort", "new")
	params.Set("limit", strconv.Itoa(clampLimit(limit, 100)))
	params.Set("type", "link,comment")
	params.Set("t", "day")
	params.Set("restrict_sr", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.searchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("reddit: build search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reddit: search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("reddit: search returned status %d", resp.StatusCode)
	}

	var payload struct {
		Data struct {
			Children []struct {
				Data json.RawMessage `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("reddit: decode search response: %w", err)
	}

	var results []models.MentionCandidate
	for _, child := range payload.Data.Children {
		var item redditItem
		if err := json.Unmarshal(child.Data, &item); err != nil {
			continue
		}
		if item.CreatedUTC == nil || item.Name == "" {
			continue
		}

		publishedAt := time.Unix(int64(*item.CreatedUTC), 0).UTC()
		if publishedAt.Before(since) {
			continue
		}

		permalink := item.Permalink
		if permalink == "" {
			permalink = item.LinkPermalink
		}
		link := item.URL
		if permalink != "" {
			link = "https://reddit.com" + permalink
		}
		if link == "" {
			continue
		}

		title := item.Title
		if title == "" {
			title = item.LinkTitle
		}
		if title == "" {
			title = "Reddit mention"
		}

		body := item.Selftext
		if body == "" {
			body = item.Body
		}

		community := "Reddit"
		if item.Subreddit != "" {
			community = "r/" + item.Subreddit
		}

		results = append(results, models.MentionCandidate{
			Platform:    "reddit",
			ExternalID:  item.Name,
			URL:         link,
			Title:       strings.TrimSpace(title),
			BodyExcerpt: normalizeExcerpt(body),
			Author:      item.Author,
			Community:   community,
			PublishedAt: publishedAt,
			RawPayload:  child.Data,
		})
	}

	return results, nil
}
