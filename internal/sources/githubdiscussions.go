package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/signalze/mention-worker/internal/models"
)

const defaultGitHubGraphQLURL = "https://api.github.com/graphql"

const discussionSearchQuery = `
query SearchDiscussions($query: String!, $first: Int!) {
  search(query: $query, type: DISCUSSION, first: $first) {
    nodes {
      ... on Discussion {
        id
        url
        title
        bodyText
        createdAt
        updatedAt
        author {
          login
        }
        repository {
          name
          owner {
            login
          }
        }
      }
    }
  }
}`

// GitHubDiscussions searches discussions through the GraphQL API. Requires a
// token with public repo read scope.
type GitHubDiscussions struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewGitHubDiscussions(client *http.Client, token string) *GitHubDiscussions {
	return &GitHubDiscussions{client: client, baseURL: defaultGitHubGraphQLURL, token: token}
}

type discussionNode struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	BodyText  string `json:"bodyText"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
	Author    struct {
		Login string `json:"login"`
	} `json:"author"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func (g *GitHubDiscussions) Search(ctx context.Context, query string, since time.Time, limit int) ([]models.MentionCandidate, error) {
	body, err := json.Marshal(map[string]any{
		"query": discussionSearchQuery,
		"variables": map[string]any{
			"query": query + " sort:updated-desc",
			"first": clampLimit(limit, 50),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("github_discussions: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("github_discussions: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "signalze-mention-worker/1.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github_discussions: graphql request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("github_discussions: graphql returned status %d", resp.StatusCode)
	}

	var payload struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
		Data struct {
			Search struct {
				Nodes []json.RawMessage `json:"nodes"`
			} `json:"search"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("github_discussions: decode response: %w", err)
	}
	if len(payload.Errors) > 0 {
		return nil, fmt.Errorf("github_discussions: graphql error: %s", payload.Errors[0].Message)
	}

	var results []models.MentionCandidate
	for _, raw := range payload.Data.Search.Nodes {
		var node discussionNode
		if err := json.Unmarshal(raw, &node); err != nil {
			continue
		}

		externalID := strings.TrimSpace(node.ID)
		link := strings.TrimSpace(node.URL)
		if externalID == "" || link == "" {
			continue
		}

		createdAt := parseGitHubTime(node.CreatedAt)
		updatedAt := parseGitHubTime(node.UpdatedAt)

		// Search sorts by update recency, so the since filter looks at the
		// update time; published_at stays the creation time.
		effective := updatedAt
		if effective.IsZero() {
			effective = createdAt
		}
		if effective.IsZero() {
			effective = time.Now().UTC()
		}
		if effective.Before(since) {
			continue
		}

		publishedAt := createdAt
		if publishedAt.IsZero() {
			publishedAt = effective
		}

		title := strings.TrimSpace(node.Title)
		if title == "" {
			title = "GitHub discussion mention"
		}

		community := "GitHub Discussions"
		if node.Repository.Name != "" && node.Repository.Owner.Login != "" {
			community = node.Repository.Owner.Login + "/" + node.Repository.Name
		} else if node.Repository.Name != "" {
			community = node.Repository.Name
		}

		results = append(results, models.MentionCandidate{
			Platform:    "github_discussions",
			ExternalID:  externalID,
			URL:         link,
			Title:       title,
			BodyExcerpt: normalizeExcerpt(node.BodyText),
			Author:      node.Author.Login,
			Community:   community,
			PublishedAt: publishedAt,
			RawPayload:  raw,
		})
	}

	return results, nil
}

func parseGitHubTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
