package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devtoFixture = `[
	{
		"id": 101,
		"published_at": "2025-06-02T08:00:00Z",
		"title": "Tracking brand mentions with Signalze",
		"description": "A  walkthrough of   mention monitoring.",
		"tag_list": ["monitoring", "golang"],
		"url": "https://dev.to/alice/signalze-walkthrough",
		"user": {"name": "Alice", "username": "alice"}
	},
	{
		"id": 102,
		"published_at": "2025-06-02T08:30:00Z",
		"title": "Unrelated post about databases",
		"description": "Nothing to see here.",
		"tag_list": [],
		"url": "https://dev.to/bob/databases",
		"user": {"username": "bob"}
	},
	{
		"id": 103,
		"published_at": "2025-06-01T00:00:00Z",
		"title": "Old Signalze review",
		"description": "Published before the window.",
		"tag_list": "signalze, review",
		"url": "https://dev.to/carol/old-review",
		"user": {"username": "carol"}
	}
]`

func TestDevToSearchMatchesLocally(t *testing.T) {
	var gotTop, gotPerPage string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTop = r.URL.Query().Get("top")
		gotPerPage = r.URL.Query().Get("per_page")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(devtoFixture))
	}))
	defer server.Close()

	source := NewDevTo(server.Client(), 7)
	source.baseURL = server.URL

	since := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)
	mentions, err := source.Search(context.Background(), "Signalze", since, 40)
	require.NoError(t, err)

	assert.Equal(t, "7", gotTop)
	assert.Equal(t, "40", gotPerPage)

	require.Len(t, mentions, 1, "non-matching and pre-window articles are filtered")
	m := mentions[0]
	assert.Equal(t, "devto", m.Platform)
	assert.Equal(t, "101", m.ExternalID)
	assert.Equal(t, "A walkthrough of mention monitoring.", m.BodyExcerpt)
	assert.Equal(t, "Alice", m.Author)
	assert.Equal(t, "dev.to", m.Community)
}

func TestDevToSearchMatchesStringTagList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{
			"id": 201,
			"published_at": "2025-06-02T08:00:00Z",
			"title": "Weekly roundup",
			"description": "Tools worth a look.",
			"tag_list": "signalze, tools",
			"url": "https://dev.to/dave/roundup",
			"user": {"username": "dave"}
		}]`))
	}))
	defer server.Close()

	source := NewDevTo(server.Client(), 7)
	source.baseURL = server.URL

	mentions, err := source.Search(context.Background(), "signalze",
		time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), 40)
	require.NoError(t, err)
	require.Len(t, mentions, 1, "comma-string tag_list still matches")
}

func TestDevToSearchEmptyQuery(t *testing.T) {
	source := NewDevTo(http.DefaultClient, 7)
	mentions, err := source.Search(context.Background(), "   ", time.Now().UTC(), 40)
	require.NoError(t, err)
	assert.Empty(t, mentions)
}

func TestDevToTopDaysFloor(t *testing.T) {
	source := NewDevTo(http.DefaultClient, 0)
	assert.Equal(t, 1, source.topDays)
}
