package sources

import "net/http"

// Decline reasons returned by builders.
const (
	ReasonMissingCredentials = "missing_credentials"
	ReasonUnsupportedAdapter = "unsupported_adapter"
)

// Builder constructs an adapter from the shared HTTP client and the
// credentials block. A nil Source with a non-empty reason means the platform
// is declared but cannot be polled this run (for example, missing secrets).
type Builder func(client *http.Client, creds Credentials) (Source, string)

// Definition describes one entry in the source catalog. A nil Build means
// the key is reserved: the platform is recognized by configuration and the
// schema but no adapter exists yet.
type Definition struct {
	Key                string
	Label              string
	EnvSlug            string
	DefaultEnabled     bool
	FreeTierDailyLimit int
	Build              Builder
}

// definitions is the single place new platforms are added. Order is
// meaningful: adapters are built in catalog order.
var definitions = []Definition{
	{
		Key:                "hackernews",
		Label:              "Hacker News",
		EnvSlug:            "HN",
		DefaultEnabled:     true,
		FreeTierDailyLimit: 2000,
		Build: func(client *http.Client, _ Credentials) (Source, string) {
			return NewHackerNews(client), ""
		},
	},
	{
		Key:                "devto",
		Label:              "Dev.to",
		EnvSlug:            "DEVTO",
		DefaultEnabled:     true,
		FreeTierDailyLimit: 1000,
		Build: func(client *http.Client, creds Credentials) (Source, string) {
			return NewDevTo(client, creds.DevToTopDays), ""
		},
	},
	{
		Key:                "github_discussions",
		Label:              "GitHub Discussions",
		EnvSlug:            "GITHUB_DISCUSSIONS",
		DefaultEnabled:     true,
		FreeTierDailyLimit: 1000,
		Build: func(client *http.Client, creds Credentials) (Source, string) {
			if creds.GitHubToken == "" {
				return nil, ReasonMissingCredentials
			}
			return NewGitHubDiscussions(client, creds.GitHubToken), ""
		},
	},
	{
		Key:                "reddit",
		Label:              "Reddit",
		EnvSlug:            "REDDIT",
		DefaultEnabled:     false,
		FreeTierDailyLimit: 500,
		Build: func(client *http.Client, creds Credentials) (Source, string) {
			if creds.RedditClientID == "" || creds.RedditClientSecret == "" {
				return nil, ReasonMissingCredentials
			}
			return NewReddit(client, creds.RedditClientID, creds.RedditClientSecret, creds.RedditUserAgent), ""
		},
	},
	{Key: "google", Label: "Google", EnvSlug: "GOOGLE", FreeTierDailyLimit: 100},
	{Key: "brave", Label: "Brave", EnvSlug: "BRAVE", FreeTierDailyLimit: 1000},
	{Key: "producthunt", Label: "Product Hunt", EnvSlug: "PRODUCTHUNT", FreeTierDailyLimit: 500},
}

var definitionByKey = func() map[string]Definition {
	byKey := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		byKey[def.Key] = def
	}
	return byKey
}()

// Definitions returns the catalog in declaration order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Keys returns the catalog keys in declaration order.
func Keys() []string {
	keys := make([]string, 0, len(definitions))
	for _, def := range definitions {
		keys = append(keys, def.Key)
	}
	return keys
}

// Lookup returns the definition for key, if the key is in the catalog.
func Lookup(key string) (Definition, bool) {
	def, ok := definitionByKey[key]
	return def, ok
}

// Label returns the human label for a platform key, falling back to the key
// itself for anything outside the catalog.
func Label(key string) string {
	if def, ok := definitionByKey[key]; ok {
		return def.Label
	}
	return key
}
