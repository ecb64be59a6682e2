package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nucleus/lake-core/internal/logging"
)

const defaultGitHubBaseURL = "https://api.github.com"

// ErrRateLimitExhausted is returned when the API keeps rate limiting after
// all attempts were spent.
var ErrRateLimitExhausted = errors.New("rate limit exceeded and retries exhausted")

func init() {
	Register("http.github", func(options map[string]any) (Extractor, error) {
		return NewGitHub(options)
	})
}

// GitHubConfig holds GitHub issue extractor configuration.
type GitHubConfig struct {
	Owner       string
	Repo        string
	Token       string
	BaseURL     string
	PerPage     int
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	SamplesDir  string
	SamplesURI  string
}

// ParseGitHubConfig constructs GitHubConfig from a generic option bag.
func ParseGitHubConfig(input map[string]any) (*GitHubConfig, error) {
	cfg := &GitHubConfig{
		Owner:       getString(input, "owner"),
		Repo:        getString(input, "repo"),
		Token:       getString(input, "token"),
		BaseURL:     getString(input, "base_url", "baseUrl"),
		PerPage:     getInt(input, 100, "per_page", "perPage"),
		MaxAttempts: getInt(input, 3, "max_attempts", "maxAttempts"),
		SamplesDir:  getString(input, "samples_dir", "samplesDir"),
		SamplesURI:  getString(input, "samples_uri", "samplesUri"),
	}
	cfg.Timeout = getSeconds(input, 30*time.Second, "request_timeout", "requestTimeout")
	cfg.BackoffBase = getSeconds(input, 1500*time.Millisecond, "backoff_seconds", "backoffSeconds")

	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github extractor requires owner and repo options")
	}
	if cfg.Token == "" {
		// Optional: unauthenticated access works for public repos but hits
		// the 60 req/hr rate limit quickly.
		cfg.Token = os.Getenv("GITHUB_TOKEN")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGitHubBaseURL
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return cfg, nil
}

// GitHub extracts issues from a paginated GitHub-style REST endpoint with
// retry, rate-limit handling and clean pagination termination.
type GitHub struct {
	config  *GitHubConfig
	client  *Client
	samples SampleSink

	// sleep and now are injectable for tests; backoff stalls are the only
	// intentional blocking waits in a pass.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewGitHub creates a GitHub issue extractor from raw options.
func NewGitHub(options map[string]any) (*GitHub, error) {
	cfg, err := ParseGitHubConfig(options)
	if err != nil {
		return nil, err
	}

	clientCfg := DefaultClientConfig()
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.Token = cfg.Token
	clientCfg.Timeout = cfg.Timeout
	clientCfg.Headers["Accept"] = "application/vnd.github+json"
	if t, ok := options["transport"].(http.RoundTripper); ok {
		clientCfg.Transport = t
	}

	samples, err := newSampleSink(cfg.SamplesDir, cfg.SamplesURI)
	if err != nil {
		return nil, err
	}

	return &GitHub{
		config:  cfg,
		client:  NewClient(clientCfg),
		samples: samples,
		sleep:   time.Sleep,
		now:     time.Now,
	}, nil
}

// Extract starts one pagination pass. since is forwarded as the API's
// incremental filter when present.
func (g *GitHub) Extract(ctx context.Context, since string) (Iterator, error) {
	return &issueIterator{
		g:     g,
		ctx:   ctx,
		since: since,
		page:  1,
	}, nil
}

// issueIterator lazily walks issue pages. Termination is explicit: a clean
// stop (pagination limit or empty page) leaves Err() nil; a failed pass
// surfaces through Err().
type issueIterator struct {
	g     *GitHub
	ctx   context.Context
	since string
	page  int
	buf   []Record
	idx   int
	cur   Record
	done  bool
	err   error
}

func (it *issueIterator) Next() bool {
	for {
		if it.idx < len(it.buf) {
			it.cur = it.buf[it.idx]
			it.idx++
			return true
		}
		if it.done || it.err != nil {
			return false
		}
		it.fetchPage()
	}
}

func (it *issueIterator) Value() Record { return it.cur }

func (it *issueIterator) Err() error { return it.err }

func (it *issueIterator) Close() error {
	it.done = true
	it.buf = nil
	return nil
}

func (it *issueIterator) fetchPage() {
	g := it.g
	query := url.Values{}
	query.Set("state", "all")
	query.Set("per_page", strconv.Itoa(g.config.PerPage))
	query.Set("page", strconv.Itoa(it.page))
	if it.since != "" {
		query.Set("since", it.since)
	}
	path := fmt.Sprintf("/repos/%s/%s/issues", g.config.Owner, g.config.Repo)

	resp, err := g.requestWithRetry(it.ctx, path, query)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnprocessableEntity {
			// GitHub caps deep pagination with 422; the pass ends cleanly
			// at this page.
			logging.L().Infow("pagination limit reached, stopping",
				"owner", g.config.Owner, "repo", g.config.Repo, "page", it.page)
			it.done = true
			return
		}
		it.err = err
		return
	}

	var batch []map[string]any
	if err := resp.JSON(&batch); err != nil {
		it.err = fmt.Errorf("decode issues page %d: %w", it.page, err)
		return
	}
	if len(batch) == 0 {
		it.done = true
		return
	}

	// Diagnostic only; a sink failure never fails the pass.
	if putErr := g.samples.Put(it.ctx, fmt.Sprintf("github_issues_page_%d.json", it.page), resp.Body); putErr != nil {
		logging.L().Warnw("failed to persist page sample", "page", it.page, "error", putErr)
	}

	it.buf = g.flattenPage(batch)
	it.idx = 0
	it.page++
}

// flattenPage projects raw issue payloads to the fixed flat field set.
// Pull requests surface on the issues endpoint as well and are filtered
// out entirely.
func (g *GitHub) flattenPage(batch []map[string]any) []Record {
	out := make([]Record, 0, len(batch))
	for _, item := range batch {
		if _, isPR := item["pull_request"]; isPR {
			continue
		}
		rec := Record{
			"id":         item["id"],
			"number":     item["number"],
			"title":      item["title"],
			"state":      item["state"],
			"comments":   item["comments"],
			"created_at": item["created_at"],
			"updated_at": item["updated_at"],
			"closed_at":  item["closed_at"],
			"repo_owner": g.config.Owner,
			"repo_name":  g.config.Repo,
		}
		if user, ok := item["user"].(map[string]any); ok {
			rec["user.login"] = user["login"]
		}
		out = append(out, rec)
	}
	return out
}

// requestWithRetry performs one page request with bounded exponential
// backoff. Transient network failures and 5xx retry; a rate-limited 403
// sleeps until the advertised reset time (clamped, floor 1s); remaining
// 4xx are fatal immediately.
func (g *GitHub) requestWithRetry(ctx context.Context, path string, query url.Values) (*Response, error) {
	log := logging.L()
	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		resp, err := g.client.Get(ctx, path, query)
		if err == nil {
			return resp, nil
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			// Transport-level failure.
			if attempt == g.config.MaxAttempts {
				return nil, err
			}
			wait := g.backoff(attempt)
			log.Warnw("request error, retrying",
				"attempt", attempt, "max_attempts", g.config.MaxAttempts,
				"path", path, "error", err, "backoff", wait)
			g.sleep(wait)
			continue
		}

		if httpErr.StatusCode == http.StatusForbidden && resp != nil &&
			resp.Headers.Get("X-RateLimit-Remaining") == "0" {
			if attempt == g.config.MaxAttempts {
				return nil, ErrRateLimitExhausted
			}
			wait := g.backoff(attempt)
			if reset := resp.Headers.Get("X-RateLimit-Reset"); reset != "" {
				if resetAt, perr := strconv.ParseFloat(reset, 64); perr == nil {
					until := time.Duration(resetAt-float64(g.now().UTC().Unix())) * time.Second
					if until < 0 {
						until = 0
					}
					wait = until
				}
			}
			if wait < time.Second {
				wait = time.Second
			}
			log.Warnw("rate limit hit, sleeping before retry", "wait", wait, "attempt", attempt)
			g.sleep(wait)
			continue
		}

		if httpErr.IsServerError() && attempt < g.config.MaxAttempts {
			wait := g.backoff(attempt)
			log.Warnw("server error, retrying",
				"status", httpErr.StatusCode, "path", path, "backoff", wait)
			g.sleep(wait)
			continue
		}

		return resp, err
	}
	return nil, fmt.Errorf("retries exhausted for %s", path)
}

func (g *GitHub) backoff(attempt int) time.Duration {
	return g.config.BackoffBase * time.Duration(1<<uint(attempt-1))
}

// --- option bag helpers ---

func getString(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := input[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func getInt(input map[string]any, def int, keys ...string) int {
	for _, key := range keys {
		if v, ok := input[key]; ok {
			switch val := v.(type) {
			case int:
				return val
			case int64:
				return int(val)
			case float64:
				return int(val)
			case string:
				if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
					return parsed
				}
			}
		}
	}
	return def
}

func getSeconds(input map[string]any, def time.Duration, keys ...string) time.Duration {
	for _, key := range keys {
		if v, ok := input[key]; ok {
			switch val := v.(type) {
			case int:
				return time.Duration(val) * time.Second
			case int64:
				return time.Duration(val) * time.Second
			case float64:
				return time.Duration(val * float64(time.Second))
			case string:
				if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
					return time.Duration(parsed * float64(time.Second))
				}
			}
		}
	}
	return def
}
