package search

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/config"
	"golang.org/x/time/rate"
)

const (
	defaultStackExchangeURL  = "https://api.stackexchange.com"
	defaultStackExchangeSite = "stackoverflow"
	maxTitleQuery            = 100
)

// StackExchangeConfig configures the Q&A site collaborator.
type StackExchangeConfig struct {
	BaseURL       string
	Site          string
	Key           config.Secret
	RatePerMinute int
	HTTPClient    *http.Client
}

// StackExchange searches a Stack Exchange site by question title.
type StackExchange struct {
	baseURL string
	site    string
	key     config.Secret
	client  *http.Client
	limiter *rate.Limiter
}

// NewStackExchange creates the collaborator.
func NewStackExchange(cfg StackExchangeConfig) *StackExchange {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultStackExchangeURL
	}
	site := cfg.Site
	if site == "" {
		site = defaultStackExchangeSite
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &StackExchange{
		baseURL: baseURL,
		site:    site,
		key:     cfg.Key,
		client:  client,
		limiter: newLimiter(cfg.RatePerMinute),
	}
}

// Name implements Collaborator.
func (s *StackExchange) Name() string { return "stackoverflow" }

type stackExchangeResponse struct {
	Items []struct {
		Title       string   `json:"title"`
		Link        string   `json:"link"`
		Score       int      `json:"score"`
		AnswerCount int      `json:"answer_count"`
		IsAnswered  bool     `json:"is_answered"`
		Tags        []string `json:"tags"`
	} `json:"items"`
}

// Search implements Collaborator.
func (s *StackExchange) Search(ctx context.Context, q Query) ([]RawResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	params := url.Values{}
	params.Set("order", "desc")
	params.Set("sort", "votes")
	params.Set("intitle", truncateRunes(q.Text, maxTitleQuery))
	params.Set("site", s.site)
	if q.MaxResults > 0 {
		params.Set("pagesize", strconv.Itoa(q.MaxResults))
	}
	if s.key.IsSet() {
		params.Set("key", s.key.Value())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/2.3/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stackexchange request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{source: s.Name(), code: resp.StatusCode}
	}

	var body stackExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode stackexchange response: %w", err)
	}

	out := make([]RawResult, 0, len(body.Items))
	for _, it := range body.Items {
		if q.MaxResults > 0 && len(out) == q.MaxResults {
			break
		}
		out = append(out, RawResult{
			Title:  html.UnescapeString(it.Title),
			URL:    it.Link,
			Signal: float64(it.Score),
			Extra: map[string]any{
				"score":        it.Score,
				"answer_count": it.AnswerCount,
				"is_answered":  it.IsAnswered,
				"tags":         it.Tags,
			},
		})
	}
	return out, nil
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 5)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
