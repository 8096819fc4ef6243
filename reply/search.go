package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const serpAPIBase = "https://serpapi.com/search.json"

// NoResults is posted when a search finds nothing.
const NoResults = "検索結果が見つからなかったよ。"

var searchKeywords = []string{"検索", "調べて", "ググって"}

// IsSearchRequest reports whether text asks for a web search.
func IsSearchRequest(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range searchKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Result is one organic search hit.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// SerpAPI queries Google through serpapi.com.
type SerpAPI struct {
	APIKey     string
	Num        int // results requested, default 3
	BaseURL    string
	HTTPClient *http.Client
}

// Search returns up to Num organic results for query.
func (s *SerpAPI) Search(ctx context.Context, query string) ([]Result, error) {
	if s.APIKey == "" {
		return nil, errors.New("serpapi: api key not configured")
	}
	num := s.Num
	if num <= 0 {
		num = 3
	}
	base := s.BaseURL
	if base == "" {
		base = serpAPIBase
	}
	q := url.Values{
		"engine":  {"google"},
		"q":       {query},
		"api_key": {s.APIKey},
		"num":     {strconv.Itoa(num)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	hc := s.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serpapi: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("serpapi: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var body struct {
		Error          string   `json:"error"`
		OrganicResults []Result `json:"organic_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("serpapi: decode: %w", err)
	}
	// SerpApi reports "no results" as an error string with status 200.
	if body.Error != "" && len(body.OrganicResults) == 0 && !strings.Contains(body.Error, "hasn't returned any results") {
		return nil, fmt.Errorf("serpapi: %s", body.Error)
	}
	if len(body.OrganicResults) > num {
		body.OrganicResults = body.OrganicResults[:num]
	}
	return body.OrganicResults, nil
}

// FormatResults renders results as numbered entries, or NoResults.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return NoResults
	}
	parts := make([]string, 0, len(results))
	for i, r := range results {
		entry := fmt.Sprintf("%d. %s (%s)", i+1, r.Title, r.Link)
		if r.Snippet != "" {
			entry += "\n" + r.Snippet
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, "\n\n")
}
