package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Category mapping for the monitored communities.
var subredditCategories = map[string]string{
	"geopolitics":     "geopolitics",
	"credibledefense": "military",
	"cybersecurity":   "cybersecurity",
	"netsec":          "cybersecurity",
}

// RedditAdapter reads one subreddit's public JSON listing. The shared
// limiter spaces requests one second apart across all subreddit
// adapters, matching the unauthenticated endpoint's tolerance.
type RedditAdapter struct {
	BaseAdapter
	subreddit string
	limiter   *rate.Limiter
}

// NewRedditLimiter builds the limiter shared by every subreddit
// adapter in a roster.
func NewRedditLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Second), 1)
}

func NewRedditAdapter(subreddit string, limiter *rate.Limiter) *RedditAdapter {
	if limiter == nil {
		limiter = NewRedditLimiter()
	}
	return &RedditAdapter{
		BaseAdapter: newBase("reddit_"+subreddit, "reddit"),
		subreddit:   subreddit,
		limiter:     limiter,
	}
}

func (a *RedditAdapter) Collect(ctx context.Context) ([]CollectedItem, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{URL: "reddit.com/r/" + a.subreddit, Err: err}
	}

	endpoint := fmt.Sprintf("https://www.reddit.com/r/%s/hot.json?limit=25", a.subreddit)
	body, err := a.get(ctx, endpoint, http.Header{"User-Agent": {"ThePulse/1.0 (feed aggregation)"}})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data struct {
			Children []struct {
				Data struct {
					Title       string  `json:"title"`
					SelfText    string  `json:"selftext"`
					Permalink   string  `json:"permalink"`
					Author      string  `json:"author"`
					CreatedUTC  float64 `json:"created_utc"`
					Score       int     `json:"score"`
					NumComments int     `json:"num_comments"`
					Stickied    bool    `json:"stickied"`
				} `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{Source: a.Name(), Err: err}
	}

	category := subredditCategories[a.subreddit]
	if category == "" {
		category = "forum"
	}

	now := time.Now().UTC()
	items := make([]CollectedItem, 0, len(payload.Data.Children))
	for _, child := range payload.Data.Children {
		post := child.Data
		if post.Permalink == "" || post.Stickied {
			continue
		}
		published := now
		if post.CreatedUTC > 0 {
			published = time.Unix(int64(post.CreatedUTC), 0).UTC()
		}
		items = append(items, CollectedItem{
			Title:      CleanText(post.Title),
			Summary:    Summarize(post.SelfText),
			URL:        "https://www.reddit.com" + post.Permalink,
			SourceName: "r/" + a.subreddit,
			SourceURL:  "https://www.reddit.com/r/" + a.subreddit,
			Published:  published,
			Author:     post.Author,
			Categories: []string{"forum", category},
			Metadata: map[string]any{
				"subreddit":    a.subreddit,
				"score":        post.Score,
				"num_comments": post.NumComments,
			},
			RawContent: CleanText(post.SelfText),
		})
	}
	return items, nil
}
