// Package recommend finds related videos for a summarized recording.
package recommend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/aura-lectures/backend/internal/models"
)

// Candidate is a video returned by a search, before scoring.
type Candidate struct {
	VideoID     string
	Title       string
	Description string
	Channel     string
}

// Searcher runs a single keyword search.
type Searcher interface {
	Search(ctx context.Context, query string, limit int64) ([]Candidate, error)
}

// YouTubeSearcher implements Searcher with the YouTube Data API.
type YouTubeSearcher struct {
	svc *youtube.Service
}

// NewYouTubeSearcher creates a Data API client authenticated by API key.
func NewYouTubeSearcher(ctx context.Context, apiKey string) (*YouTubeSearcher, error) {
	svc, err := youtube.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("youtube.NewService: %w", err)
	}
	return &YouTubeSearcher{svc: svc}, nil
}

func (s *YouTubeSearcher) Search(ctx context.Context, query string, limit int64) ([]Candidate, error) {
	resp, err := s.svc.Search.List([]string{"snippet"}).
		Q(query).
		Type("video").
		SafeSearch("strict").
		RelevanceLanguage("en").
		MaxResults(limit).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("youtube search %q: %w", query, err)
	}
	out := make([]Candidate, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Id == nil || item.Id.VideoId == "" || item.Snippet == nil {
			continue
		}
		out = append(out, Candidate{
			VideoID:     item.Id.VideoId,
			Title:       item.Snippet.Title,
			Description: item.Snippet.Description,
			Channel:     item.Snippet.ChannelTitle,
		})
	}
	return out, nil
}

// Recommender turns a summary into a ranked list of videos.
type Recommender struct {
	searcher   Searcher
	perTopic   int64
	maxResults int
	logger     *zap.Logger
}

// NewRecommender creates a recommender. maxResults caps the returned list.
func NewRecommender(searcher Searcher, perTopic int64, maxResults int, logger *zap.Logger) *Recommender {
	if perTopic <= 0 {
		perTopic = 5
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recommender{searcher: searcher, perTopic: perTopic, maxResults: maxResults, logger: logger}
}

// Recommend searches each topic of the summary and ranks the union of results by
// how many summary topics and glossary terms they mention. A search failure for
// one topic is logged and skipped; it is an error only if every search fails.
func (r *Recommender) Recommend(ctx context.Context, summary *models.Summary) ([]models.Recommendation, error) {
	queries := summary.Topics
	if len(queries) == 0 {
		queries = fallbackQueries(summary)
	}
	if len(queries) == 0 {
		return nil, nil
	}

	terms := scoringTerms(summary)
	byID := make(map[string]*models.Recommendation)
	var failures int
	var lastErr error
	for i, q := range queries {
		cands, err := r.searcher.Search(ctx, q, r.perTopic)
		if err != nil {
			failures++
			lastErr = err
			r.logger.Warn("recommendation search failed", zap.String("query", q), zap.Error(err))
			continue
		}
		for rank, c := range cands {
			rec, ok := byID[c.VideoID]
			if !ok {
				rec = &models.Recommendation{
					RecordingID: summary.RecordingID,
					VideoID:     c.VideoID,
					Title:       c.Title,
					URL:         "https://www.youtube.com/watch?v=" + c.VideoID,
					Channel:     c.Channel,
					Score:       overlap(terms, c.Title+" "+c.Description),
				}
				byID[c.VideoID] = rec
			}
			// Earlier topics and higher search ranks carry more weight.
			rec.Score += 1 / float64((i+1)*(rank+1))
		}
	}
	if failures == len(queries) {
		return nil, lastErr
	}

	out := make([]models.Recommendation, 0, len(byID))
	for _, rec := range byID {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].VideoID < out[j].VideoID
	})
	if len(out) > r.maxResults {
		out = out[:r.maxResults]
	}
	return out, nil
}

func fallbackQueries(s *models.Summary) []string {
	var q []string
	for _, g := range s.Glossary {
		if g.Term != "" {
			q = append(q, g.Term)
		}
		if len(q) == 3 {
			break
		}
	}
	return q
}

func scoringTerms(s *models.Summary) []string {
	seen := map[string]bool{}
	var terms []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		terms = append(terms, t)
	}
	for _, t := range s.Topics {
		add(t)
	}
	for _, g := range s.Glossary {
		add(g.Term)
	}
	return terms
}

func overlap(terms []string, text string) float64 {
	text = strings.ToLower(text)
	var n float64
	for _, t := range terms {
		if strings.Contains(text, t) {
			n++
		}
	}
	return n
}
