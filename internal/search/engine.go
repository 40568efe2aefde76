// Package search implements filtered, relevance-ranked search over the
// communication audit trail, with facets and autocomplete suggestions.
//
// Ranking materializes every substring-matching row before sorting, so it is
// O(matches) in memory. That holds up at audit-trail scale; past a few
// thousand matches the substring scan belongs in an indexed text-search
// backend instead.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/db"
	"github.com/costumery/commsaudit/internal/metrics"
)

const (
	candidatePageSize = 1000
	maxCandidates     = 10000
	snippetWidth      = 50
	facetTopN         = 10
	suggestionLimit   = 10

	recencyBonusMax    = 0.5
	recencyWindowHours = 30 * 24
)

// Repository is the read-only view of the audit store the engine needs.
type Repository interface {
	ListFiltered(ctx context.Context, filter db.CommunicationFilter, limit, offset int) ([]*db.CommunicationLog, error)
	CountFiltered(ctx context.Context, filter db.CommunicationFilter) (int, error)
	FacetByType(ctx context.Context, filter db.CommunicationFilter, topN int) ([]db.FacetCount, error)
	FacetByStatus(ctx context.Context, filter db.CommunicationFilter, topN int) ([]db.FacetCount, error)
	FacetByTemplate(ctx context.Context, filter db.CommunicationFilter, topN int) ([]db.FacetCount, error)
	FacetByMonth(ctx context.Context, filter db.CommunicationFilter, topN int) ([]db.FacetCount, error)
	Suggestions(ctx context.Context, partial string, limit int) ([]string, error)
}

// Request is one search call. The filter fields are conjunctive hard filters;
// Term triggers relevance ranking when non-empty.
type Request struct {
	Filter   db.CommunicationFilter
	Term     string
	Page     int
	PageSize int
}

// Result is one ranked hit with its highlight map.
type Result struct {
	Communication *db.CommunicationLog `json:"communication"`
	Score         float64              `json:"score"`
	Highlights    map[string][]string  `json:"highlights,omitempty"`
}

// Response is one page of search results. Truncated reports that the ranked
// candidate pool hit its cap, making Total a lower bound.
type Response struct {
	Results   []Result `json:"results"`
	Total     int      `json:"total"`
	Page      int      `json:"page"`
	PageSize  int      `json:"page_size"`
	Truncated bool     `json:"truncated,omitempty"`
}

// FacetSet holds the derived facet counts for one filtered set.
type FacetSet struct {
	Types     []db.FacetCount `json:"types"`
	Statuses  []db.FacetCount `json:"statuses"`
	Templates []db.FacetCount `json:"templates"`
	Months    []db.FacetCount `json:"months"`
}

// Engine ranks and facets the communication audit trail.
type Engine struct {
	repo   Repository
	logger *zap.Logger
}

// NewEngine creates a search engine over the given repository.
func NewEngine(repo Repository, logger *zap.Logger) *Engine {
	return &Engine{
		repo:   repo,
		logger: logger,
	}
}

// SearchWithRanking applies the hard filters, then — when a free-text term is
// present — scores every substring-matching candidate and returns one page
// sorted by score descending, tie-broken by sent_at descending.
func (e *Engine) SearchWithRanking(ctx context.Context, req Request) (*Response, error) {
	page, pageSize := normalizePage(req.Page, req.PageSize)
	term := strings.TrimSpace(req.Term)

	if term == "" {
		metrics.RecordSearch("filtered", 0)
		comms, err := e.repo.ListFiltered(ctx, req.Filter, pageSize, (page-1)*pageSize)
		if err != nil {
			return nil, err
		}
		total, err := e.repo.CountFiltered(ctx, req.Filter)
		if err != nil {
			return nil, err
		}

		results := make([]Result, 0, len(comms))
		for _, comm := range comms {
			results = append(results, Result{Communication: comm})
		}
		return &Response{Results: results, Total: total, Page: page, PageSize: pageSize}, nil
	}

	start := time.Now()

	filter := req.Filter
	filter.Term = term
	candidates, truncated, err := e.fetchCandidates(ctx, filter)
	if err != nil {
		return nil, err
	}
	if truncated {
		e.logger.Warn("search candidate pool capped, total is a lower bound",
			zap.String("term", term),
			zap.Int("cap", maxCandidates),
		)
	}

	tokens := strings.Fields(strings.ToLower(term))
	now := time.Now().UTC()

	results := make([]Result, 0, len(candidates))
	for _, comm := range candidates {
		score := scoreCommunication(comm, tokens, now)
		results = append(results, Result{
			Communication: comm,
			Score:         score,
			Highlights:    highlight(comm, tokens),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Communication.SentAt.After(results[j].Communication.SentAt)
	})

	total := len(results)
	results = paginate(results, page, pageSize)

	metrics.RecordSearch("ranked", time.Since(start))
	e.logger.Debug("ranked search completed",
		zap.String("term", term),
		zap.Int("candidates", total),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Response{Results: results, Total: total, Page: page, PageSize: pageSize, Truncated: truncated}, nil
}

// fetchCandidates pulls the substring-matching candidate pool in pages,
// honoring context cancellation between pages. The second return reports
// that the pool hit maxCandidates while the store still had full pages.
func (e *Engine) fetchCandidates(ctx context.Context, filter db.CommunicationFilter) ([]*db.CommunicationLog, bool, error) {
	var candidates []*db.CommunicationLog
	for offset := 0; offset < maxCandidates; offset += candidatePageSize {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		batch, err := e.repo.ListFiltered(ctx, filter, candidatePageSize, offset)
		if err != nil {
			return nil, false, err
		}
		candidates = append(candidates, batch...)
		if len(batch) < candidatePageSize {
			return candidates, false, nil
		}
	}
	return candidates, true, nil
}

// Facets groups the filtered (non-ranked) set by type, status, template and
// sent-month, each as a separate aggregate query.
func (e *Engine) Facets(ctx context.Context, filter db.CommunicationFilter) (*FacetSet, error) {
	types, err := e.repo.FacetByType(ctx, filter, facetTopN)
	if err != nil {
		return nil, err
	}
	statuses, err := e.repo.FacetByStatus(ctx, filter, facetTopN)
	if err != nil {
		return nil, err
	}
	templates, err := e.repo.FacetByTemplate(ctx, filter, facetTopN)
	if err != nil {
		return nil, err
	}
	months, err := e.repo.FacetByMonth(ctx, filter, facetTopN)
	if err != nil {
		return nil, err
	}

	return &FacetSet{
		Types:     types,
		Statuses:  statuses,
		Templates: templates,
		Months:    months,
	}, nil
}

// Suggestions returns distinct subject, template and type values containing
// the partial term, for autocomplete.
func (e *Engine) Suggestions(ctx context.Context, partial string) ([]string, error) {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return nil, nil
	}
	return e.repo.Suggestions(ctx, partial, suggestionLimit)
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func paginate(results []Result, page, pageSize int) []Result {
	start := (page - 1) * pageSize
	if start >= len(results) {
		return []Result{}
	}
	end := start + pageSize
	if end > len(results) {
		end = len(results)
	}
	return results[start:end]
}
