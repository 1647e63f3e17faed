// Package retrieval turns a ticket's text into ranked, scored knowledge-base
// evidence plus the confidence signals the orchestrator branches on.
//
// All scores — semantic, lexical, fused — live on the [0,1] scale and every
// threshold is compared on that scale.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/deskhand/deskhand/config"
	"github.com/deskhand/deskhand/internal/embedcache"
	"github.com/deskhand/deskhand/internal/index"
	"github.com/deskhand/deskhand/internal/kb"
	"github.com/deskhand/deskhand/internal/telemetry"
)

var engineTracer trace.Tracer = otel.Tracer("deskhand/internal/retrieval")

// FallbackRelaxThreshold is the hint attached to unconfident, non-final
// attempts: the caller should retry with a relaxed score threshold.
const FallbackRelaxThreshold = "retry with relaxed threshold"

const overFetchFactor = 3

// Request carries one retrieval call's parameters.
type Request struct {
	Query               string
	Keywords            []string
	Category            string
	TopK                int
	ScoreThreshold      float64
	ConfidenceThreshold float64
	MaxAttempts         int
	Attempt             int
	UseHybrid           bool
}

// Result is one ranked piece of evidence. Fused is the ranking score; with
// hybrid search off it equals Semantic.
type Result struct {
	Chunk    kb.Chunk `json:"chunk"`
	Semantic float64  `json:"semantic"`
	Lexical  float64  `json:"lexical"`
	Fused    float64  `json:"fused"`
	Rank     int      `json:"rank"`
	Source   string   `json:"source"` // semantic, hybrid
}

// Signals summarizes one retrieval call for the orchestrator's decision.
type Signals struct {
	Mean              float64       `json:"mean_similarity"`
	Max               float64       `json:"max_similarity"`
	Min               float64       `json:"min_similarity"`
	Count             int           `json:"result_count"`
	Latency           time.Duration `json:"latency"`
	CacheHit          bool          `json:"cache_hit"`
	Confident         bool          `json:"confident"`
	AttemptsExhausted bool          `json:"attempts_exhausted"`
	Attempt           int           `json:"attempt"`
	FallbackHint      string        `json:"fallback_hint,omitempty"`
}

// Response bundles ranked results with their signal summary.
type Response struct {
	Results []Result `json:"results"`
	Signals Signals  `json:"signals"`
}

// Engine orchestrates embedding lookup, vector search, the optional lexical
// pass, score fusion, and signal computation.
type Engine struct {
	cache   embedcache.Cache
	index   index.Index
	cfg     config.RetrievalConfig
	metrics *telemetry.Metrics
	logger  *log.Logger
}

// NewEngine builds a retrieval engine from its collaborators. The config is
// immutable; concurrent callers with different request parameters can share
// one engine.
func NewEngine(cache embedcache.Cache, idx index.Index, cfg config.RetrievalConfig, metrics *telemetry.Metrics, logger *log.Logger) (*Engine, error) {
	if cache == nil {
		return nil, fmt.Errorf("retrieval engine requires an embedding cache")
	}
	if idx == nil {
		return nil, fmt.Errorf("retrieval engine requires a vector index")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("retrieval config: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags)
	}
	return &Engine{cache: cache, index: idx, cfg: cfg, metrics: metrics, logger: logger}, nil
}

// Defaults fills unset request fields from the engine configuration.
func (e *Engine) Defaults(req Request) Request {
	if req.TopK <= 0 {
		req.TopK = e.cfg.TopK
	}
	if req.ScoreThreshold <= 0 {
		req.ScoreThreshold = e.cfg.ScoreThreshold
	}
	if req.ConfidenceThreshold <= 0 {
		req.ConfidenceThreshold = e.cfg.ConfidenceThreshold
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = e.cfg.MaxAttempts
	}
	if req.Attempt <= 0 {
		req.Attempt = 1
	}
	return req
}

// Retrieve runs one retrieval pass. Identical requests against an unchanged
// index return identical ranked results and signal statistics. Index failures
// return an error; the caller decides whether to spend another attempt.
func (e *Engine) Retrieve(ctx context.Context, req Request) (Response, error) {
	req = e.Defaults(req)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.LatencyBudget)
	defer cancel()
	ctx, span := engineTracer.Start(ctx, "retrieval.retrieve",
		trace.WithAttributes(
			attribute.Int("attempt", req.Attempt),
			attribute.Bool("hybrid", req.UseHybrid),
			attribute.String("category", req.Category),
		))
	defer span.End()

	vector, cacheHit, err := e.cache.GetOrCompute(ctx, req.Query)
	if err != nil {
		return Response{}, fmt.Errorf("query embedding: %w", err)
	}

	candidates, err := e.index.Search(ctx, vector, req.Category, req.TopK*overFetchFactor)
	if err != nil {
		return Response{}, fmt.Errorf("vector search: %w", err)
	}

	lexical := map[string]float64{}
	if req.UseHybrid && len(candidates) > 0 {
		lexical, err = e.lexicalScores(req, candidates)
		if err != nil {
			// The lexical pass is a recall booster; its failure degrades to
			// pure semantic ranking rather than failing the attempt.
			e.logger.Printf("warn: lexical pass failed, semantic-only ranking: %v", err)
			lexical = map[string]float64{}
		}
	}

	results := e.fuseAndFilter(req, candidates, lexical)
	signals := e.signals(req, results, cacheHit, time.Since(start))
	e.metrics.ObserveRetrieval(signals.Latency, cacheHit)
	span.SetAttributes(
		attribute.Int("results", signals.Count),
		attribute.Float64("mean", signals.Mean),
		attribute.Bool("confident", signals.Confident),
	)
	return Response{Results: results, Signals: signals}, nil
}

// fuseAndFilter combines semantic and lexical scores, drops candidates below
// the score threshold, orders deterministically, and truncates to top-k.
func (e *Engine) fuseAndFilter(req Request, candidates []index.SearchResult, lexical map[string]float64) []Result {
	results := make([]Result, 0, len(candidates))
	for _, cand := range candidates {
		r := Result{
			Chunk:    cand.Chunk,
			Semantic: cand.Similarity,
			Source:   "semantic",
		}
		if req.UseHybrid {
			r.Lexical = lexical[cand.Chunk.ID]
			r.Fused = e.cfg.SemanticWeight*r.Semantic + e.cfg.LexicalWeight*r.Lexical
			if r.Lexical > 0 {
				r.Source = "hybrid"
			}
		} else {
			r.Fused = r.Semantic
		}
		if r.Fused < req.ScoreThreshold {
			continue
		}
		results = append(results, r)
	}

	category := strings.ToLower(strings.TrimSpace(req.Category))
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Fused != b.Fused {
			return a.Fused > b.Fused
		}
		// Floating-point ties break deterministically: section proximity to
		// the category hint first, then chunk recency, then chunk identifier.
		am, bm := sectionMatches(a.Chunk, category), sectionMatches(b.Chunk, category)
		if am != bm {
			return am
		}
		if !a.Chunk.IngestedAt.Equal(b.Chunk.IngestedAt) {
			return a.Chunk.IngestedAt.After(b.Chunk.IngestedAt)
		}
		return a.Chunk.ID < b.Chunk.ID
	})

	if len(results) > req.TopK {
		results = results[:req.TopK]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// signals derives the summary bundle. Statistics are 0 when nothing survives
// filtering, and confident is false whenever the result count is zero.
func (e *Engine) signals(req Request, results []Result, cacheHit bool, latency time.Duration) Signals {
	s := Signals{
		Count:             len(results),
		Latency:           latency,
		CacheHit:          cacheHit,
		Attempt:           req.Attempt,
		AttemptsExhausted: req.Attempt >= req.MaxAttempts,
	}
	if len(results) > 0 {
		s.Max = results[0].Fused
		s.Min = results[len(results)-1].Fused
		var sum float64
		for _, r := range results {
			sum += r.Fused
		}
		s.Mean = sum / float64(len(results))
	}
	s.Confident = s.Count > 0 && s.Mean >= req.ConfidenceThreshold
	if !s.Confident && !s.AttemptsExhausted {
		s.FallbackHint = FallbackRelaxThreshold
	}
	return s
}

// sectionMatches reports whether the category hint appears among the chunk's
// section titles. The index already restricts candidates to the hint category
// when one is set, so proximity is judged on the section path alone.
func sectionMatches(c kb.Chunk, category string) bool {
	if category == "" {
		return false
	}
	for _, title := range c.SectionPath {
		if strings.ToLower(title) == category {
			return true
		}
	}
	return false
}
