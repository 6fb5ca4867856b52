// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package similarity ranks historical tickets against a new one by cosine
// similarity of their text embeddings. Results below the threshold are
// dropped unless nothing passes, and any failure degrades to the most
// recently closed tickets so callers always get some history.
package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/anant-lad/EasyMyTicket/internal/models"
)

const (
	DefaultLimit     = 20
	DefaultThreshold = 0.3
	DefaultBatchSize = 500

	// embedChunk is the number of texts sent per embeddings request.
	embedChunk = 100
	// embedParallelism bounds concurrent embeddings requests.
	embedParallelism = 4
)

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// CaseSource loads historical tickets.
type CaseSource interface {
	// Candidates returns up to limit tickets, newest first.
	Candidates(ctx context.Context, limit int) ([]models.SimilarCase, error)
	// RecentClosed returns up to limit closed tickets, newest first.
	RecentClosed(ctx context.Context, limit int) ([]models.SimilarCase, error)
}

// Cache stores embeddings keyed by text.
type Cache interface {
	GetMany(ctx context.Context, texts []string) (map[string][]float32, error)
	SetMany(ctx context.Context, vectors map[string][]float32) error
}

// Config tunes the retriever.
type Config struct {
	Limit     int
	Threshold float64
	BatchSize int
}

// Retriever finds tickets similar to a new case.
type Retriever struct {
	embedder Embedder
	source   CaseSource
	cache    Cache
	cfg      Config
}

// NewRetriever creates a retriever. cache may be nil.
func NewRetriever(embedder Embedder, source CaseSource, cache Cache, cfg Config) *Retriever {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Retriever{embedder: embedder, source: source, cache: cache, cfg: cfg}
}

// Find returns up to the configured limit of tickets similar to title and
// description, best first.
func (r *Retriever) Find(ctx context.Context, title, description string) ([]models.SimilarCase, error) {
	results, err := r.rank(ctx, title, description)
	if err == nil {
		return results, nil
	}

	slog.Warn("similarity search failed, using most recent closed tickets", "error", err)
	recent, fbErr := r.source.RecentClosed(ctx, r.cfg.Limit)
	if fbErr != nil {
		return nil, fmt.Errorf("similarity fallback: %w", fbErr)
	}
	return recent, nil
}

func (r *Retriever) rank(ctx context.Context, title, description string) ([]models.SimilarCase, error) {
	query := strings.TrimSpace(title + " " + description)
	if query == "" {
		return []models.SimilarCase{}, nil
	}

	cases, err := r.source.Candidates(ctx, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	if len(cases) == 0 {
		return []models.SimilarCase{}, nil
	}

	texts := make([]string, 0, len(cases)+1)
	texts = append(texts, query)
	for _, c := range cases {
		texts = append(texts, caseText(c))
	}

	vecs, err := r.embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	q := vecs[0]
	for i := range cases {
		cases[i].Score = Cosine(q, vecs[i+1])
	}
	return selectTop(cases, r.cfg.Limit, r.cfg.Threshold), nil
}

// selectTop sorts by score, keeps the best limit, and drops those under the
// threshold unless that would leave nothing.
func selectTop(cases []models.SimilarCase, limit int, threshold float64) []models.SimilarCase {
	sort.SliceStable(cases, func(i, j int) bool { return cases[i].Score > cases[j].Score })
	if len(cases) > limit {
		cases = cases[:limit]
	}

	passed := make([]models.SimilarCase, 0, len(cases))
	for _, c := range cases {
		if c.Score >= threshold {
			passed = append(passed, c)
		}
	}
	if len(passed) == 0 {
		return cases
	}
	return passed
}

// embed resolves vectors for texts, serving what it can from the cache and
// embedding the rest in parallel chunks.
func (r *Retriever) embed(ctx context.Context, texts []string) ([][]float32, error) {
	cached := map[string][]float32{}
	if r.cache != nil {
		got, err := r.cache.GetMany(ctx, texts)
		if err != nil {
			slog.Warn("embedding cache read failed", "error", err)
		} else {
			cached = got
		}
	}

	var missing []string
	seen := make(map[string]bool)
	for _, t := range texts {
		if _, ok := cached[t]; !ok && !seen[t] {
			seen[t] = true
			missing = append(missing, t)
		}
	}

	fresh := make([][]float32, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedParallelism)
	for start := 0; start < len(missing); start += embedChunk {
		start := start
		end := min(start+embedChunk, len(missing))
		g.Go(func() error {
			vecs, err := r.embedder.Embed(gctx, missing[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), end-start)
			}
			copy(fresh[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("embed texts: %w", err)
	}

	if len(missing) > 0 {
		add := make(map[string][]float32, len(missing))
		for i, t := range missing {
			cached[t] = fresh[i]
			add[t] = fresh[i]
		}
		if r.cache != nil {
			if err := r.cache.SetMany(ctx, add); err != nil {
				slog.Warn("embedding cache write failed", "error", err)
			}
		}
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = cached[t]
	}
	return out, nil
}

func caseText(c models.SimilarCase) string {
	return strings.TrimSpace(c.Title + " " + c.Description)
}

// Cosine returns the cosine similarity of a and b, or 0 when the vectors
// cannot be compared.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
