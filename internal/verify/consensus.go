// Package verify re-checks boarding events server-side: a multi-model
// consensus over each confirmation crop, a majority fold across crops,
// and an orchestrator that persists the verdict and audit trail.
package verify

import (
	"context"
	"log/slog"
	"sort"

	"github.com/saferide/backend/internal/ensemble"
	"github.com/saferide/backend/internal/registry"
	"github.com/saferide/backend/internal/store"
)

// Params tune the consensus procedure.
type Params struct {
	MinConsensus     int
	CascadeModel     string
	CascadeThreshold float64
	AmbiguityGap     float64
	ConfigVersion    string
}

// ScoreEntry is one student's best score under one model.
type ScoreEntry struct {
	Student string  `json:"student"`
	Score   float64 `json:"score"`
}

// ModelResult is the audit record of one model's run on one crop.
type ModelResult struct {
	Model     string       `json:"model"`
	Student   string       `json:"student,omitempty"` // empty = no candidate met the threshold
	Score     float64      `json:"score"`
	Top5      []ScoreEntry `json:"top_5_scores"`
	Gap       float64      `json:"top_k_gap"`
	Ambiguous bool         `json:"ambiguous"`
	Error     string       `json:"error,omitempty"`
}

// Result is the consensus verdict for a single crop.
type Result struct {
	Student         string        `json:"student,omitempty"`
	ConfidenceScore float64       `json:"confidence_score"`
	ConfidenceLevel string        `json:"confidence_level"`
	ConsensusCount  int           `json:"consensus_count"`
	ModelResults    []ModelResult `json:"model_results"`
	Status          string        `json:"status"`
	ConfigVersion   string        `json:"config_version"`
}

// Engine runs the cascading multi-model vote on one crop.
type Engine struct {
	models []ensemble.Model
	params Params
	logger *slog.Logger
}

func NewEngine(models []ensemble.Model, params Params, logger *slog.Logger) *Engine {
	if params.MinConsensus <= 0 {
		params.MinConsensus = 2
	}
	return &Engine{models: models, params: params, logger: logger.With("component", "consensus")}
}

// Run scores one crop against the population. If the designated fast
// model answers confidently and unambiguously, its verdict is accepted
// without running the rest of the ensemble.
func (e *Engine) Run(ctx context.Context, img ensemble.Image, pop registry.Population) Result {
	var results []ModelResult
	fastDone := false

	if fast, ok := e.findModel(e.params.CascadeModel); ok {
		fr := e.runModel(ctx, fast, img, pop)
		results = append(results, fr)
		fastDone = true
		// Threshold comparison is inclusive: a score of exactly the
		// cascade threshold is accepted.
		if fr.Error == "" && fr.Student != "" && fr.Score >= e.params.CascadeThreshold && !fr.Ambiguous {
			return Result{
				Student:         fr.Student,
				ConfidenceScore: fr.Score,
				ConfidenceLevel: store.ConfidenceHigh,
				ConsensusCount:  1,
				ModelResults:    results,
				Status:          store.VerificationVerified,
				ConfigVersion:   e.params.ConfigVersion,
			}
		}
	}

	for _, m := range e.models {
		if fastDone && m.Adapter.Name() == e.params.CascadeModel {
			continue
		}
		results = append(results, e.runModel(ctx, m, img, pop))
	}

	return e.tally(results)
}

func (e *Engine) findModel(name string) (ensemble.Model, bool) {
	for _, m := range e.models {
		if m.Adapter.Name() == name {
			return m, true
		}
	}
	return ensemble.Model{}, false
}

// runModel embeds the crop and scores every student as the max cosine
// similarity over that student's references for this model.
func (e *Engine) runModel(ctx context.Context, m ensemble.Model, img ensemble.Image, pop registry.Population) ModelResult {
	name := m.Adapter.Name()
	res := ModelResult{Model: name}

	query, err := m.Adapter.Embed(ctx, img)
	if err != nil {
		e.logger.Warn("model inference failed", "model", name, "error", err)
		res.Error = err.Error()
		return res
	}

	var entries []ScoreEntry
	for student, refs := range pop.ForModel(name) {
		best := -1.0
		for _, r := range refs {
			if s := ensemble.Cosine(query, r.Vector); s > best {
				best = s
			}
		}
		if best >= 0 {
			entries = append(entries, ScoreEntry{Student: student, Score: best})
		}
	}
	// Stable ordering: score descending, then student id.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Student < entries[j].Student
	})

	if len(entries) >= 2 {
		res.Gap = entries[0].Score - entries[1].Score
	}
	// Strictly less than: a gap of exactly the configured margin is NOT
	// ambiguous.
	res.Ambiguous = len(entries) >= 2 && res.Gap < e.params.AmbiguityGap

	if len(entries) > 5 {
		res.Top5 = entries[:5]
	} else {
		res.Top5 = entries
	}

	// The vote is the best-scoring student among those meeting the
	// model's threshold.
	for _, entry := range entries {
		if entry.Score >= m.Threshold {
			res.Student = entry.Student
			res.Score = entry.Score
			break
		}
	}
	if res.Student == "" && len(entries) > 0 {
		res.Score = entries[0].Score
	}
	return res
}

// tally folds per-model results into the ensemble verdict.
func (e *Engine) tally(results []ModelResult) Result {
	out := Result{
		ModelResults:    results,
		ConfidenceLevel: store.ConfidenceLow,
		Status:          store.VerificationFailed,
		ConfigVersion:   e.params.ConfigVersion,
	}

	votes := map[string]int{}
	total := 0
	hasAmbiguous := false
	for _, r := range results {
		if r.Error != "" {
			continue // failed adapters neither vote nor count
		}
		total++
		if r.Ambiguous {
			hasAmbiguous = true
		}
		if r.Student != "" {
			votes[r.Student]++
		}
	}

	if len(votes) == 0 {
		return out
	}

	// Most votes wins; ties break to the lexicographically smallest id
	// so reruns are stable.
	winner := ""
	for student, n := range votes {
		if winner == "" || n > votes[winner] || (n == votes[winner] && student < winner) {
			winner = student
		}
	}
	count := votes[winner]

	best := 0.0
	for _, r := range results {
		if r.Error == "" && r.Student == winner && r.Score > best {
			best = r.Score
		}
	}

	out.Student = winner
	out.ConfidenceScore = best
	out.ConsensusCount = count

	switch {
	case count == total && !hasAmbiguous:
		out.ConfidenceLevel = store.ConfidenceHigh
		out.Status = store.VerificationVerified
	case count >= e.params.MinConsensus && !hasAmbiguous:
		out.ConfidenceLevel = store.ConfidenceMedium
		out.Status = store.VerificationVerified
	case count >= e.params.MinConsensus && hasAmbiguous:
		out.ConfidenceLevel = store.ConfidenceMedium
		out.Status = store.VerificationFlagged
	default:
		out.ConfidenceLevel = store.ConfidenceLow
		out.Status = store.VerificationFlagged
	}
	return out
}
