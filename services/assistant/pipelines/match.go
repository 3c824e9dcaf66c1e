// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipelines

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucerne-ai/concierge/services/assistant/constraint"
	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/pipeline"
	"github.com/lucerne-ai/concierge/services/llm"
	"github.com/lucerne-ai/concierge/services/providers"
)

const (
	// TopK is how many ranked products leave the pipeline.
	TopK = datatypes.MaxRankedProducts

	// scrapeConcurrency bounds the spec enrichment fan-out.
	scrapeConcurrency = 4

	// scrapeItemTimeout bounds one spec fetch. Enrichment is
	// best-effort; a slow scrape loses its specs, not the turn.
	scrapeItemTimeout = 3 * time.Second
)

// MatchOutcome is what the match_preferences state handler consumes.
type MatchOutcome struct {
	// Ranked holds at most TopK products, best first.
	Ranked []datatypes.Product

	// Degraded is true when any stage ran its fallback.
	Degraded bool

	// Execution is the run record for the session's pipeline log.
	Execution datatypes.PipelineExecution
}

// PreferenceMatchPipeline enriches, filters, and ranks a result set.
//
// # Thread Safety
//
// Safe for concurrent use.
type PreferenceMatchPipeline struct {
	rt    *pipeline.Runtime
	specs providers.SpecProvider
	llm   llm.Client
}

// NewPreferenceMatch wires the pipeline.
func NewPreferenceMatch(rt *pipeline.Runtime, specs providers.SpecProvider, client llm.Client) *PreferenceMatchPipeline {
	return &PreferenceMatchPipeline{rt: rt, specs: specs, llm: client}
}

// Run executes the pipeline over the session's current result set.
func (p *PreferenceMatchPipeline) Run(ctx context.Context, items []datatypes.Product,
	hardConstraints []string, softPreferences map[string]string) (MatchOutcome, error) {

	ctx, run := p.rt.Begin(ctx, "preference_match")

	enriched, err := pipeline.Execute(ctx, run, &scrapeStage{specs: p.specs}, scrapeInput{Items: items})
	if err != nil {
		return MatchOutcome{Execution: run.Finish(err)}, err
	}

	compatible, err := pipeline.Execute(ctx, run, &filterStage{}, filterInput{
		Items:       enriched.Items,
		Constraints: hardConstraints,
	})
	if err != nil {
		return MatchOutcome{Execution: run.Finish(err)}, err
	}

	ranked, err := pipeline.Execute(ctx, run, &rankStage{llm: p.llm}, rankInput{
		Items:       compatible.Items,
		Preferences: softPreferences,
	})
	if err != nil {
		return MatchOutcome{Execution: run.Finish(err)}, err
	}

	exec := run.Finish(nil)
	top := ranked.Items
	if len(top) > TopK {
		top = top[:TopK]
	}
	return MatchOutcome{Ranked: top, Degraded: exec.Degraded, Execution: exec}, nil
}

// =============================================================================
// Spec scrape stage
// =============================================================================

type scrapeInput struct {
	Items []datatypes.Product
}

type scrapeOutput struct {
	Items []datatypes.Product
}

// scrapeStage fills in missing specs from the spec provider. Items that
// already carry specs are merged, scraped values winning only for keys
// the item lacks. Fetch failures leave the item as-is.
type scrapeStage struct {
	specs providers.SpecProvider
}

func (s *scrapeStage) Name() string { return "spec_scrape" }

func (s *scrapeStage) Run(ctx context.Context, in scrapeInput) (scrapeOutput, error) {
	out := make([]datatypes.Product, len(in.Items))
	copy(out, in.Items)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scrapeConcurrency)
	for i := range out {
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(gctx, scrapeItemTimeout)
			defer cancel()

			specs, err := s.specs.FetchSpecs(itemCtx, out[i].ID)
			if err != nil || len(specs) == 0 {
				return nil
			}
			merged := make(map[string]string, len(specs)+len(out[i].Specs))
			for k, v := range specs {
				merged[k] = v
			}
			for k, v := range out[i].Specs {
				merged[k] = v
			}
			out[i].Specs = merged
			return nil
		})
	}
	// Workers only ever return nil; Wait is for completion, not errors.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// Partial enrichment is acceptable, an aborted pipeline is not:
		// surface the cancellation and let the fallback pass items on.
		return scrapeOutput{}, err
	}
	return scrapeOutput{Items: out}, nil
}

// Fallback passes the items through unenriched; the filter stage treats
// missing specs conservatively.
func (s *scrapeStage) Fallback(_ context.Context, in scrapeInput, _ error) (scrapeOutput, error) {
	return scrapeOutput{Items: in.Items}, nil
}

var (
	_ pipeline.Stage[scrapeInput, scrapeOutput]      = (*scrapeStage)(nil)
	_ pipeline.Fallbacker[scrapeInput, scrapeOutput] = (*scrapeStage)(nil)
)

// =============================================================================
// Hard filter stage
// =============================================================================

type filterInput struct {
	Items       []datatypes.Product
	Constraints []string
}

type filterOutput struct {
	Items []datatypes.Product
}

// filterStage drops items that definitively fail a hard constraint. An
// item missing the spec a predicate needs passes: absence of data never
// excludes.
type filterStage struct{}

func (s *filterStage) Name() string { return "hard_filter" }

func (s *filterStage) Run(_ context.Context, in filterInput) (filterOutput, error) {
	preds, err := constraint.ParseAll(in.Constraints)
	if err != nil {
		return filterOutput{}, fmt.Errorf("hard filter: %w", err)
	}

	kept := make([]datatypes.Product, 0, len(in.Items))
	for _, item := range in.Items {
		if constraint.Compatible(item, preds) {
			kept = append(kept, item)
		}
	}
	return filterOutput{Items: kept}, nil
}

// Fallback passes everything through when the constraint set cannot be
// parsed; better to over-present than to silently drop on bad input.
func (s *filterStage) Fallback(_ context.Context, in filterInput, _ error) (filterOutput, error) {
	return filterOutput{Items: in.Items}, nil
}

var (
	_ pipeline.Stage[filterInput, filterOutput]      = (*filterStage)(nil)
	_ pipeline.Fallbacker[filterInput, filterOutput] = (*filterStage)(nil)
)

// =============================================================================
// Soft rank stage
// =============================================================================

type rankInput struct {
	Items       []datatypes.Product
	Preferences map[string]string
}

type rankOutput struct {
	Items []datatypes.Product
}

// rankStage scores each item against the soft preferences with the
// model; the fallback scores heuristically. Both paths clamp to [0,1],
// sort stably descending, and break ties by original search order.
type rankStage struct {
	llm llm.Client
}

func (s *rankStage) Name() string { return "soft_rank" }

type rankReply struct {
	Scores map[string]float64 `json:"scores"`
}

var rankSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"scores": map[string]any{
			"type":        "object",
			"description": "product id to preference-match score in [0,1]",
			"additionalProperties": map[string]any{
				"type": "number", "minimum": 0, "maximum": 1,
			},
		},
	},
	"required": []string{"scores"},
}

func (s *rankStage) Run(ctx context.Context, in rankInput) (rankOutput, error) {
	if len(in.Items) == 0 {
		return rankOutput{Items: []datatypes.Product{}}, nil
	}
	if len(in.Preferences) == 0 {
		// Nothing to score against; search order is the ranking.
		return rankOutput{Items: in.Items}, nil
	}

	var reply rankReply
	if err := s.llm.Classify(ctx, rankPrompt(in), rankSchema, &reply); err != nil {
		return rankOutput{}, fmt.Errorf("soft rank: %w", err)
	}
	return rankOutput{Items: applyScores(in.Items, func(p datatypes.Product) float64 {
		return clamp01(reply.Scores[p.ID])
	})}, nil
}

// Fallback ranks with the deterministic heuristic.
func (s *rankStage) Fallback(_ context.Context, in rankInput, _ error) (rankOutput, error) {
	return rankOutput{Items: applyScores(in.Items, func(p datatypes.Product) float64 {
		return heuristicScore(p, in.Preferences)
	})}, nil
}

func rankPrompt(in rankInput) string {
	var b strings.Builder
	b.WriteString("Score how well each product matches the user's preferences. " +
		"Return a score in [0,1] per product id; unmentioned aspects are neutral.\n\nPreferences:\n")
	keys := make([]string, 0, len(in.Preferences))
	for k := range in.Preferences {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, in.Preferences[k])
	}
	b.WriteString("\nProducts:\n")
	for _, item := range in.Items {
		fmt.Fprintf(&b, "- id=%s %s | %.2f %s", item.ID, item.Title, item.PriceAmount, item.PriceCurrency)
		if len(item.Specs) > 0 {
			specKeys := make([]string, 0, len(item.Specs))
			for k := range item.Specs {
				specKeys = append(specKeys, k)
			}
			sort.Strings(specKeys)
			for _, k := range specKeys {
				fmt.Fprintf(&b, " | %s=%s", k, item.Specs[k])
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// heuristicScore is the share of preferences an item visibly satisfies:
// the preference value appearing in the matching spec, any spec value,
// or the title counts as a hit.
func heuristicScore(p datatypes.Product, prefs map[string]string) float64 {
	if len(prefs) == 0 {
		return 0
	}
	hits := 0
	for key, want := range prefs {
		wantLower := strings.ToLower(want)
		if spec, ok := p.Specs[strings.ToLower(key)]; ok {
			if strings.Contains(strings.ToLower(spec), wantLower) {
				hits++
			}
			continue
		}
		matched := strings.Contains(strings.ToLower(p.Title), wantLower)
		for _, v := range p.Specs {
			if matched {
				break
			}
			matched = strings.Contains(strings.ToLower(v), wantLower)
		}
		if matched {
			hits++
		}
	}
	return float64(hits) / float64(len(prefs))
}

// applyScores copies the items, assigns scores, and sorts stably by
// score descending. The incoming order is the search order, so the
// stable sort is the tie-break.
func applyScores(items []datatypes.Product, score func(datatypes.Product) float64) []datatypes.Product {
	out := make([]datatypes.Product, len(items))
	copy(out, items)
	for i := range out {
		out[i].Score = score(out[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var (
	_ pipeline.Stage[rankInput, rankOutput]      = (*rankStage)(nil)
	_ pipeline.Fallbacker[rankInput, rankOutput] = (*rankStage)(nil)
)
