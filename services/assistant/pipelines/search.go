// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipelines holds the two concrete pipelines the purchase
// contract runs: product search and preference match. Both are thin
// compositions over the pipeline runtime; the stages carry the domain
// logic and the runtime carries caching, fallback, and timing.
package pipelines

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lucerne-ai/concierge/services/assistant/constraint"
	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/pipeline"
	"github.com/lucerne-ai/concierge/services/llm"
	"github.com/lucerne-ai/concierge/services/providers"
)

// Search outcome statuses. The contract branches on these; they are not
// the same enum as pipeline execution statuses.
const (
	// SearchOK means the gate admitted the result set as-is.
	SearchOK = "ok"

	// SearchTooMany means the provider returned more than the gate
	// limit; the caller should ask the user to refine.
	SearchTooMany = "too_many"

	// SearchDegraded means the provider failed and the fallback
	// produced an empty result set.
	SearchDegraded = "degraded"
)

const (
	// GateLimit is the largest result set admitted without refinement.
	GateLimit = datatypes.MaxPersistedResults

	// analyzeCacheTTL bounds reuse of attribute analyses.
	analyzeCacheTTL = 60 * time.Minute

	// analyzeSampleSize is how many leading items feed the analyzer
	// prompt and its cache key.
	analyzeSampleSize = 10
)

// SearchOutcome is what the search state handler consumes.
type SearchOutcome struct {
	Status   string
	Items    []datatypes.Product
	Analysis *datatypes.AttributeAnalysis

	// Degraded is true when any stage ran its fallback.
	Degraded bool

	// Execution is the run record for the session's pipeline log.
	Execution datatypes.PipelineExecution
}

// ProductSearchPipeline runs search, attribute analysis, and the result
// gate.
//
// # Thread Safety
//
// Safe for concurrent use; per-run state lives on the stack.
type ProductSearchPipeline struct {
	rt       *pipeline.Runtime
	provider providers.ProductSearch
	llm      llm.Client
}

// NewProductSearch wires the pipeline.
func NewProductSearch(rt *pipeline.Runtime, provider providers.ProductSearch, client llm.Client) *ProductSearchPipeline {
	return &ProductSearchPipeline{rt: rt, provider: provider, llm: client}
}

// Run executes the pipeline for one query. The returned error is
// reserved for cancellation and stage failures with no declared
// fallback; provider outages come back as a degraded outcome instead.
func (p *ProductSearchPipeline) Run(ctx context.Context, query string, hardConstraints []string) (SearchOutcome, error) {
	ctx, run := p.rt.Begin(ctx, "product_search")

	items, err := pipeline.Execute(ctx, run, &searchStage{provider: p.provider}, searchInput{
		Query:   query,
		Filters: FiltersFromConstraints(hardConstraints),
	})
	if err != nil {
		return SearchOutcome{Execution: run.Finish(err)}, err
	}

	analyzed, err := pipeline.Execute(ctx, run, &analyzeStage{llm: p.llm}, analyzeInput{
		Query: query,
		Items: items.Items,
	})
	if err != nil {
		return SearchOutcome{Execution: run.Finish(err)}, err
	}

	gated, err := pipeline.Execute(ctx, run, &gateStage{limit: GateLimit}, gateInput{
		Items:    analyzed.Items,
		Analysis: analyzed.Analysis,
	})
	if err != nil {
		return SearchOutcome{Execution: run.Finish(err)}, err
	}

	exec := run.Finish(nil)
	status := gated.Status
	if items.Degraded {
		status = SearchDegraded
	}
	return SearchOutcome{
		Status:    status,
		Items:     gated.Items,
		Analysis:  gated.Analysis,
		Degraded:  exec.Degraded,
		Execution: exec,
	}, nil
}

// FiltersFromConstraints converts parseable hard constraints into the
// provider filter hints. Unparseable constraints are skipped; they still
// apply later in the hard filter stage.
func FiltersFromConstraints(raws []string) map[string]string {
	filters := make(map[string]string)
	for _, raw := range raws {
		pred, err := constraint.Parse(raw)
		if err != nil {
			continue
		}
		switch {
		case pred.Key == "price" && pred.IsNum && (pred.Op == constraint.OpLE || pred.Op == constraint.OpLT):
			filters["max_price"] = strconv.FormatFloat(pred.Num, 'f', -1, 64)
		case pred.Key == "price" && pred.IsNum && (pred.Op == constraint.OpGE || pred.Op == constraint.OpGT):
			filters["min_price"] = strconv.FormatFloat(pred.Num, 'f', -1, 64)
		case pred.Key == "brand" && (pred.Op == constraint.OpEQ || pred.Op == constraint.OpContains):
			filters["brand"] = pred.Value
		}
	}
	if len(filters) == 0 {
		return nil
	}
	return filters
}

// =============================================================================
// Search stage
// =============================================================================

type searchInput struct {
	Query   string
	Filters map[string]string
}

type searchOutput struct {
	Items []datatypes.Product

	// Degraded marks the empty fallback result after a provider outage.
	Degraded bool
}

type searchStage struct {
	provider providers.ProductSearch
}

func (s *searchStage) Name() string { return "search" }

func (s *searchStage) Run(ctx context.Context, in searchInput) (searchOutput, error) {
	items, err := s.provider.Search(ctx, in.Query, in.Filters, providers.ProviderResultCap)
	if err != nil {
		return searchOutput{}, fmt.Errorf("product search: %w", err)
	}
	if len(items) > providers.ProviderResultCap {
		items = items[:providers.ProviderResultCap]
	}
	return searchOutput{Items: items}, nil
}

// Fallback returns an empty, explicitly degraded result set so the
// contract can tell the user the search is unavailable rather than
// claiming nothing matched.
func (s *searchStage) Fallback(_ context.Context, _ searchInput, _ error) (searchOutput, error) {
	return searchOutput{Items: []datatypes.Product{}, Degraded: true}, nil
}

var (
	_ pipeline.Stage[searchInput, searchOutput]      = (*searchStage)(nil)
	_ pipeline.Fallbacker[searchInput, searchOutput] = (*searchStage)(nil)
)

// =============================================================================
// Attribute analysis stage
// =============================================================================

type analyzeInput struct {
	Query string
	Items []datatypes.Product
}

type analyzeOutput struct {
	Items    []datatypes.Product
	Analysis *datatypes.AttributeAnalysis
}

type analyzeStage struct {
	llm llm.Client
}

func (s *analyzeStage) Name() string { return "attribute_analyze" }

// CacheKey hashes the query together with the ids of the leading items,
// so a re-search that lands on the same head reuses the analysis.
func (s *analyzeStage) CacheKey(in analyzeInput) string {
	if len(in.Items) == 0 {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(in.Query))
	for i, item := range in.Items {
		if i >= analyzeSampleSize {
			break
		}
		h.Write([]byte{0})
		h.Write([]byte(item.ID))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *analyzeStage) CacheTTL() time.Duration { return analyzeCacheTTL }

type analyzeReply struct {
	PriceMin float64  `json:"price_min"`
	PriceMax float64  `json:"price_max"`
	Currency string   `json:"currency"`
	Brands   []string `json:"brands"`
	SpecKeys []string `json:"spec_keys"`
}

var analyzeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"price_min": map[string]any{"type": "number"},
		"price_max": map[string]any{"type": "number"},
		"currency":  map[string]any{"type": "string"},
		"brands":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"spec_keys": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "spec keys most useful for narrowing this result set",
		},
	},
	"required": []string{"price_min", "price_max", "brands", "spec_keys"},
}

func (s *analyzeStage) Run(ctx context.Context, in analyzeInput) (analyzeOutput, error) {
	if len(in.Items) == 0 {
		return analyzeOutput{Items: in.Items, Analysis: &datatypes.AttributeAnalysis{}}, nil
	}

	var reply analyzeReply
	if err := s.llm.Classify(ctx, analyzePrompt(in), analyzeSchema, &reply); err != nil {
		return analyzeOutput{}, fmt.Errorf("attribute analysis: %w", err)
	}

	analysis := &datatypes.AttributeAnalysis{
		Brands:   reply.Brands,
		SpecKeys: reply.SpecKeys,
	}
	if reply.PriceMax > 0 {
		analysis.PriceRange = &datatypes.PriceRange{
			Min:      reply.PriceMin,
			Max:      reply.PriceMax,
			Currency: reply.Currency,
		}
	}
	return analyzeOutput{Items: in.Items, Analysis: analysis}, nil
}

// Fallback passes the items through with an empty analysis; refinement
// prompts fall back to a generic question.
func (s *analyzeStage) Fallback(_ context.Context, in analyzeInput, _ error) (analyzeOutput, error) {
	return analyzeOutput{Items: in.Items, Analysis: &datatypes.AttributeAnalysis{Degraded: true}}, nil
}

func analyzePrompt(in analyzeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A product search for %q returned %d items. ", in.Query, len(in.Items))
	b.WriteString("From the sample below, report the price range, the brands present, " +
		"and the spec keys most useful for narrowing the set.\n\nSample:\n")
	for i, item := range in.Items {
		if i >= analyzeSampleSize {
			break
		}
		fmt.Fprintf(&b, "- %s | %.2f %s", item.Title, item.PriceAmount, item.PriceCurrency)
		if len(item.Specs) > 0 {
			keys := make([]string, 0, len(item.Specs))
			for k := range item.Specs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(&b, " | specs: %s", strings.Join(keys, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

var (
	_ pipeline.Stage[analyzeInput, analyzeOutput]      = (*analyzeStage)(nil)
	_ pipeline.CacheKeyer[analyzeInput]                = (*analyzeStage)(nil)
	_ pipeline.Fallbacker[analyzeInput, analyzeOutput] = (*analyzeStage)(nil)
)

// =============================================================================
// Result gate stage
// =============================================================================

type gateInput struct {
	Items    []datatypes.Product
	Analysis *datatypes.AttributeAnalysis
}

type gateOutput struct {
	Status   string
	Items    []datatypes.Product
	Analysis *datatypes.AttributeAnalysis
}

// gateStage decides ok versus too_many. Either way at most limit items
// pass through, because the session context never persists more.
type gateStage struct {
	limit int
}

func (s *gateStage) Name() string { return "result_gate" }

func (s *gateStage) Run(_ context.Context, in gateInput) (gateOutput, error) {
	out := gateOutput{Status: SearchOK, Items: in.Items, Analysis: in.Analysis}
	if len(in.Items) > s.limit {
		out.Status = SearchTooMany
		out.Items = in.Items[:s.limit]
	}
	return out, nil
}

var _ pipeline.Stage[gateInput, gateOutput] = (*gateStage)(nil)
