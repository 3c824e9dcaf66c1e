// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucerne-ai/concierge/services/assistant/constraint"
	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/pipelines"
	"github.com/lucerne-ai/concierge/services/llm"
	"github.com/lucerne-ai/concierge/services/providers"
)

// PurchaseDeps are the collaborators of the purchase contract.
type PurchaseDeps struct {
	Search   *pipelines.ProductSearchPipeline
	Match    *pipelines.PreferenceMatchPipeline
	Checkout providers.Checkout
	LLM      llm.Client
}

// NewPurchaseContract assembles the guided purchase workflow: query
// normalization, product search, constraint refinement, preference
// matching, option selection, and checkout.
func NewPurchaseContract(deps PurchaseDeps) *Contract {
	parser := NewCriteriaParser(deps.LLM)
	machine := NewMachine(
		&startHandler{parser: parser},
		&searchHandler{pipeline: deps.Search},
		&refineHandler{parser: parser},
		&collectPreferencesHandler{parser: parser},
		&matchHandler{pipeline: deps.Match, parser: parser},
		&presentOptionsHandler{},
		&confirmHandler{},
		&completeOrderHandler{checkout: deps.Checkout},
	)
	return &Contract{
		ID:          "purchase",
		Description: "Guided product purchase: search, narrow down, compare, and order an item.",
		Triggers:    []string{"buy", "purchase", "order", "shop for", "looking for a"},
		Machine:     machine,
	}
}

// =============================================================================
// start
// =============================================================================

// startHandler normalizes the opening request into a product query and
// harvests any criteria stated up front.
type startHandler struct {
	parser *CriteriaParser
}

func (h *startHandler) State() datatypes.State { return datatypes.StateStart }

func (h *startHandler) Handle(ctx context.Context, sc *datatypes.SessionContext, userMessage string) (datatypes.StateTransition, error) {
	query := normalizeQuery(userMessage)
	if query == "" {
		t := datatypes.NewTransition(datatypes.StateStart, datatypes.StateStart, TriggerClarify)
		t.AssistantMessage = "What would you like to buy?"
		return t, nil
	}

	criteria := h.parser.Parse(ctx, userMessage)

	t := datatypes.NewTransition(datatypes.StateStart, datatypes.StateSearch, TriggerUserMessage)
	t.ContextPatch = &datatypes.ContextPatch{
		ProductQuery:    &query,
		HardConstraints: mergeConstraints(sc.HardConstraints, criteria.Constraints),
		SoftPreferences: criteria.Preferences,
	}
	return t, nil
}

// =============================================================================
// search
// =============================================================================

// searchHandler runs the product search pipeline and routes on the
// outcome. It also owns the refinement cap: counting attempts where the
// too_many verdict is produced keeps the cap decision and the loop it
// bounds in one place.
type searchHandler struct {
	pipeline *pipelines.ProductSearchPipeline
}

func (h *searchHandler) State() datatypes.State { return datatypes.StateSearch }

func (h *searchHandler) Handle(ctx context.Context, sc *datatypes.SessionContext, _ string) (datatypes.StateTransition, error) {
	out, err := h.pipeline.Run(ctx, sc.ProductQuery, sc.HardConstraints)
	if err != nil {
		return datatypes.StateTransition{}, fmt.Errorf("product search: %w", err)
	}

	// The store refuses to persist results that violate the constraint
	// set, so drop definite misses before they reach the patch. The
	// provider only honors price and brand filters; spec predicates are
	// enforced here.
	items, ferr := filterByConstraints(out.Items, sc.HardConstraints)
	if ferr != nil {
		items = out.Items
	}

	switch {
	case out.Status == pipelines.SearchDegraded:
		t := datatypes.NewTransition(datatypes.StateSearch, datatypes.StateSearch, TriggerDegraded)
		t.AssistantMessage = "I could not reach the product catalog just now. Please try again in a moment."
		t.ContextPatch = &datatypes.ContextPatch{Executions: []datatypes.PipelineExecution{out.Execution}}
		return t, nil

	case len(items) == 0:
		t := datatypes.NewTransition(datatypes.StateSearch, datatypes.StateNoResults, TriggerPipelineOK)
		t.AssistantMessage = fmt.Sprintf(
			"I could not find anything matching %q%s. This request is closed; start a new one to search differently.",
			sc.ProductQuery, constraintSuffix(sc.HardConstraints))
		t.ContextPatch = &datatypes.ContextPatch{
			SearchResults: []datatypes.Product{},
			Executions:    []datatypes.PipelineExecution{out.Execution},
		}
		return t, nil

	case out.Status == pipelines.SearchTooMany:
		patch := &datatypes.ContextPatch{
			SearchResults:     items,
			AttributeAnalysis: out.Analysis,
			RefinementDelta:   1,
			Executions:        []datatypes.PipelineExecution{out.Execution},
		}
		if sc.RefinementAttempts+1 >= datatypes.MaxRefinementAttempts {
			// Enough narrowing rounds; move on with what we have.
			t := datatypes.NewTransition(datatypes.StateSearch, datatypes.StateMatchPreferences, TriggerRefinementCap)
			t.AssistantMessage = fmt.Sprintf(
				"There are still a lot of matches, so I will work with the best %d I found. "+
					"Any preferences, like a brand or budget, to help me pick?", len(items))
			t.ContextPatch = patch
			return t, nil
		}
		t := datatypes.NewTransition(datatypes.StateSearch, datatypes.StateRefineConstraints, TriggerTooMany)
		t.AssistantMessage = refinementQuestion(len(items), out.Analysis)
		t.ContextPatch = patch
		return t, nil
	}

	patch := &datatypes.ContextPatch{
		SearchResults:     items,
		AttributeAnalysis: out.Analysis,
		Executions:        []datatypes.PipelineExecution{out.Execution},
	}
	if len(sc.SoftPreferences) > 0 {
		// Preferences were stated up front; match in the same turn.
		t := datatypes.NewTransition(datatypes.StateSearch, datatypes.StateMatchPreferences, TriggerPipelineOK)
		t.ContextPatch = patch
		return t, nil
	}
	t := datatypes.NewTransition(datatypes.StateSearch, datatypes.StateMatchPreferences, TriggerPipelineOK)
	t.AssistantMessage = fmt.Sprintf(
		"I found %d products for %q. Do you have any preferences, like a brand, budget, or must-have features?",
		len(items), sc.ProductQuery)
	t.ContextPatch = patch
	return t, nil
}

// refinementQuestion turns the attribute analysis into a concrete
// narrowing question. Degraded or empty analysis falls back to a
// generic one.
func refinementQuestion(count int, analysis *datatypes.AttributeAnalysis) string {
	var hints []string
	if analysis != nil {
		if pr := analysis.PriceRange; pr != nil && pr.Max > pr.Min {
			hints = append(hints, fmt.Sprintf("prices run from %.0f to %.0f %s", pr.Min, pr.Max, pr.Currency))
		}
		if len(analysis.Brands) > 1 {
			shown := analysis.Brands
			if len(shown) > 4 {
				shown = shown[:4]
			}
			hints = append(hints, "brands include "+strings.Join(shown, ", "))
		}
	}
	q := fmt.Sprintf("I found %d matches, which is too many to compare well.", count)
	if len(hints) > 0 {
		q += " " + strings.Join(hints, "; ") + "."
	}
	return q + " Could you narrow it down, for example with a price limit or a brand?"
}

// =============================================================================
// refine_constraints
// =============================================================================

// refineHandler folds the user's narrowing reply into the constraint
// set and sends the contract back to search.
type refineHandler struct {
	parser *CriteriaParser
}

func (h *refineHandler) State() datatypes.State { return datatypes.StateRefineConstraints }

func (h *refineHandler) Handle(ctx context.Context, sc *datatypes.SessionContext, userMessage string) (datatypes.StateTransition, error) {
	criteria := h.parser.Parse(ctx, userMessage)
	if len(criteria.Constraints) == 0 && len(criteria.Preferences) == 0 {
		t := datatypes.NewTransition(datatypes.StateRefineConstraints, datatypes.StateRefineConstraints, TriggerClarify)
		t.AssistantMessage = "I could not turn that into a filter. Try something like \"under 900 CHF\" or a brand name."
		return t, nil
	}

	merged := mergeConstraints(sc.HardConstraints, criteria.Constraints)

	// The result set persisted alongside a constraint change must still
	// conform to it, so re-filter what we are carrying before search
	// replaces it.
	kept, err := filterByConstraints(sc.SearchResults, merged)
	if err != nil {
		return datatypes.StateTransition{}, fmt.Errorf("refine constraints: %w", err)
	}

	t := datatypes.NewTransition(datatypes.StateRefineConstraints, datatypes.StateSearch, TriggerUserMessage)
	t.ContextPatch = &datatypes.ContextPatch{
		HardConstraints: merged,
		SoftPreferences: criteria.Preferences,
		SearchResults:   kept,
	}
	return t, nil
}

// =============================================================================
// collect_preferences
// =============================================================================

// collectPreferencesHandler gets one more chance to extract preferences
// after the match handler failed to read the first reply. Whatever the
// user says here moves the contract forward: parsed preferences, the
// raw text as a free-form preference, or nothing at all on a decline.
type collectPreferencesHandler struct {
	parser *CriteriaParser
}

func (h *collectPreferencesHandler) State() datatypes.State { return datatypes.StateCollectPreferences }

func (h *collectPreferencesHandler) Handle(ctx context.Context, sc *datatypes.SessionContext, userMessage string) (datatypes.StateTransition, error) {
	t := datatypes.NewTransition(datatypes.StateCollectPreferences, datatypes.StateMatchPreferences, TriggerUserMessage)

	criteria := h.parser.Parse(ctx, userMessage)
	if criteria.empty() {
		if declinesPreferences(userMessage) {
			return t, nil
		}
		// Unparseable but not a decline: keep the raw wish, the ranker
		// scores free text fine.
		t.ContextPatch = &datatypes.ContextPatch{
			SoftPreferences: map[string]string{"notes": strings.TrimSpace(userMessage)},
		}
		return t, nil
	}

	patch := &datatypes.ContextPatch{SoftPreferences: criteria.Preferences}
	if len(criteria.Constraints) > 0 {
		patch.HardConstraints = mergeConstraints(sc.HardConstraints, criteria.Constraints)
		kept, err := filterByConstraints(sc.SearchResults, patch.HardConstraints)
		if err != nil {
			return datatypes.StateTransition{}, fmt.Errorf("collect preferences: %w", err)
		}
		patch.SearchResults = kept
	}
	t.ContextPatch = patch
	return t, nil
}

var declineWords = []string{"no", "none", "nope", "any", "anything", "whatever", "skip", "don't care", "no preference", "no preferences"}

// declinesPreferences recognizes short replies that opt out of stating
// preferences. Long replies never count; they carry content the parser
// should have a go at first.
func declinesPreferences(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return true
	}
	if len(strings.Fields(lower)) > 4 {
		return false
	}
	for _, w := range declineWords {
		if lower == w || containsToken(lower, w) {
			return true
		}
	}
	return false
}

// =============================================================================
// match_preferences
// =============================================================================

// matchHandler runs the preference match pipeline and presents the top
// picks. Reached with a user message it first folds that message into
// the criteria; reached by an internal hop it matches with what the
// session already holds.
type matchHandler struct {
	pipeline *pipelines.PreferenceMatchPipeline
	parser   *CriteriaParser
}

func (h *matchHandler) State() datatypes.State { return datatypes.StateMatchPreferences }

func (h *matchHandler) Handle(ctx context.Context, sc *datatypes.SessionContext, userMessage string) (datatypes.StateTransition, error) {
	constraints := sc.HardConstraints
	prefs := sc.SoftPreferences
	results := sc.SearchResults
	patch := &datatypes.ContextPatch{}

	if trimmed := strings.TrimSpace(userMessage); trimmed != "" {
		criteria := h.parser.Parse(ctx, trimmed)
		if criteria.empty() {
			if declinesPreferences(trimmed) {
				// Match with whatever the session already holds.
				criteria = Criteria{}
			} else {
				// One clarification round before giving up on parsing.
				t := datatypes.NewTransition(datatypes.StateMatchPreferences, datatypes.StateCollectPreferences, TriggerClarify)
				t.AssistantMessage = "I did not catch a preference in that. Is there a brand, budget, or feature you care about? Say \"no\" to skip."
				return t, nil
			}
		}
		if len(criteria.Constraints) > 0 {
			constraints = mergeConstraints(constraints, criteria.Constraints)
			kept, err := filterByConstraints(results, constraints)
			if err != nil {
				return datatypes.StateTransition{}, fmt.Errorf("match preferences: %w", err)
			}
			results = kept
			patch.HardConstraints = constraints
			patch.SearchResults = kept
		}
		if len(criteria.Preferences) > 0 {
			merged := make(map[string]string, len(prefs)+len(criteria.Preferences))
			for k, v := range prefs {
				merged[k] = v
			}
			for k, v := range criteria.Preferences {
				merged[k] = v
			}
			prefs = merged
			patch.SoftPreferences = criteria.Preferences
		}
	}

	out, err := h.pipeline.Run(ctx, results, constraints, prefs)
	if err != nil {
		return datatypes.StateTransition{}, fmt.Errorf("preference match: %w", err)
	}
	patch.Executions = append(patch.Executions, out.Execution)

	if len(out.Ranked) == 0 {
		patch.RankedProducts = []datatypes.Product{}
		t := datatypes.NewTransition(datatypes.StateMatchPreferences, datatypes.StateMatchPreferences, TriggerPipelineOK)
		t.AssistantMessage = "Nothing satisfies all your requirements. Could you relax one of them, for example the price limit?"
		t.ContextPatch = patch
		return t, nil
	}

	patch.RankedProducts = out.Ranked
	t := datatypes.NewTransition(datatypes.StateMatchPreferences, datatypes.StatePresentOptions, TriggerPipelineOK)
	t.AssistantMessage = renderOptions(out.Ranked, out.Degraded)
	t.ContextPatch = patch
	return t, nil
}

// renderOptions formats the ranked products as a numbered list.
func renderOptions(ranked []datatypes.Product, degraded bool) string {
	var b strings.Builder
	if degraded {
		b.WriteString("Based on partial data, here is what fits best:\n")
	} else {
		b.WriteString("Here are your best matches:\n")
	}
	for i, p := range ranked {
		fmt.Fprintf(&b, "%d. %s — %.2f %s", i+1, p.Title, p.PriceAmount, p.PriceCurrency)
		if p.URL != "" {
			fmt.Fprintf(&b, " (%s)", p.URL)
		}
		b.WriteString("\n")
	}
	b.WriteString("Which one would you like? You can answer with a number or a name.")
	return b.String()
}

// =============================================================================
// present_options
// =============================================================================

// presentOptionsHandler resolves the user's pick against the ranked
// list. There is no default: an ambiguous reply is asked again, never
// auto-selected.
type presentOptionsHandler struct{}

func (h *presentOptionsHandler) State() datatypes.State { return datatypes.StatePresentOptions }

func (h *presentOptionsHandler) Handle(_ context.Context, sc *datatypes.SessionContext, userMessage string) (datatypes.StateTransition, error) {
	if parseYesNo(userMessage) == -1 {
		t := datatypes.NewTransition(datatypes.StatePresentOptions, datatypes.StateCancelled, TriggerUserDeclined)
		t.AssistantMessage = "Understood, I have cancelled this request. Nothing was ordered."
		return t, nil
	}

	idx := parseSelection(userMessage, sc.RankedProducts)
	if idx < 0 {
		t := datatypes.NewTransition(datatypes.StatePresentOptions, datatypes.StatePresentOptions, TriggerClarify)
		t.AssistantMessage = "I am not sure which one you mean. " + renderOptions(sc.RankedProducts, false)
		return t, nil
	}

	pick := sc.RankedProducts[idx]
	t := datatypes.NewTransition(datatypes.StatePresentOptions, datatypes.StateConfirmPurchase, TriggerUserMessage)
	t.AssistantMessage = fmt.Sprintf("You picked %s at %.2f %s. Shall I place the order? (yes/no)",
		pick.Title, pick.PriceAmount, pick.PriceCurrency)
	t.ContextPatch = &datatypes.ContextPatch{SelectedProductID: &pick.ID}
	return t, nil
}

// =============================================================================
// confirm_purchase
// =============================================================================

// confirmHandler is the final gate before money moves. Only an
// unambiguous yes proceeds.
type confirmHandler struct{}

func (h *confirmHandler) State() datatypes.State { return datatypes.StateConfirmPurchase }

func (h *confirmHandler) Handle(_ context.Context, _ *datatypes.SessionContext, userMessage string) (datatypes.StateTransition, error) {
	switch parseYesNo(userMessage) {
	case 1:
		return datatypes.NewTransition(datatypes.StateConfirmPurchase, datatypes.StateCompleteOrder, TriggerUserMessage), nil
	case -1:
		t := datatypes.NewTransition(datatypes.StateConfirmPurchase, datatypes.StateCancelled, TriggerUserDeclined)
		t.AssistantMessage = "No problem, I have cancelled the order. Nothing was charged."
		return t, nil
	}
	t := datatypes.NewTransition(datatypes.StateConfirmPurchase, datatypes.StateConfirmPurchase, TriggerClarify)
	t.AssistantMessage = "Just to be safe I need a clear yes or no: should I place the order?"
	return t, nil
}

// =============================================================================
// complete_order
// =============================================================================

// completeOrderHandler places the order. The idempotency key is derived
// from session and product so a retried turn can never double-charge.
type completeOrderHandler struct {
	checkout providers.Checkout
}

func (h *completeOrderHandler) State() datatypes.State { return datatypes.StateCompleteOrder }

func (h *completeOrderHandler) Handle(ctx context.Context, sc *datatypes.SessionContext, userMessage string) (datatypes.StateTransition, error) {
	// A user message only reaches this state after a failed attempt; an
	// explicit no stops the retry loop.
	if parseYesNo(userMessage) == -1 {
		t := datatypes.NewTransition(datatypes.StateCompleteOrder, datatypes.StateCancelled, TriggerUserDeclined)
		t.AssistantMessage = "Understood, I will not retry the order. Nothing was charged."
		return t, nil
	}

	pick, ok := findProduct(sc, sc.SelectedProductID)
	if !ok {
		// Selection lost between turns; send the user back to pick again.
		t := datatypes.NewTransition(datatypes.StateCompleteOrder, datatypes.StatePresentOptions, TriggerHandlerError)
		t.AssistantMessage = "I lost track of your selection. " + renderOptions(sc.RankedProducts, false)
		return t, nil
	}

	conf, err := h.checkout.PlaceOrder(ctx, providers.OrderRequest{
		ProductID:      pick.ID,
		SessionID:      sc.SessionID,
		UserID:         sc.UserID,
		Amount:         pick.PriceAmount,
		Currency:       pick.PriceCurrency,
		IdempotencyKey: sc.SessionID + ":" + pick.ID,
	})
	if err != nil {
		t := datatypes.NewTransition(datatypes.StateCompleteOrder, datatypes.StateCompleteOrder, TriggerHandlerError)
		t.AssistantMessage = "The order did not go through. Say anything to retry, or \"cancel\" to stop."
		return t, nil
	}

	t := datatypes.NewTransition(datatypes.StateCompleteOrder, datatypes.StateCompleted, TriggerCheckoutOK)
	t.AssistantMessage = fmt.Sprintf("Done! I ordered %s for %.2f %s. Your order id is %s.",
		pick.Title, pick.PriceAmount, pick.PriceCurrency, conf.OrderID)
	t.ContextPatch = &datatypes.ContextPatch{OrderID: &conf.OrderID}
	return t, nil
}

// =============================================================================
// Shared helpers
// =============================================================================

// mergeConstraints appends the additions that are new, preserving the
// order the user stated them. A nil result only happens when both
// inputs are empty, which keeps "no constraint change" patches cheap.
func mergeConstraints(existing, additions []string) []string {
	if len(additions) == 0 {
		if len(existing) == 0 {
			return nil
		}
		return append([]string(nil), existing...)
	}
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, c := range existing {
		seen[strings.ToLower(c)] = struct{}{}
	}
	for _, c := range additions {
		if _, dup := seen[strings.ToLower(c)]; dup {
			continue
		}
		seen[strings.ToLower(c)] = struct{}{}
		out = append(out, c)
	}
	return out
}

// filterByConstraints drops items that definitively fail the constraint
// set. Items missing the needed spec pass.
func filterByConstraints(items []datatypes.Product, raws []string) ([]datatypes.Product, error) {
	if len(raws) == 0 {
		out := make([]datatypes.Product, len(items))
		copy(out, items)
		return out, nil
	}
	preds, err := constraint.ParseAll(raws)
	if err != nil {
		return nil, err
	}
	kept := make([]datatypes.Product, 0, len(items))
	for _, item := range items {
		if constraint.Compatible(item, preds) {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func constraintSuffix(raws []string) string {
	if len(raws) == 0 {
		return ""
	}
	return " with " + strings.Join(raws, ", ")
}

func findProduct(sc *datatypes.SessionContext, id string) (datatypes.Product, bool) {
	if id == "" {
		return datatypes.Product{}, false
	}
	for _, p := range sc.RankedProducts {
		if p.ID == id {
			return p, true
		}
	}
	for _, p := range sc.SearchResults {
		if p.ID == id {
			return p, true
		}
	}
	return datatypes.Product{}, false
}
