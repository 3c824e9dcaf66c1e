// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/pipeline"
	"github.com/lucerne-ai/concierge/services/assistant/pipelines"
	"github.com/lucerne-ai/concierge/services/llm"
	"github.com/lucerne-ai/concierge/services/providers"
)

func catalog() []datatypes.Product {
	return []datatypes.Product{
		{ID: "gpu-1", Title: "NVIDIA RTX 4070", PriceAmount: 649, PriceCurrency: "CHF",
			Specs: map[string]string{"brand": "NVIDIA", "memory_gb": "12"}},
		{ID: "gpu-2", Title: "AMD RX 7800 XT", PriceAmount: 549, PriceCurrency: "CHF",
			Specs: map[string]string{"brand": "AMD", "memory_gb": "16"}},
		{ID: "gpu-3", Title: "NVIDIA RTX 4080", PriceAmount: 1100, PriceCurrency: "CHF",
			Specs: map[string]string{"brand": "NVIDIA", "memory_gb": "16"}},
		{ID: "gpu-4", Title: "Intel Arc A770", PriceAmount: 349, PriceCurrency: "CHF",
			Specs: map[string]string{"brand": "Intel", "memory_gb": "16"}},
		{ID: "gpu-5", Title: "NVIDIA RTX 4060", PriceAmount: 329, PriceCurrency: "CHF",
			Specs: map[string]string{"brand": "NVIDIA", "memory_gb": "8"}},
	}
}

func bigCatalog(n int) []datatypes.Product {
	out := make([]datatypes.Product, n)
	for i := range out {
		out[i] = datatypes.Product{
			ID:            fmt.Sprintf("p%03d", i),
			Title:         fmt.Sprintf("Card %d", i),
			PriceAmount:   float64(300 + i*10),
			PriceCurrency: "CHF",
			Specs:         map[string]string{"brand": "NVIDIA"},
		}
	}
	return out
}

// scriptedLLM answers the three classifier call sites: criteria
// extraction returns nothing (so parsing exercises the deterministic
// extractor), ranking returns the given scores, and attribute analysis
// returns a fixed shape.
func scriptedLLM(scores map[string]float64) *llm.Fake {
	return &llm.Fake{
		ClassifyFunc: func(_ context.Context, prompt string, _ map[string]any, out any) error {
			var payload any
			switch {
			case strings.HasPrefix(prompt, "Extract purchase criteria"):
				payload = map[string]any{
					"hard_constraints": []string{},
					"soft_preferences": map[string]string{},
				}
			case strings.HasPrefix(prompt, "Score how well"):
				payload = map[string]any{"scores": scores}
			default:
				payload = map[string]any{
					"price_min": 300.0, "price_max": 1100.0, "currency": "CHF",
					"brands":    []string{"NVIDIA", "AMD", "Intel"},
					"spec_keys": []string{"memory_gb", "brand"},
				}
			}
			raw, _ := json.Marshal(payload)
			return json.Unmarshal(raw, out)
		},
	}
}

type purchaseFixture struct {
	machine  *Machine
	checkout *providers.FakeCheckout
	session  *datatypes.SessionContext
}

func newPurchaseFixture(t *testing.T, items []datatypes.Product, scores map[string]float64) *purchaseFixture {
	t.Helper()
	rt := pipeline.NewRuntime(pipeline.NewCache(64), nil)
	client := scriptedLLM(scores)
	checkout := &providers.FakeCheckout{}
	c := NewPurchaseContract(PurchaseDeps{
		Search:   pipelines.NewProductSearch(rt, &providers.FakeProductSearch{Items: items}, client),
		Match:    pipelines.NewPreferenceMatch(rt, &providers.FakeSpecProvider{}, client),
		Checkout: checkout,
		LLM:      client,
	})
	return &purchaseFixture{
		machine:  c.Machine,
		checkout: checkout,
		session:  datatypes.NewSessionContext("sess-1", "user-1"),
	}
}

// turn drives the machine through one user turn, following internal
// hops the way the orchestrator does, and returns every transition the
// turn produced.
func (f *purchaseFixture) turn(t *testing.T, msg string) []datatypes.StateTransition {
	t.Helper()
	var hops []datatypes.StateTransition
	for range 8 {
		tr := f.machine.Step(context.Background(), f.session, msg)
		tr.ContextPatch.Apply(f.session)
		f.session.State = tr.ToState
		hops = append(hops, tr)
		if !tr.Internal() {
			return hops
		}
		msg = ""
	}
	t.Fatal("turn did not settle within the hop budget")
	return nil
}

func lastMessage(hops []datatypes.StateTransition) string {
	return hops[len(hops)-1].AssistantMessage
}

func TestPurchaseHappyPath(t *testing.T) {
	f := newPurchaseFixture(t, catalog(), map[string]float64{
		"gpu-1": 0.95, "gpu-5": 0.8, "gpu-2": 0.3, "gpu-4": 0.2,
	})

	// Turn 1: the opening request hops through start into search and
	// settles in match_preferences asking for preferences.
	hops := f.turn(t, "I want to buy a graphics card")
	require.Len(t, hops, 2)
	assert.Equal(t, datatypes.StateSearch, hops[0].ToState)
	assert.Equal(t, datatypes.StateMatchPreferences, f.session.State)
	assert.Equal(t, "graphics card", f.session.ProductQuery)
	assert.Len(t, f.session.SearchResults, 5)
	assert.Contains(t, lastMessage(hops), "preferences")

	// Turn 2: criteria reply filters, ranks, and presents options.
	hops = f.turn(t, "I prefer NVIDIA, under 700 CHF")
	assert.Equal(t, datatypes.StatePresentOptions, f.session.State)
	assert.Contains(t, f.session.HardConstraints, "price <= 700 CHF")
	assert.Len(t, f.session.SearchResults, 4) // gpu-3 is over budget
	require.Len(t, f.session.RankedProducts, 3)
	assert.Equal(t, "gpu-1", f.session.RankedProducts[0].ID)
	assert.Contains(t, lastMessage(hops), "RTX 4070")

	// Turn 3: selection by ordinal.
	hops = f.turn(t, "the first one")
	assert.Equal(t, datatypes.StateConfirmPurchase, f.session.State)
	assert.Equal(t, "gpu-1", f.session.SelectedProductID)
	assert.Contains(t, lastMessage(hops), "649")

	// Turn 4: confirmation hops into complete_order and checks out.
	hops = f.turn(t, "yes")
	assert.Equal(t, datatypes.StateCompleted, f.session.State)
	assert.NotEmpty(t, f.session.OrderID)
	assert.Contains(t, lastMessage(hops), f.session.OrderID)
	require.Len(t, f.checkout.Orders, 1)
	assert.Equal(t, "sess-1:gpu-1", f.checkout.Orders[0].IdempotencyKey)
	assert.Equal(t, 649.0, f.checkout.Orders[0].Amount)

	// A terminal session accepts no further contract turns.
	hops = f.turn(t, "buy another one")
	assert.Equal(t, datatypes.StateCompleted, f.session.State)
	assert.Contains(t, lastMessage(hops), "concluded")
	assert.Len(t, f.checkout.Orders, 1)
}

func TestPurchaseUpfrontCriteriaReachOptionsInOneTurn(t *testing.T) {
	f := newPurchaseFixture(t, catalog(), map[string]float64{
		"gpu-1": 0.9, "gpu-5": 0.7, "gpu-2": 0.2, "gpu-4": 0.1,
	})

	hops := f.turn(t, "buy an NVIDIA graphics card under 700 CHF")

	// start -> search -> match_preferences -> present_options, one turn.
	require.Len(t, hops, 3)
	assert.Equal(t, datatypes.StatePresentOptions, f.session.State)
	assert.Contains(t, f.session.HardConstraints, "price <= 700 CHF")
	assert.Equal(t, "NVIDIA", f.session.SoftPreferences["brand"])
	require.NotEmpty(t, f.session.RankedProducts)
	assert.Equal(t, "gpu-1", f.session.RankedProducts[0].ID)
}

func TestPurchaseRefinementCapForcesMatching(t *testing.T) {
	f := newPurchaseFixture(t, bigCatalog(80), map[string]float64{"p000": 1})

	hops := f.turn(t, "buy a graphics card")
	assert.Equal(t, datatypes.StateRefineConstraints, f.session.State)
	assert.Equal(t, 1, f.session.RefinementAttempts)
	assert.Contains(t, lastMessage(hops), "too many")
	assert.Len(t, f.session.SearchResults, datatypes.MaxPersistedResults)

	// A refinement that barely narrows keeps the set oversized.
	f.turn(t, "under 9000 CHF")
	assert.Equal(t, datatypes.StateRefineConstraints, f.session.State)
	assert.Equal(t, 2, f.session.RefinementAttempts)

	// Third oversized round hits the cap: onward, never a fourth ask.
	hops = f.turn(t, "under 8000 CHF")
	assert.Equal(t, datatypes.StateMatchPreferences, f.session.State)
	assert.Equal(t, datatypes.MaxRefinementAttempts, f.session.RefinementAttempts)
	assert.Equal(t, TriggerRefinementCap, hops[len(hops)-1].Trigger)
	assert.Contains(t, lastMessage(hops), "preferences")
}

func TestPurchaseUnparseableRefinementAsksAgainWithoutCounting(t *testing.T) {
	f := newPurchaseFixture(t, bigCatalog(80), nil)

	f.turn(t, "buy a graphics card")
	require.Equal(t, datatypes.StateRefineConstraints, f.session.State)
	require.Equal(t, 1, f.session.RefinementAttempts)

	hops := f.turn(t, "hmm not sure really")
	assert.Equal(t, datatypes.StateRefineConstraints, f.session.State)
	// No pipeline ran, so the attempt counter holds.
	assert.Equal(t, 1, f.session.RefinementAttempts)
	assert.Contains(t, lastMessage(hops), "filter")
}

func TestPurchaseNoResultsIsTerminal(t *testing.T) {
	f := newPurchaseFixture(t, nil, nil)

	f.turn(t, "buy a left-handed hammer")
	assert.Equal(t, datatypes.StateNoResults, f.session.State)
	assert.True(t, f.session.State.Terminal())
	assert.Empty(t, f.session.SearchResults)
}

func TestPurchaseProviderOutageStaysInSearch(t *testing.T) {
	rt := pipeline.NewRuntime(nil, nil)
	client := scriptedLLM(nil)
	broken := &providers.FakeProductSearch{
		SearchFunc: func(context.Context, string, map[string]string, int) ([]datatypes.Product, error) {
			return nil, errors.New("provider unreachable")
		},
	}
	c := NewPurchaseContract(PurchaseDeps{
		Search:   pipelines.NewProductSearch(rt, broken, client),
		Match:    pipelines.NewPreferenceMatch(rt, &providers.FakeSpecProvider{}, client),
		Checkout: &providers.FakeCheckout{},
		LLM:      client,
	})
	f := &purchaseFixture{machine: c.Machine, session: datatypes.NewSessionContext("sess-2", "")}

	hops := f.turn(t, "buy a graphics card")
	assert.Equal(t, datatypes.StateSearch, f.session.State)
	assert.Equal(t, TriggerDegraded, hops[len(hops)-1].Trigger)
	assert.Contains(t, lastMessage(hops), "try again")
}

func TestPurchaseDeclinedPreferencesRankBySearchOrder(t *testing.T) {
	f := newPurchaseFixture(t, catalog(), nil)

	f.turn(t, "buy a graphics card")
	require.Equal(t, datatypes.StateMatchPreferences, f.session.State)

	f.turn(t, "no preference")
	assert.Equal(t, datatypes.StatePresentOptions, f.session.State)
	require.Len(t, f.session.RankedProducts, datatypes.MaxRankedProducts)
	// Empty preferences keep the search order.
	assert.Equal(t, "gpu-1", f.session.RankedProducts[0].ID)
	assert.Equal(t, "gpu-2", f.session.RankedProducts[1].ID)
}

func TestPurchaseUnreadablePreferenceGetsOneClarification(t *testing.T) {
	f := newPurchaseFixture(t, catalog(), map[string]float64{"gpu-1": 1})

	f.turn(t, "buy a graphics card")
	require.Equal(t, datatypes.StateMatchPreferences, f.session.State)

	hops := f.turn(t, "asdf qwerty zxcv mnbv lkjh")
	assert.Equal(t, datatypes.StateCollectPreferences, f.session.State)
	assert.Equal(t, TriggerClarify, hops[len(hops)-1].Trigger)

	// Whatever comes next moves the contract forward.
	f.turn(t, "something quiet for my living room please")
	assert.Equal(t, datatypes.StatePresentOptions, f.session.State)
	assert.Contains(t, f.session.SoftPreferences, "notes")
}

func TestPurchaseAmbiguousSelectionNeverAutoPicks(t *testing.T) {
	f := newPurchaseFixture(t, catalog(), map[string]float64{
		"gpu-1": 0.9, "gpu-2": 0.8, "gpu-4": 0.7, "gpu-5": 0.6,
	})
	f.turn(t, "buy a graphics card")
	f.turn(t, "no preference")
	require.Equal(t, datatypes.StatePresentOptions, f.session.State)

	hops := f.turn(t, "they all look great honestly")
	assert.Equal(t, datatypes.StatePresentOptions, f.session.State)
	assert.Empty(t, f.session.SelectedProductID)
	assert.Equal(t, TriggerClarify, hops[len(hops)-1].Trigger)
}

func TestPurchaseDeclineAtConfirmationCancels(t *testing.T) {
	f := newPurchaseFixture(t, catalog(), map[string]float64{"gpu-1": 1})
	f.turn(t, "buy a graphics card")
	f.turn(t, "no preference")
	f.turn(t, "the second one")
	require.Equal(t, datatypes.StateConfirmPurchase, f.session.State)
	require.Equal(t, "gpu-2", f.session.SelectedProductID)

	f.turn(t, "no, changed my mind")
	assert.Equal(t, datatypes.StateCancelled, f.session.State)
	assert.Empty(t, f.session.OrderID)
	assert.Empty(t, f.checkout.Orders)
}

func TestPurchaseAmbiguousConfirmationAsksAgain(t *testing.T) {
	f := newPurchaseFixture(t, catalog(), map[string]float64{"gpu-1": 1})
	f.turn(t, "buy a graphics card")
	f.turn(t, "no preference")
	f.turn(t, "1")
	require.Equal(t, datatypes.StateConfirmPurchase, f.session.State)

	hops := f.turn(t, "hmm maybe, what about shipping?")
	assert.Equal(t, datatypes.StateConfirmPurchase, f.session.State)
	assert.Contains(t, lastMessage(hops), "yes or no")
	assert.Empty(t, f.checkout.Orders)
}

func TestPurchaseCheckoutFailureRetriesWithSameKey(t *testing.T) {
	f := newPurchaseFixture(t, catalog(), map[string]float64{"gpu-1": 1})
	fail := true
	var keys []string
	f.checkout.PlaceFunc = func(_ context.Context, req providers.OrderRequest) (providers.OrderConfirmation, error) {
		keys = append(keys, req.IdempotencyKey)
		if fail {
			return providers.OrderConfirmation{}, errors.New("card declined")
		}
		return providers.OrderConfirmation{OrderID: "order-77", Status: "confirmed"}, nil
	}

	f.turn(t, "buy a graphics card")
	f.turn(t, "no preference")
	f.turn(t, "first")
	hops := f.turn(t, "yes")
	assert.Equal(t, datatypes.StateCompleteOrder, f.session.State)
	assert.Contains(t, lastMessage(hops), "did not go through")

	fail = false
	f.turn(t, "try again")
	assert.Equal(t, datatypes.StateCompleted, f.session.State)
	assert.Equal(t, "order-77", f.session.OrderID)

	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
}

func TestPurchaseCancelAfterCheckoutFailure(t *testing.T) {
	f := newPurchaseFixture(t, catalog(), map[string]float64{"gpu-1": 1})
	f.checkout.PlaceFunc = func(context.Context, providers.OrderRequest) (providers.OrderConfirmation, error) {
		return providers.OrderConfirmation{}, errors.New("card declined")
	}

	f.turn(t, "buy a graphics card")
	f.turn(t, "no preference")
	f.turn(t, "first")
	f.turn(t, "yes")
	require.Equal(t, datatypes.StateCompleteOrder, f.session.State)

	f.turn(t, "no, cancel it")
	assert.Equal(t, datatypes.StateCancelled, f.session.State)
	assert.Empty(t, f.session.OrderID)
}

func TestRegistryServesContractCatalog(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(&Contract{}))

	c := NewPurchaseContract(PurchaseDeps{LLM: scriptedLLM(nil)})
	require.NoError(t, r.Register(c))

	got, ok := r.Get("purchase")
	require.True(t, ok)
	assert.Same(t, c, got)

	descs := r.Contracts()
	require.Len(t, descs, 1)
	assert.Equal(t, "purchase", descs[0].ID)
	assert.NotEmpty(t, descs[0].Triggers)
}
