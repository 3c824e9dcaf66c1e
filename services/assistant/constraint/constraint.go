// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package constraint parses and evaluates hard-constraint predicate
// strings against products. It is the single evaluation semantics for
// the pipeline filter stage and the session store's result check, so
// the two can never disagree on what "satisfies" means.
//
// Predicate grammar, one predicate per string:
//
//	<key> <op> <value>
//
// where op is one of <, <=, >, >=, =, contains. The key "price"
// addresses the product price; any other key addresses a spec. The
// value may carry a trailing currency code ("900 CHF") which is
// compared case-insensitively when the product declares one.
//
// Evaluation is three-valued. A product fails a predicate only when
// the predicate definitively fails; a missing or unparseable spec
// yields Unknown and the product passes conservatively ("do not
// exclude for missing data").
package constraint

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// Op is a comparison operator.
type Op string

const (
	OpLT       Op = "<"
	OpLE       Op = "<="
	OpGT       Op = ">"
	OpGE       Op = ">="
	OpEQ       Op = "="
	OpContains Op = "contains"
)

// Verdict is the three-valued evaluation result.
type Verdict int

const (
	// Unknown means the product does not carry enough data to decide.
	Unknown Verdict = iota
	// Pass means the predicate definitively holds.
	Pass
	// Fail means the predicate definitively does not hold.
	Fail
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// predicatePattern captures "<key> <op> <value>". The operator
// alternatives are ordered so "<=" wins over "<".
var predicatePattern = regexp.MustCompile(
	`^\s*([A-Za-z0-9_. -]+?)\s*(<=|>=|<|>|=|contains)\s*(.+?)\s*$`)

// numberPattern extracts a leading decimal number and an optional
// trailing currency or unit token ("900 CHF", "12GB", "12 GB").
var numberPattern = regexp.MustCompile(
	`^([0-9]+(?:[.,][0-9]+)?)\s*([A-Za-z]{1,6})?$`)

// Predicate is one parsed hard constraint.
type Predicate struct {
	// Raw is the original string, kept for messages and audit.
	Raw string

	// Key is normalized: lowercased, inner spaces collapsed to
	// underscores ("Memory GB" -> "memory_gb").
	Key string

	Op Op

	// Value is the normalized comparison value (currency/unit token
	// stripped when numeric).
	Value string

	// Num and IsNum are set when Value parses as a number.
	Num   float64
	IsNum bool

	// Currency is the trailing token for price predicates ("CHF").
	// Empty means any currency matches.
	Currency string
}

// Parse parses one predicate string.
func Parse(raw string) (Predicate, error) {
	m := predicatePattern.FindStringSubmatch(raw)
	if m == nil {
		return Predicate{}, fmt.Errorf("unparseable constraint %q (want \"key op value\")", raw)
	}
	p := Predicate{
		Raw:   raw,
		Key:   normalizeKey(m[1]),
		Op:    Op(m[2]),
		Value: strings.TrimSpace(m[3]),
	}
	if num := numberPattern.FindStringSubmatch(p.Value); num != nil {
		n, err := strconv.ParseFloat(strings.ReplaceAll(num[1], ",", "."), 64)
		if err == nil {
			p.Num = n
			p.IsNum = true
			p.Value = num[1]
			if p.Key == "price" {
				p.Currency = strings.ToUpper(num[2])
			} else if num[2] != "" {
				// Unit tokens like "GB" are informational; the spec
				// values are stored unitless under normalized keys.
				p.Value = num[1]
			}
		}
	}
	if p.Op == OpContains && p.IsNum {
		// "contains 12" still compares as substring.
		p.IsNum = false
	}
	return p, nil
}

// ParseAll parses a constraint list, collecting every error.
func ParseAll(raws []string) ([]Predicate, error) {
	preds := make([]Predicate, 0, len(raws))
	var bad []string
	for _, raw := range raws {
		p, err := Parse(raw)
		if err != nil {
			bad = append(bad, raw)
			continue
		}
		preds = append(preds, p)
	}
	if len(bad) > 0 {
		return preds, fmt.Errorf("invalid constraints: %v", bad)
	}
	return preds, nil
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.Join(strings.Fields(key), "_")
}

// Eval evaluates the predicate against one product.
func (p Predicate) Eval(item datatypes.Product) Verdict {
	if p.Key == "price" {
		return p.evalPrice(item)
	}
	spec, ok := lookupSpec(item.Specs, p.Key)
	if !ok {
		return Unknown
	}
	return p.evalValue(spec)
}

func (p Predicate) evalPrice(item datatypes.Product) Verdict {
	if item.PriceAmount <= 0 {
		return Unknown
	}
	if p.Currency != "" && item.PriceCurrency != "" &&
		!strings.EqualFold(p.Currency, item.PriceCurrency) {
		// Cross-currency comparison would need a rate table; treat as
		// missing data rather than excluding the item.
		return Unknown
	}
	if !p.IsNum {
		return Unknown
	}
	return compareNum(item.PriceAmount, p.Op, p.Num)
}

func (p Predicate) evalValue(spec string) Verdict {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Unknown
	}
	switch p.Op {
	case OpContains:
		if strings.Contains(strings.ToLower(spec), strings.ToLower(p.Value)) {
			return Pass
		}
		return Fail
	case OpEQ:
		if p.IsNum {
			if n, ok := specNumber(spec); ok {
				return compareNum(n, OpEQ, p.Num)
			}
			return Unknown
		}
		if strings.EqualFold(spec, p.Value) {
			return Pass
		}
		return Fail
	default:
		if !p.IsNum {
			return Unknown
		}
		n, ok := specNumber(spec)
		if !ok {
			return Unknown
		}
		return compareNum(n, p.Op, p.Num)
	}
}

func compareNum(have float64, op Op, want float64) Verdict {
	var ok bool
	switch op {
	case OpLT:
		ok = have < want
	case OpLE:
		ok = have <= want
	case OpGT:
		ok = have > want
	case OpGE:
		ok = have >= want
	case OpEQ:
		ok = have == want
	default:
		return Unknown
	}
	if ok {
		return Pass
	}
	return Fail
}

// specNumber pulls the leading number out of a spec value ("12GB",
// "12 GB", "649.00").
func specNumber(spec string) (float64, bool) {
	m := numberPattern.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// lookupSpec finds a spec by normalized key, tolerating stores that
// kept the raw key shape.
func lookupSpec(specs map[string]string, key string) (string, bool) {
	if specs == nil {
		return "", false
	}
	if v, ok := specs[key]; ok {
		return v, true
	}
	for k, v := range specs {
		if normalizeKey(k) == key {
			return v, true
		}
	}
	return "", false
}

// Compatible reports whether the item survives every predicate: no
// definitive Fail, Unknown passes.
func Compatible(item datatypes.Product, preds []Predicate) bool {
	for _, p := range preds {
		if p.Eval(item) == Fail {
			return false
		}
	}
	return true
}

// VerifyResults checks that every product satisfies every constraint
// under filter-stage semantics. Used by the session store before
// persisting search_results. Unparseable constraints are skipped here;
// the pipeline already rejected them at the gate.
func VerifyResults(items []datatypes.Product, raws []string) error {
	if len(raws) == 0 || len(items) == 0 {
		return nil
	}
	preds, _ := ParseAll(raws)
	for _, item := range items {
		for _, p := range preds {
			if p.Eval(item) == Fail {
				return fmt.Errorf("product %s violates constraint %q", item.ID, p.Raw)
			}
		}
	}
	return nil
}
