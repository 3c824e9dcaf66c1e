// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redact

import "strings"

// Checksum verifiers for the structured PII types. A failed check does
// not drop the detection, it lowers the entity confidence: a number
// that looks like a card is still worth redacting even when its Luhn
// digit is off.

func digitsOf(s string) []int {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	return digits
}

// luhnValid checks the Luhn algorithm over every digit in s, ignoring
// separators.
func luhnValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ibanValid checks the ISO 13616 mod-97 rule: move the first four
// characters to the end, map letters to 10..35, the resulting number
// mod 97 must be 1. Works digit-by-digit to avoid big integers.
func ibanValid(s string) bool {
	compact := strings.ToUpper(strings.Join(strings.Fields(s), ""))
	if len(compact) < 5 {
		return false
	}
	rearranged := compact[4:] + compact[:4]
	rem := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			v := int(r-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return false
		}
	}
	return rem == 1
}

// ahvValid checks the EAN-13 check digit of a Swiss social insurance
// number (756.xxxx.xxxx.xx). Weights alternate 1 and 3 over the first
// twelve digits; the thirteenth is the check digit.
func ahvValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) != 13 {
		return false
	}
	sum := 0
	for i := 0; i < 12; i++ {
		w := 1
		if i%2 == 1 {
			w = 3
		}
		sum += digits[i] * w
	}
	check := (10 - sum%10) % 10
	return digits[12] == check
}
