// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonrepair recovers structured JSON from model output. Models
// wrap JSON in markdown fences, truncate it mid-field, or leave brackets
// unbalanced; the repair sequence here handles each of those without ever
// inventing content that was not in the input.
package jsonrepair

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

// RepairError reports input that no repair step could turn into JSON.
type RepairError struct {
	Reason string
}

func (e *RepairError) Error() string {
	return fmt.Sprintf("json repair failed: %s", e.Reason)
}

// IsRepairError reports whether err is a RepairError.
func IsRepairError(err error) bool {
	var re *RepairError
	return errors.As(err, &re)
}

// =============================================================================
// Repair Sequence
// =============================================================================

// Repair returns a valid JSON document recovered from raw, trying
// progressively more aggressive steps:
//
//  1. fence stripping and a direct parse
//  2. extraction of the outermost {...} or [...] span
//  3. closing an unterminated string and rebalancing brackets
//  4. dropping a truncated trailing field, then rebalancing again
//
// The original text is never reordered or augmented beyond closing
// delimiters; step 4 only removes.
func Repair(raw string) (string, error) {
	s := StripFences(raw)
	if json.Valid([]byte(s)) {
		return s, nil
	}

	s = extractSpan(s)
	if s == "" {
		return "", &RepairError{Reason: "no JSON object or array found"}
	}
	if json.Valid([]byte(s)) {
		return s, nil
	}

	if fixed := rebalance(s); json.Valid([]byte(fixed)) {
		return fixed, nil
	}

	if cut := dropTruncatedTail(s); cut != "" {
		if fixed := rebalance(cut); json.Valid([]byte(fixed)) {
			return fixed, nil
		}
	}

	return "", &RepairError{Reason: "unrecoverable structure"}
}

// ParseObject repairs raw and unmarshals it into a generic object. Inputs
// whose top level is not a JSON object fail.
func ParseObject(raw string) (map[string]interface{}, error) {
	fixed, err := Repair(raw)
	if err != nil {
		return nil, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(fixed), &obj); err != nil {
		return nil, &RepairError{Reason: "top level is not an object"}
	}
	return obj, nil
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag, and trims whitespace. Text without fences passes through.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop a language tag like "json" on the opening fence line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractSpan cuts from the first opening brace or bracket to the end of
// the text, discarding any prose before it. Trailing prose after a
// complete document is handled by scanning for the matching closer.
func extractSpan(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	s = s[start:]

	// Walk to the matching closer of the first opener; if the document is
	// complete, everything after it is prose and gets dropped.
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	// Ran out of input mid-document; hand the remainder to rebalancing.
	return s
}

// rebalance closes an unterminated trailing string, trims a dangling comma
// or colon, and appends the closers still open at end of input.
func rebalance(s string) string {
	var stack []rune
	inString := false
	escaped := false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == r {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if inString {
		s += `"`
	}
	s = strings.TrimRight(s, " \t\n\r")
	trimmed := strings.TrimRight(s, ",:")
	if trimmed != s {
		// A key without a value cannot be closed; drop the key too.
		if strings.HasSuffix(s, ":") {
			if idx := strings.LastIndex(trimmed, ","); idx >= 0 {
				trimmed = trimmed[:idx]
			}
		}
		s = trimmed
	}

	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}

// dropTruncatedTail removes the last comma-separated element of the
// document, for inputs whose final field was cut mid-token in a way
// rebalancing cannot close. Returns "" when there is nothing to drop.
func dropTruncatedTail(s string) string {
	idx := lastTopLevelComma(s)
	if idx < 0 {
		return ""
	}
	return s[:idx]
}

// lastTopLevelComma finds the last comma that sits outside strings at any
// bracket depth, preferring the deepest trailing one.
func lastTopLevelComma(s string) int {
	inString := false
	escaped := false
	last := -1
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case ',':
			last = i
		}
	}
	return last
}

// =============================================================================
// Field Fallback
// =============================================================================

// ExtractStringFields pulls "key": "value" pairs out of text that resisted
// structural repair. It is the last resort: regex-scoped, string values
// only, first occurrence per key.
func ExtractStringFields(raw string, keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		re := regexp.MustCompile(`"` + regexp.QuoteMeta(key) + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
		m := re.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		var value string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &value); err != nil {
			value = m[1]
		}
		out[key] = value
	}
	return out
}
