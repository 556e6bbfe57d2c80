// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
)

// Section headers, always rendered in this order. A missing body renders
// as a placeholder line rather than dropping the section, so clients can
// parse responses positionally.
const (
	headerPattern   = "【證型判斷】"
	headerAnalysis  = "【病機分析】"
	headerTreatment = "【治則建議】"
	headerNote      = "【參考說明】"
)

const emptySectionBody = "（本輪資料不足，未能提供）"

// RenderDialog formats a reviewed synthesis into the client-facing dialog
// text. The caller passes the reviewer's safe copy and disclaimer; output
// still goes through the output validator before leaving the service.
func RenderDialog(result *datatypes.SynthesisResult, disclaimer string) string {
	var b strings.Builder

	writeSection(&b, headerPattern, patternLine(result))
	writeSection(&b, headerAnalysis, result.Analysis)
	writeSection(&b, headerTreatment, result.Treatment)
	if note := strings.TrimSpace(result.ConflictNote); note != "" {
		writeSection(&b, headerNote, note)
	}

	if disclaimer != "" {
		b.WriteString("\n")
		b.WriteString(disclaimer)
		b.WriteString("\n")
	}
	return b.String()
}

func writeSection(b *strings.Builder, header, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		body = emptySectionBody
	}
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n\n")
}

// patternLine renders the pattern with its confidence when one was
// reported. An undetermined pattern is stated as such, in the client's
// language, not as a bare internal label.
func patternLine(result *datatypes.SynthesisResult) string {
	if result.Pattern == UndeterminedPattern {
		return "證型暫未能判定，需要更多資訊。"
	}
	if result.Confidence > 0 {
		return fmt.Sprintf("%s（信心度 %.0f%%）", result.Pattern, result.Confidence*100)
	}
	return result.Pattern
}

// FlattenPayload renders an arbitrary decoded JSON object as display text.
// A content or message field wins outright; otherwise fields render as
// sorted key-value lines so the output is deterministic.
func FlattenPayload(payload map[string]interface{}) string {
	for _, key := range []string{"content", "message"} {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, payload[k]))
	}
	return strings.Join(lines, "\n")
}
