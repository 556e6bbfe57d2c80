// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/MeridianFOSS/services/policy_engine/enforcement"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PolicyEngine serves as the main entry point for risk classification operations.
// It holds the state of the loaded rules and provides methods to scan text against those rules.
//
// Classifiers are guarded by a read-write mutex so a file-based reload can
// swap the rule set while scans are in flight.
type PolicyEngine struct {
	mu          sync.RWMutex
	classifiers []Classification
	sourcePath  string
	watcher     *fsnotify.Watcher
}

// NewPolicyEngine initializes a new instance of the PolicyEngine from the
// policy definitions embedded in the binary via the enforcement package.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all regex patterns.
// 3. Sorts classifications by priority.
//
// Returns an error if the embedded YAML is malformed or contains invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	classifiers, err := parseClassifications(enforcement.RiskClassificationPatterns)
	if err != nil {
		return nil, err
	}
	return &PolicyEngine{classifiers: classifiers}, nil
}

// NewPolicyEngineFromFile initializes a PolicyEngine from a YAML file on
// disk, allowing a deployment to override the embedded defaults.
func NewPolicyEngineFromFile(path string) (*PolicyEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	classifiers, err := parseClassifications(data)
	if err != nil {
		return nil, err
	}
	return &PolicyEngine{classifiers: classifiers, sourcePath: path}, nil
}

// parseClassifications unmarshals, compiles, and sorts a classification file.
func parseClassifications(data []byte) ([]Classification, error) {
	var classificationFile PolicyEngineClassificationFile
	if err := yaml.Unmarshal(data, &classificationFile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}

	if err := classificationFile.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex %w", err)
	}

	classificationFile.SortByPriority()
	return classificationFile.ClassificationPatterns, nil
}

// Reload re-reads the source file and swaps the rule set atomically.
// Engines built from the embedded defaults have no source file and return
// an error.
func (e *PolicyEngine) Reload() error {
	if e.sourcePath == "" {
		return fmt.Errorf("policy engine was built from embedded defaults, nothing to reload")
	}
	data, err := os.ReadFile(e.sourcePath)
	if err != nil {
		return fmt.Errorf("failed to re-read policy file %s: %w", e.sourcePath, err)
	}
	classifiers, err := parseClassifications(data)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.classifiers = classifiers
	e.mu.Unlock()

	slog.Info("Policy engine rules reloaded", "path", e.sourcePath,
		"classifications", len(classifiers))
	return nil
}

// Watch starts an fsnotify watcher on the source file and reloads the rule
// set on every write event. A reload that fails (malformed YAML, bad regex)
// keeps the previous rule set and logs the error. Call Close to stop.
func (e *PolicyEngine) Watch() error {
	if e.sourcePath == "" {
		return fmt.Errorf("policy engine was built from embedded defaults, nothing to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watcher.Add(e.sourcePath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", e.sourcePath, err)
	}
	e.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if err := e.Reload(); err != nil {
						slog.Error("Policy reload failed, keeping previous rules",
							"path", e.sourcePath, "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Policy watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching policy file for changes", "path", e.sourcePath)
	return nil
}

// Close stops the file watcher, if one was started.
func (e *PolicyEngine) Close() error {
	if e.watcher != nil {
		return e.watcher.Close()
	}
	return nil
}

// ClassifyData performs a quick boolean check on a byte slice to determine its classification.
//
// It iterates through classifications by priority and returns the name of the *first*
// classification that matches the data. If no match is found, it returns "public".
//
// This is optimized for high-throughput categorization rather than detailed auditing.
func (e *PolicyEngine) ClassifyData(data []byte) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, classifier := range e.classifiers {
		for _, re := range classifier.CompiledPatterns {
			if re.Match(data) {
				return classifier.Name
			}
		}
	}
	return "public"
}

// FindCategory returns the risk category of the highest-priority
// classification matching the text, or false when nothing matches.
func (e *PolicyEngine) FindCategory(text string) (RiskCategory, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, classifier := range e.classifiers {
		for _, re := range classifier.CompiledPatterns {
			if re.MatchString(text) {
				return classifier.Category, true
			}
		}
	}
	return "", false
}

// ScanText performs a comprehensive audit of a string.
//
// It splits the content into lines and checks every line against every pattern in the
// engine. It captures specific details about every match found, including line numbers
// and the specific text that triggered the match.
//
// This function is intended for the security chain where detailed feedback is required.
func (e *PolicyEngine) ScanText(content string) []ScanFinding {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var findings []ScanFinding
	lines := strings.Split(content, "\n")
	for lineNum, line := range lines {
		for _, classifier := range e.classifiers {
			for _, pattern := range classifier.Patterns {
				match := pattern.compiledPattern.FindString(line)
				if match != "" {
					finding := ScanFinding{
						LineNumber:         lineNum + 1,
						MatchedContent:     strings.TrimSpace(match),
						ClassificationName: classifier.Name,
						Category:           classifier.Category,
						PatternId:          pattern.Id,
						PatternDescription: pattern.Description,
						Confidence:         pattern.Confidence,
					}
					findings = append(findings, finding)
				}
			}
		}
	}
	return findings
}

// Mask replaces every match of the given category's patterns with the
// replacement string. It returns the rewritten text and the sorted, unique
// ids of the patterns that fired. The replacement must not itself match any
// pattern, or masking stops being idempotent; callers use a fixed literal.
func (e *PolicyEngine) Mask(content string, category RiskCategory, replacement string) (string, []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var fired []string
	for _, classifier := range e.classifiers {
		if classifier.Category != category {
			continue
		}
		for _, pattern := range classifier.Patterns {
			if !pattern.compiledPattern.MatchString(content) {
				continue
			}
			content = pattern.compiledPattern.ReplaceAllString(content, replacement)
			fired = append(fired, pattern.Id)
		}
	}
	sort.Strings(fired)
	return content, fired
}

// ScanCategories restricts a scan to the given categories. Used by callers
// that own one slice of the taxonomy (e.g. the output validator scans for
// disclosure and insecure-output patterns only).
func (e *PolicyEngine) ScanCategories(content string, categories ...RiskCategory) []ScanFinding {
	wanted := make(map[RiskCategory]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}

	var findings []ScanFinding
	for _, f := range e.ScanText(content) {
		if wanted[f.Category] {
			findings = append(findings, f)
		}
	}
	return findings
}
