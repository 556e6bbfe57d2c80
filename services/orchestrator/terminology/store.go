// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package terminology recognizes clinical vocabulary in free-text
// complaints. The strategy gate uses it to measure how much of a complaint
// is expressed in known terms and to normalize synonyms before retrieval.
package terminology

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var embeddedVocabulary []byte

// Term is one vocabulary entry. Synonyms normalize to the canonical form.
type Term struct {
	Canonical string   `yaml:"canonical"`
	Category  string   `yaml:"category"`
	Synonyms  []string `yaml:"synonyms,omitempty"`
}

type vocabularyFile struct {
	Terms []Term `yaml:"terms"`
}

// validCategories is the closed set a vocabulary file may use.
var validCategories = map[string]bool{
	"symptom":   true,
	"pulse":     true,
	"pattern":   true,
	"treatment": true,
}

// Store holds the loaded vocabulary.
//
// Like the policy engine, a store built from a file can be reloaded and
// watched; the embedded default is immutable. Lookup structures are guarded
// by a read-write mutex so reloads can swap them mid-flight.
type Store struct {
	mu         sync.RWMutex
	terms      []Term
	canonical  map[string]string // every surface form -> canonical
	surfaces   []string          // surface forms, longest first
	sourcePath string
	watcher    *fsnotify.Watcher
}

// NewStore builds a store from the vocabulary embedded in the binary.
func NewStore() (*Store, error) {
	terms, err := parseVocabulary(embeddedVocabulary)
	if err != nil {
		return nil, err
	}
	s := &Store{}
	s.install(terms)
	return s, nil
}

// NewStoreFromFile builds a store from a YAML file on disk, allowing a
// deployment to extend the embedded vocabulary.
func NewStoreFromFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary file %s: %w", path, err)
	}
	terms, err := parseVocabulary(data)
	if err != nil {
		return nil, err
	}
	s := &Store{sourcePath: path}
	s.install(terms)
	return s, nil
}

func parseVocabulary(data []byte) ([]Term, error) {
	var file vocabularyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vocabulary: %w", err)
	}
	if len(file.Terms) == 0 {
		return nil, fmt.Errorf("vocabulary contains no terms")
	}
	for _, t := range file.Terms {
		if t.Canonical == "" {
			return nil, fmt.Errorf("vocabulary term with empty canonical form")
		}
		if !validCategories[t.Category] {
			return nil, fmt.Errorf("term %q has invalid category %q", t.Canonical, t.Category)
		}
	}
	return file.Terms, nil
}

// install rebuilds the lookup structures under the write lock.
func (s *Store) install(terms []Term) {
	canonical := make(map[string]string)
	var surfaces []string
	for _, t := range terms {
		canonical[t.Canonical] = t.Canonical
		surfaces = append(surfaces, t.Canonical)
		for _, syn := range t.Synonyms {
			canonical[syn] = t.Canonical
			surfaces = append(surfaces, syn)
		}
	}
	// Longest first so 口乾舌燥 wins over 口乾 during matching.
	sort.Slice(surfaces, func(i, j int) bool {
		return len(surfaces[i]) > len(surfaces[j])
	})

	s.mu.Lock()
	s.terms = terms
	s.canonical = canonical
	s.surfaces = surfaces
	s.mu.Unlock()
}

// Reload re-reads the source file and swaps the vocabulary atomically.
func (s *Store) Reload() error {
	if s.sourcePath == "" {
		return fmt.Errorf("vocabulary was built from embedded defaults, nothing to reload")
	}
	data, err := os.ReadFile(s.sourcePath)
	if err != nil {
		return fmt.Errorf("failed to re-read vocabulary file %s: %w", s.sourcePath, err)
	}
	terms, err := parseVocabulary(data)
	if err != nil {
		return err
	}
	s.install(terms)
	slog.Info("Vocabulary reloaded", "path", s.sourcePath, "terms", len(terms))
	return nil
}

// Watch starts an fsnotify watcher on the source file and reloads on every
// write. A failed reload keeps the previous vocabulary. Call Close to stop.
func (s *Store) Watch() error {
	if s.sourcePath == "" {
		return fmt.Errorf("vocabulary was built from embedded defaults, nothing to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create vocabulary watcher: %w", err)
	}
	if err := watcher.Add(s.sourcePath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.sourcePath, err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if err := s.Reload(); err != nil {
						slog.Error("Vocabulary reload failed, keeping previous terms",
							"path", s.sourcePath, "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Vocabulary watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if one was started.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Len reports the number of vocabulary terms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.terms)
}

// Recognize returns the canonical form of every vocabulary term present in
// the text, in match order, without duplicates.
func (s *Store) Recognize(text string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var found []string
	remaining := text
	for _, surface := range s.surfaces {
		if !strings.Contains(remaining, surface) {
			continue
		}
		canon := s.canonical[surface]
		if !seen[canon] {
			seen[canon] = true
			found = append(found, canon)
		}
		// Consume matches so shorter surfaces cannot re-match inside them.
		remaining = strings.ReplaceAll(remaining, surface, "\x00")
	}
	return found
}

// Density measures the share of a complaint's substantive runes covered by
// recognized vocabulary, in [0,1]. Whitespace and punctuation do not count
// toward the denominator.
func (s *Store) Density(text string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, r := range text {
		if !unicode.IsSpace(r) && !unicode.IsPunct(r) {
			total++
		}
	}
	if total == 0 {
		return 0
	}

	covered := 0
	remaining := text
	for _, surface := range s.surfaces {
		n := strings.Count(remaining, surface)
		if n == 0 {
			continue
		}
		covered += n * len([]rune(surface))
		remaining = strings.ReplaceAll(remaining, surface, "\x00")
	}

	density := float64(covered) / float64(total)
	if density > 1 {
		density = 1
	}
	return density
}

// Normalize rewrites synonyms to their canonical forms so retrieval sees
// one consistent vocabulary. Longer synonyms are replaced first.
func (s *Store) Normalize(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, surface := range s.surfaces {
		canon := s.canonical[surface]
		if surface == canon {
			continue
		}
		text = strings.ReplaceAll(text, surface, canon)
	}
	return text
}
