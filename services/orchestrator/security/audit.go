// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/MeridianFOSS/services/policy_engine"
)

// =============================================================================
// Audit Events
// =============================================================================

// Event kinds recorded by the security chain.
const (
	EventRateLimited      = "rate_limited"
	EventInputBlocked     = "input_blocked"
	EventInputSuspicious  = "input_suspicious"
	EventOutputReplaced   = "output_replaced"
	EventReviewRejected   = "review_rejected"
	EventSessionSuspended = "session_suspended"
)

// Event is one security incident. Detail is free text but must never
// contain the offending input itself, only pattern ids and metadata.
// Category places the incident in the closed risk taxonomy. CallerID is
// masked before the event is persisted.
type Event struct {
	ID        string                    `json:"id"`
	Timestamp time.Time                 `json:"timestamp"`
	Kind      string                    `json:"kind"`
	Category  policy_engine.RiskCategory `json:"category,omitempty"`
	CallerID  string                    `json:"caller_id,omitempty"`
	SessionID string                    `json:"session_id,omitempty"`
	Patterns  []string                  `json:"patterns,omitempty"`
	Detail    string                    `json:"detail,omitempty"`
}

// maskedCallerPrefix marks caller ids that have already been masked, so a
// re-recorded event is not hashed twice.
const maskedCallerPrefix = "caller-"

// MaskCallerID reduces a caller identity (usually a client IP) to a short
// stable digest. The audit trail can still correlate a caller across
// events without storing the address itself.
func MaskCallerID(id string) string {
	if id == "" || strings.HasPrefix(id, maskedCallerPrefix) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return maskedCallerPrefix + hex.EncodeToString(sum[:6])
}

// =============================================================================
// Audit Store
// =============================================================================

// auditRetention is how long events are kept before Badger expires them.
const auditRetention = 7 * 24 * time.Hour

const auditKeyPrefix = "evt:"

// AuditStore is an append-only log of security events backed by Badger.
//
// # Description
//
// Events are keyed by nanosecond timestamp plus a UUID suffix, so keys sort
// chronologically and never collide. Entries carry a TTL; expiry is
// Badger's job, not ours. The store is safe for concurrent use.
//
// # Limitations
//
//   - One process owns the database directory. Run a single orchestrator
//     per audit path.
type AuditStore struct {
	db *badger.DB
}

// NewAuditStore opens (or creates) the audit database at dir.
func NewAuditStore(dir string) (*AuditStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store at %s: %w", dir, err)
	}
	return &AuditStore{db: db}, nil
}

// NewInMemoryAuditStore opens a store that lives and dies with the process.
// Used in tests and in deployments that only want the metrics side effects.
func NewInMemoryAuditStore() (*AuditStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory audit store: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Record appends one event. ID and Timestamp are filled in when empty;
// the caller id is masked before anything touches disk.
func (a *AuditStore) Record(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.CallerID = MaskCallerID(ev.CallerID)

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	key := fmt.Sprintf("%s%020d:%s", auditKeyPrefix, ev.Timestamp.UnixNano(), ev.ID)

	return a.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value).WithTTL(auditRetention)
		return txn.SetEntry(entry)
	})
}

// List returns up to limit events, newest first.
func (a *AuditStore) List(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var events []Event
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible event key, then walk backwards.
		seek := append([]byte(auditKeyPrefix), 0xFF)
		prefix := []byte(auditKeyPrefix)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(events) < limit; it.Next() {
			var ev Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				return fmt.Errorf("failed to decode audit event: %w", err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// CountSince reports how many events of the given kind were recorded at or
// after the cutoff. Used by the stats endpoint.
func (a *AuditStore) CountSince(kind string, cutoff time.Time) (int, error) {
	count := 0
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(fmt.Sprintf("%s%020d", auditKeyPrefix, cutoff.UnixNano()))
		prefix := []byte(auditKeyPrefix)
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			var ev Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				return err
			}
			if ev.Kind == kind {
				count++
			}
		}
		return nil
	})
	return count, err
}

// Close flushes and closes the underlying database.
func (a *AuditStore) Close() error {
	return a.db.Close()
}
