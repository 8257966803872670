// Package audit provides a tamper-evident, hash-chained record of
// simulator activity: API requests and simulation runs.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Record is a single chained audit record.
type Record struct {
	Seq          int    `json:"seq"`
	Timestamp    string `json:"timestamp"`
	Event        string `json:"event"`
	Payload      string `json:"payload"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

// Trail is an in-memory hash chain of audit records. Each record's hash
// covers the previous record's hash, so any rewrite of history breaks
// verification.
type Trail struct {
	mu      sync.Mutex
	records []Record
	last    string
}

// NewTrail returns an empty trail anchored at a zero hash.
func NewTrail() *Trail {
	return &Trail{last: strings.Repeat("0", 64)}
}

// Append chains a new record and returns it.
func (t *Trail) Append(event, payload string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := Record{
		Seq:          len(t.records) + 1,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Event:        event,
		Payload:      payload,
		PreviousHash: t.last,
	}
	rec.Hash = recordHash(rec)

	t.last = rec.Hash
	t.records = append(t.records, rec)
	return rec
}

// Records returns a snapshot of the chain.
func (t *Trail) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Verify reports whether the records form an unbroken, untampered chain.
func Verify(records []Record) bool {
	for i, rec := range records {
		if i > 0 && rec.PreviousHash != records[i-1].Hash {
			return false
		}
		if recordHash(rec) != rec.Hash {
			return false
		}
	}
	return true
}

func recordHash(rec Record) string {
	input := fmt.Sprintf("%d|%s|%s|%s|%s", rec.Seq, rec.PreviousHash, rec.Timestamp, rec.Event, rec.Payload)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
