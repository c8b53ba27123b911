// Package metadata keeps the descriptive side table for downloads: display
// title, creation time, last error and advertised size, keyed by the
// string-encoded download identifier. Only this descriptive data is durable;
// transfer state (handles, resume tokens, destinations) never leaves the
// process.
package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// Record is the persisted side-table row for one download identifier.
type Record struct {
	Title        string `json:"title"`
	CreatedAt    int64  `json:"created_at"`
	LastError    string `json:"last_error,omitempty"`
	ExpectedSize int64  `json:"expected_size,omitempty"`
}

// Store is the durable key-value boundary the table persists through.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// blobKey is the single key the whole side table is serialized under.
const blobKey = "downloads.metadata"

// Table is a write-through in-memory view of the persisted side table.
// Every mutation rewrites the blob.
type Table struct {
	mu      sync.Mutex
	store   Store
	records map[string]Record
}

// NewTable loads the side table from the store. A missing blob yields an
// empty table; individual malformed entries are skipped rather than failing
// the load.
func NewTable(store Store) (*Table, error) {
	t := &Table{
		store:   store,
		records: make(map[string]Record),
	}

	blob, err := store.Get(blobKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata blob: %w", err)
	}

	if len(blob) == 0 {
		return t, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		// A corrupt blob loses history but must not keep the process down.
		return t, nil
	}

	for key, entry := range raw {
		var rec Record
		if err := json.Unmarshal(entry, &rec); err != nil {
			continue
		}

		t.records[key] = rec
	}

	return t, nil
}

// Upsert mutates the record for id through fn and persists the table.
// A missing record is created zero-valued before fn runs.
func (t *Table) Upsert(id int64, fn func(*Record)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[keyFor(id)]
	fn(&rec)
	t.records[keyFor(id)] = rec

	return t.persistLocked()
}

// Get returns the record for id.
func (t *Table) Get(id int64) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[keyFor(id)]

	return rec, ok
}

// Delete removes the record for id and persists the table. Deleting an
// unknown id is a no-op.
func (t *Table) Delete(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[keyFor(id)]; !ok {
		return nil
	}

	delete(t.records, keyFor(id))

	return t.persistLocked()
}

// All returns a copy of every record keyed by identifier. Entries whose key
// does not parse as an identifier are skipped.
func (t *Table) All() map[int64]Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[int64]Record, len(t.records))

	for key, rec := range t.records {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}

		out[id] = rec
	}

	return out
}

func (t *Table) persistLocked() error {
	blob, err := json.Marshal(t.records)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := t.store.Set(blobKey, blob); err != nil {
		return fmt.Errorf("failed to persist metadata: %w", err)
	}

	return nil
}

func keyFor(id int64) string {
	return strconv.FormatInt(id, 10)
}
