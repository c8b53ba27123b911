package sqlite

import (
	"context"
	"database/sql"

	"github.com/citiesmods/resource_downloader/internal/telemetry"
)

// InstrumentedKVStore wraps KVStore with telemetry.
type InstrumentedKVStore struct {
	store     *KVStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedKVStore creates a new instrumented key-value store.
func NewInstrumentedKVStore(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedKVStore {
	return &InstrumentedKVStore{
		store:     NewKVStore(db),
		telemetry: tel,
	}
}

// Get reads a key with telemetry.
func (s *InstrumentedKVStore) Get(key string) ([]byte, error) {
	var result []byte

	var err error

	instrumentedErr := s.telemetry.InstrumentDBOperation(context.Background(), "kv_get", func(ctx context.Context) error {
		result, err = s.store.Get(key)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Set writes a key with telemetry.
func (s *InstrumentedKVStore) Set(key string, value []byte) error {
	return s.telemetry.InstrumentDBOperation(context.Background(), "kv_set", func(ctx context.Context) error {
		return s.store.Set(key, value)
	})
}

// Delete removes a key with telemetry.
func (s *InstrumentedKVStore) Delete(key string) error {
	return s.telemetry.InstrumentDBOperation(context.Background(), "kv_delete", func(ctx context.Context) error {
		return s.store.Delete(key)
	})
}
