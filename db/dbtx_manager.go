package db

import (
	"fmt"

	"github.com/gardenledger/garden/logx"
)

// WithBatch runs fn against a fresh batch and commits it when fn returns nil.
// Nothing is written if fn fails.
func WithBatch(provider DatabaseProvider, fn func(batch DatabaseBatch) error) error {
	batch := provider.Batch()
	defer func() {
		if err := batch.Close(); err != nil {
			logx.Error("DB", "Failed to close batch:", err)
		}
	}()

	if err := fn(batch); err != nil {
		batch.Reset()
		return fmt.Errorf("batch aborted: %w", err)
	}

	if err := batch.Write(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}
