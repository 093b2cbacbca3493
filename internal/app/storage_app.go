package app

import (
	"context"
	"fmt"
	"time"

	"authcore/internal/storage/sqlite"
)

type StorageApp struct {
	storage *sqlite.Storage
}

// NewStorageApp opens the embedded store and health-checks it. An
// unreachable store is fatal at startup: running without durable session
// and token storage would mean credentials that can never be revoked.
func NewStorageApp(storagePath string) (*StorageApp, error) {
	const op = "app.NewStorageApp"

	store, err := sqlite.New(storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &StorageApp{storage: store}, nil
}

func (s *StorageApp) Stop() error {
	return s.storage.Close()
}

func (s *StorageApp) Storage() *sqlite.Storage {
	return s.storage
}
