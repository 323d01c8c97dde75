package storage

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/config"
)

// New opens the backing store selected by cfg.StorageBackend.
func New(ctx context.Context, cfg *config.Config, logger internal.Logger) (BackingStore, error) {
	logger = logger.Named("storage")
	switch cfg.StorageBackend {
	case config.BackendFile:
		return NewFileStorage(cfg.DataFile, logger)
	case config.BackendSheets:
		return NewSheetsStore(ctx, cfg.SpreadsheetID, cfg.GoogleClientEmail, cfg.GooglePrivateKey, logger)
	case config.BackendPostgres:
		return NewPostgresStorage(ctx, cfg.PostgresDSN, logger)
	case config.BackendSQLite:
		return NewSQLiteStorage(ctx, cfg.SQLitePath, logger)
	default:
		return nil, xerrors.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
