package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/ledgeranchor/internal/ledger"
	"github.com/jmerrifield20/ledgeranchor/internal/proofstore"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type storage struct {
	ledger ledger.Ledger
	proofs proofstore.Store
	close  func()
}

// openStorage wires the ledger and proof store selected by database.driver.
func openStorage(ctx context.Context, v *viper.Viper, logger *zap.Logger) (*storage, error) {
	switch driver := v.GetString("database.driver"); driver {
	case "memory":
		logger.Warn("using in-memory storage; ledger and anchors are lost on restart")
		return &storage{
			ledger: ledger.NewMemory(),
			proofs: proofstore.NewMemory(),
			close:  func() {},
		}, nil

	case "sqlite":
		path := v.GetString("database.sqlite_path")
		db, err := proofstore.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		l, err := ledger.NewSQLiteLedger(ctx, db, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("opened sqlite storage", zap.String("path", path))
		return &storage{
			ledger: l,
			proofs: proofstore.NewSQLite(db),
			close:  func() { db.Close() },
		}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, v.GetString("database.url"))
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return &storage{
			ledger: ledger.NewPostgresLedger(pool, logger),
			proofs: proofstore.NewPostgres(pool),
			close:  pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("database.driver: unknown driver %q (want memory, sqlite or postgres)", driver)
	}
}
