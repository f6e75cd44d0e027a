package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/config"
	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/db"
)

type DBManager struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, cfg *config.DatabaseConfig) (*DBManager, error) {
	pool, err := pgxpool.New(ctx, db.GetDBDSN(cfg))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	return &DBManager{
		Pool: pool,
	}, nil
}

func (dm *DBManager) ShutDown() {
	if dm.Pool != nil {
		dm.Pool.Close()
	}
}
