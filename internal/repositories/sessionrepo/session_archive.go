package sessionrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

type PostgresArchive struct {
	pool *pgxpool.Pool
}

func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive { return &PostgresArchive{pool: pool} }

func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS payment_sessions (
  id           TEXT PRIMARY KEY,
  status       TEXT NOT NULL,
  token_symbol TEXT NOT NULL,
  version      BIGINT NOT NULL,
  data         JSONB NOT NULL,
  created_at   TIMESTAMPTZ NOT NULL,
  updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS payment_sessions_status_created_idx ON payment_sessions(status, created_at);
`
	_, err := a.pool.Exec(ctx, ddl)
	return err
}

// Save upserts the record. Writes carrying an older version than the stored row
// are ignored, so out-of-order saves cannot roll a session back.
func (a *PostgresArchive) Save(ctx context.Context, s domain.PaymentSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err = a.pool.Exec(cctx, `
INSERT INTO payment_sessions (id, status, token_symbol, version, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
  status     = EXCLUDED.status,
  version    = EXCLUDED.version,
  data       = EXCLUDED.data,
  updated_at = EXCLUDED.updated_at
WHERE payment_sessions.version < EXCLUDED.version
`, s.ID, string(s.Status), s.TokenSymbol, s.Version, data, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}
	return nil
}

func (a *PostgresArchive) LoadActive(ctx context.Context) ([]domain.PaymentSession, error) {
	rows, err := a.pool.Query(ctx, `
SELECT data FROM payment_sessions
WHERE status NOT IN ('completed', 'expired', 'failed')
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}

	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}

	sessions := make([]domain.PaymentSession, 0, len(payloads))
	for _, p := range payloads {
		var s domain.PaymentSession
		if err := json.Unmarshal(p, &s); err != nil {
			return nil, fmt.Errorf("decode archived session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (a *PostgresArchive) Delete(ctx context.Context, id string) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM payment_sessions WHERE id = $1`, id)
	return err
}
