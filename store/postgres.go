package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chopsticks_games (
    id         TEXT PRIMARY KEY,
    data       JSONB NOT NULL,
    winner     INTEGER NOT NULL DEFAULT -1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`

// Postgres stores games in one table with a JSONB document per row.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects with a postgres:// url and creates the table.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal game %s: %w", rec.ID, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO chopsticks_games (id, data, winner, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			winner = EXCLUDED.winner,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, data, int(rec.State.Winner), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save game %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, id string) (Record, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM chopsticks_games WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load game %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode game %s: %w", id, err)
	}
	return rec, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM chopsticks_games WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete game %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM chopsticks_games ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	return ids, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
