package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stagelink/stagelink-server/internal/linkage"
)

// postgresRepository stores links in the links table. Schema lives under
// database/migrations.
type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed repository on the given pool.
func NewPostgres(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (p *postgresRepository) LoadAll(ctx context.Context) ([]linkage.Link, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT session_id, thread_id, last_known_count, health, created_at, updated_at
		FROM links
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load links: %w", err)
	}
	defer rows.Close()

	var links []linkage.Link
	for rows.Next() {
		var (
			link      linkage.Link
			health    string
			createdAt time.Time
			updatedAt time.Time
		)
		if err := rows.Scan(
			&link.SessionID, &link.ThreadID, &link.LastKnownCount,
			&health, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan link row: %w", err)
		}
		link.Health = linkage.Health(health)
		link.CreatedAt = createdAt.UTC()
		link.UpdatedAt = updatedAt.UTC()
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read link rows: %w", err)
	}
	return links, nil
}

func (p *postgresRepository) Upsert(ctx context.Context, link linkage.Link) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO links (session_id, thread_id, last_known_count, health, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			last_known_count = EXCLUDED.last_known_count,
			health = EXCLUDED.health,
			updated_at = EXCLUDED.updated_at`,
		link.SessionID, link.ThreadID, link.LastKnownCount,
		string(link.Health), link.CreatedAt, link.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert link for session %s: %w", link.SessionID, err)
	}
	return nil
}

func (p *postgresRepository) Delete(ctx context.Context, sessionID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM links WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete link for session %s: %w", sessionID, err)
	}
	return nil
}
