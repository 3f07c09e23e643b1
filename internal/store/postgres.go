package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tessara/pipecache/internal/entity"
	"github.com/tessara/pipecache/internal/store/migrations"
)

const selectPageQuery = `
	SELECT id, name, company, status, fields, created_at, updated_at
	FROM entities
	WHERE owner_id = $1 AND kind = $2
	ORDER BY created_at DESC, id DESC
	OFFSET $3 LIMIT $4
`

// PostgresStore implements EntityStore over an entities table. The sort is
// creation-time descending with id as tiebreaker, so pagination stays stable
// across pages.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pgx stdlib connection and applies the embedded
// goose migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.UpContext(ctx, db, "."); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Count(ctx context.Context, ownerID string, kind entity.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM entities WHERE owner_id = $1 AND kind = $2`,
		ownerID, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) SelectPage(ctx context.Context, ownerID string, kind entity.Kind, offset, limit int) ([]entity.Entity, error) {
	rows, err := s.db.QueryContext(ctx, selectPageQuery, ownerID, string(kind), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("select entities: %w", err)
	}
	defer rows.Close()

	var result []entity.Entity
	for rows.Next() {
		var (
			e      entity.Entity
			fields []byte
		)
		e.Kind = kind
		if err := rows.Scan(&e.ID, &e.Name, &e.Company, &e.Status, &fields, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &e.Fields); err != nil {
				return nil, fmt.Errorf("%w: bad fields payload for %s: %v", entity.ErrMalformedRow, e.ID, err)
			}
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, ownerID string, e entity.Entity) (entity.Entity, error) {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("marshal fields: %w", err)
	}

	query := `
		INSERT INTO entities (id, owner_id, kind, name, company, status, fields, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			company = EXCLUDED.company,
			status = EXCLUDED.status,
			fields = EXCLUDED.fields,
			updated_at = now()
			WHERE entities.owner_id = EXCLUDED.owner_id
		RETURNING created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query,
		e.ID, ownerID, string(e.Kind), e.Name, e.Company, e.Status, fields).
		Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			// conflict row belongs to another owner
			return entity.Entity{}, ErrPermissionDenied
		}
		return entity.Entity{}, fmt.Errorf("upsert entity: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Delete(ctx context.Context, ownerID string, kind entity.Kind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE owner_id = $1 AND kind = $2 AND id = ANY($3)`,
		ownerID, string(kind), ids)
	if err != nil {
		return fmt.Errorf("delete entities: %w", err)
	}
	return nil
}
