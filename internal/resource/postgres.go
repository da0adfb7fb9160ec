package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wecode-ai/Wegent-sub007/internal/logging"
	"github.com/wecode-ai/Wegent-sub007/internal/oerr"
)

const resourceTable = "resources"

// PostgresStore persists resource documents in Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore constructs a Postgres-backed resource store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("ResourcePostgresStore"),
	}
}

// EnsureSchema creates the resource table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("resource store not initialized")
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    name TEXT NOT NULL,
    namespace TEXT NOT NULL DEFAULT 'default',
    spec JSONB NOT NULL DEFAULT '{}'::jsonb,
    status JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at TIMESTAMPTZ
);`, resourceTable),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_kind_name_ns
    ON %s (kind, name, namespace) WHERE deleted_at IS NULL;`, resourceTable, resourceTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure resource schema: %w", err)
		}
	}
	return nil
}

const resourceColumns = `id, kind, name, namespace, spec, status, created_at, updated_at, deleted_at`

func (s *PostgresStore) GetByID(ctx context.Context, kind Kind, id string) (*Resource, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+resourceColumns+` FROM `+resourceTable+`
WHERE id = $1 AND kind = $2 AND deleted_at IS NULL
`, id, kind)
	res, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.NotFound(string(kind), id)
	}
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) GetByName(ctx context.Context, kind Kind, name, namespace string) (*Resource, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+resourceColumns+` FROM `+resourceTable+`
WHERE kind = $1 AND name = $2 AND namespace = $3 AND deleted_at IS NULL
`, kind, name, namespace)
	res, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.NotFound(string(kind), namespace+"/"+name)
	}
	if err != nil {
		return nil, fmt.Errorf("get resource by name: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) List(ctx context.Context, query Query) ([]*Resource, error) {
	sql := `SELECT ` + resourceColumns + ` FROM ` + resourceTable + ` WHERE deleted_at IS NULL`
	args := []any{}
	if query.Kind != "" {
		args = append(args, query.Kind)
		sql += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if query.Namespace != "" {
		args = append(args, query.Namespace)
		sql += fmt.Sprintf(` AND namespace = $%d`, len(args))
	}
	if query.Name != "" {
		args = append(args, query.Name)
		sql += fmt.Sprintf(` AND name = $%d`, len(args))
	}
	sql += ` ORDER BY created_at, id`
	if query.Limit > 0 {
		args = append(args, query.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, res *Resource) (*Resource, error) {
	if res.Kind == "" || res.Name == "" {
		return nil, fmt.Errorf("kind and name required")
	}
	if res.Namespace == "" {
		res.Namespace = "default"
	}
	id := res.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()

	row := s.pool.QueryRow(ctx, `
INSERT INTO `+resourceTable+` (id, kind, name, namespace, spec, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (kind, name, namespace) WHERE deleted_at IS NULL
DO UPDATE SET spec = EXCLUDED.spec,
              status = EXCLUDED.status,
              updated_at = EXCLUDED.updated_at
RETURNING `+resourceColumns+`
`, id, res.Kind, res.Name, res.Namespace, normalizeJSON(res.Spec), nullableJSON(res.Status), now)

	saved, err := scanResource(row)
	if err != nil {
		return nil, fmt.Errorf("upsert resource: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+resourceTable+` SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL
`, id)
	if err != nil {
		return fmt.Errorf("soft delete resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oerr.NotFound("resource", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*Resource, error) {
	var res Resource
	var spec, status []byte
	var deletedAt *time.Time
	if err := row.Scan(&res.ID, &res.Kind, &res.Name, &res.Namespace, &spec, &status,
		&res.CreatedAt, &res.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	if len(spec) > 0 {
		res.Spec = json.RawMessage(spec)
	}
	if len(status) > 0 {
		res.Status = json.RawMessage(status)
	}
	res.DeletedAt = deletedAt
	return &res, nil
}

func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
