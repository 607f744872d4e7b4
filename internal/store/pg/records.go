package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"lexdesk.app/internal/auth"
	"lexdesk.app/internal/records"
)

// poolIface is the subset of *pgxpool.Pool used here, so pgxmock can stand in.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RecordStore persists tenant-scoped records. Every statement filters on
// organization_id.
type RecordStore struct {
	pool    poolIface
	timeout time.Duration
}

var _ records.Store = (*RecordStore)(nil)

func NewRecordStore(pool poolIface, timeout time.Duration) *RecordStore {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &RecordStore{pool: pool, timeout: timeout}
}

func (r *RecordStore) Create(ctx context.Context, rec *records.Record) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO records (id, organization_id, kind, title, data, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.OrganizationID, rec.Kind.String(), rec.Title, []byte(rec.Data), rec.CreatedBy, rec.CreatedAt)
	if isForeignKeyViolation(err) {
		return auth.ErrNotFound
	}
	if err != nil {
		return oops.With("operation", "create record").With("kind", rec.Kind.String()).Wrap(mapError(err))
	}
	return nil
}

func (r *RecordStore) Get(ctx context.Context, orgID string, kind records.Kind, id string) (*records.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	row := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, title, data, created_by, created_at
		FROM records
		WHERE organization_id = $1 AND kind = $2 AND id = $3`,
		orgID, kind.String(), id)

	rec := &records.Record{Kind: kind}
	var data []byte
	err := row.Scan(&rec.ID, &rec.OrganizationID, &rec.Title, &data, &rec.CreatedBy, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, oops.With("operation", "get record").With("id", id).Wrap(mapError(err))
	}
	rec.Data = data
	return rec, nil
}

func (r *RecordStore) List(ctx context.Context, orgID string, kind records.Kind, opts records.ListOptions) ([]*records.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if opts.Limit <= 0 {
		opts.Limit = records.DefaultListLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, organization_id, title, data, created_by, created_at
		FROM records
		WHERE organization_id = $1 AND kind = $2 AND id > $3
		ORDER BY id
		LIMIT $4`,
		orgID, kind.String(), opts.After, opts.Limit)
	if err != nil {
		return nil, oops.With("operation", "list records").With("kind", kind.String()).Wrap(mapError(err))
	}
	defer rows.Close()

	out := make([]*records.Record, 0)
	for rows.Next() {
		rec := &records.Record{Kind: kind}
		var data []byte
		if err := rows.Scan(&rec.ID, &rec.OrganizationID, &rec.Title, &data, &rec.CreatedBy, &rec.CreatedAt); err != nil {
			return nil, oops.With("operation", "scan record row").Wrap(mapError(err))
		}
		rec.Data = data
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate records").Wrap(mapError(err))
	}
	return out, nil
}
