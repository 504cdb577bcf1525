package versioning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Mindburn-Labs/workgraph/pkg/graph"
	"github.com/Mindburn-Labs/workgraph/pkg/policy"
)

// Dialect selects the SQL flavour a SQLStore speaks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store using database/sql. It supports Postgres
// (lib/pq) and SQLite (modernc.org/sqlite) for lite mode.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps db. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) schema() []string {
	jsonType, tsType := "TEXT", "TIMESTAMP"
	if s.dialect == DialectPostgres {
		jsonType, tsType = "JSONB", "TIMESTAMPTZ"
	}
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS policy_versions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	version_name TEXT NOT NULL DEFAULT '',
	compiled_json %[1]s NOT NULL,
	graph_snapshot %[1]s NOT NULL,
	content_hash TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	is_published BOOLEAN NOT NULL DEFAULT FALSE,
	created_by TEXT NOT NULL DEFAULT '',
	created_at %[2]s NOT NULL,
	UNIQUE (project_id, version)
)`, jsonType, tsType),
		`CREATE UNIQUE INDEX IF NOT EXISTS policy_versions_one_active
	ON policy_versions (project_id) WHERE is_active`,
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS work_item_pins (
	work_item_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	version_id TEXT NOT NULL REFERENCES policy_versions (id),
	contractor_id TEXT NOT NULL DEFAULT '',
	contract_id TEXT NOT NULL DEFAULT '',
	pinned_at %s NOT NULL
)`, tsType),
		`CREATE INDEX IF NOT EXISTS work_item_pins_version ON work_item_pins (version_id)`,
	}
}

// Init creates the tables and indexes if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init versioning schema: %w", err)
		}
	}
	return nil
}

const versionColumns = `id, project_id, version, version_name, compiled_json, graph_snapshot,
	content_hash, is_active, is_published, created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*PolicyVersion, error) {
	var (
		v                  PolicyVersion
		compiled, snapshot []byte
	)
	err := row.Scan(&v.ID, &v.ProjectID, &v.Version, &v.VersionName, &compiled, &snapshot,
		&v.ContentHash, &v.IsActive, &v.IsPublished, &v.CreatedBy, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.Policy = &policy.CompiledPolicy{}
	if err := json.Unmarshal(compiled, v.Policy); err != nil {
		return nil, fmt.Errorf("decode compiled policy %s: %w", v.ID, err)
	}
	v.GraphSnapshot = &graph.Graph{}
	if err := json.Unmarshal(snapshot, v.GraphSnapshot); err != nil {
		return nil, fmt.Errorf("decode graph snapshot %s: %w", v.ID, err)
	}
	return &v, nil
}

func (s *SQLStore) queryVersion(ctx context.Context, what, query string, args ...any) (*PolicyVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return v, err
}

func (s *SQLStore) NextVersionNumber(ctx context.Context, projectID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM policy_versions WHERE project_id = $1`,
		projectID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next version for %s: %w", projectID, err)
	}
	return next, nil
}

func (s *SQLStore) Save(ctx context.Context, v *PolicyVersion) (string, error) {
	compiled, err := json.Marshal(v.Policy)
	if err != nil {
		return "", fmt.Errorf("encode compiled policy: %w", err)
	}
	snapshot, err := json.Marshal(v.GraphSnapshot)
	if err != nil {
		return "", fmt.Errorf("encode graph snapshot: %w", err)
	}

	if v.ID == "" {
		v.ID = uuid.New().String()
	} else {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM policy_versions WHERE id = $1`, v.ID).Scan(&one)
		switch {
		case err == nil:
			return "", fmt.Errorf("save %s: %w", v.ID, ErrImmutable)
		case !errors.Is(err, sql.ErrNoRows):
			return "", err
		}
	}
	if v.IsActive {
		v.IsPublished = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if v.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE policy_versions SET is_active = FALSE WHERE project_id = $1 AND is_active`,
			v.ProjectID); err != nil {
			return "", fmt.Errorf("deactivate %s: %w", v.ProjectID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.ProjectID, v.Version, v.VersionName, string(compiled), string(snapshot),
		v.ContentHash, v.IsActive, v.IsPublished, v.CreatedBy, v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("save %s v%d: %w", v.ProjectID, v.Version, ErrVersionConflict)
		}
		return "", fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return v.ID, nil
}

func (s *SQLStore) Get(ctx context.Context, versionID string) (*PolicyVersion, error) {
	return s.queryVersion(ctx, "version "+versionID,
		`SELECT `+versionColumns+` FROM policy_versions WHERE id = $1`, versionID)
}

func (s *SQLStore) GetByNumber(ctx context.Context, projectID string, version int) (*PolicyVersion, error) {
	return s.queryVersion(ctx, fmt.Sprintf("version %s v%d", projectID, version),
		`SELECT `+versionColumns+` FROM policy_versions WHERE project_id = $1 AND version = $2`,
		projectID, version)
}

func (s *SQLStore) GetActive(ctx context.Context, projectID string) (*PolicyVersion, error) {
	return s.queryVersion(ctx, "active version for "+projectID,
		`SELECT `+versionColumns+` FROM policy_versions WHERE project_id = $1 AND is_active`,
		projectID)
}

func (s *SQLStore) ListVersions(ctx context.Context, projectID string) ([]*PolicyVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM policy_versions WHERE project_id = $1 ORDER BY version ASC`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*PolicyVersion, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Activate(ctx context.Context, versionID string) (*PolicyVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	lookup := `SELECT project_id FROM policy_versions WHERE id = $1`
	if s.dialect == DialectPostgres {
		lookup += ` FOR UPDATE`
	}
	var projectID string
	if err := tx.QueryRowContext(ctx, lookup, versionID).Scan(&projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE policy_versions SET is_active = FALSE WHERE project_id = $1 AND is_active AND id <> $2`,
		projectID, versionID); err != nil {
		return nil, fmt.Errorf("deactivate %s: %w", projectID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE policy_versions SET is_active = TRUE, is_published = TRUE WHERE id = $1`,
		versionID); err != nil {
		return nil, fmt.Errorf("activate %s: %w", versionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, versionID)
}

func (s *SQLStore) versionExists(ctx context.Context, versionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM policy_versions WHERE id = $1`, versionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	return err
}

func (s *SQLStore) Pin(ctx context.Context, pin Pin) error {
	if err := s.versionExists(ctx, pin.VersionID); err != nil {
		return fmt.Errorf("pin %s: %w", pin.WorkItemID, err)
	}
	if pin.PinnedAt.IsZero() {
		pin.PinnedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_item_pins (work_item_id, project_id, version_id, contractor_id, contract_id, pinned_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		pin.WorkItemID, pin.ProjectID, pin.VersionID, pin.ContractorID, pin.ContractID, pin.PinnedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("pin %s: %w", pin.WorkItemID, ErrPinConflict)
		}
		return fmt.Errorf("pin %s: %w", pin.WorkItemID, err)
	}
	return nil
}

func (s *SQLStore) PinStatus(ctx context.Context, workItemID string) (*Pin, error) {
	var p Pin
	err := s.db.QueryRowContext(ctx, `
		SELECT work_item_id, project_id, version_id, contractor_id, contract_id, pinned_at
		FROM work_item_pins WHERE work_item_id = $1`, workItemID,
	).Scan(&p.WorkItemID, &p.ProjectID, &p.VersionID, &p.ContractorID, &p.ContractID, &p.PinnedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pin %s: %w", workItemID, ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) UpdatePin(ctx context.Context, workItemID, fromVersionID, toVersionID string) error {
	if err := s.versionExists(ctx, toVersionID); err != nil {
		return fmt.Errorf("rebind %s: %w", workItemID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_item_pins SET version_id = $1, pinned_at = $2
		WHERE work_item_id = $3 AND version_id = $4`,
		toVersionID, s.now().UTC(), workItemID, fromVersionID,
	)
	if err != nil {
		return fmt.Errorf("rebind %s: %w", workItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// The compare failed: either the pin is gone or it moved.
	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT version_id FROM work_item_pins WHERE work_item_id = $1`, workItemID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rebind %s: %w", workItemID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("rebind %s: pinned to %s, not %s: %w", workItemID, current, fromVersionID, ErrVersionConflict)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
