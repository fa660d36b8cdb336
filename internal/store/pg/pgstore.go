// Package pg is the Postgres-backed entity store of record. The
// field-version conflict check runs inside a row lock (SELECT ... FOR
// UPDATE), so the check and the version stamp commit atomically.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"meshsync.org/internal/conflict"
	"meshsync.org/internal/dispatch"
	"meshsync.org/internal/entity"
	"meshsync.org/internal/ids"
)

type Store struct {
	db     *sql.DB
	notify entity.Notifier
}

var _ entity.Service = (*Store)(nil)

// Open connects to Postgres. notify may be nil.
func Open(dsn string, notify entity.Notifier) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, notify: notify}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB, notify entity.Notifier) *Store {
	return &Store{db: db, notify: notify}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Create(ctx context.Context, req entity.NewEntity) (entity.Entity, error) {
	if strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.OrganizationID) == "" {
		return entity.Entity{}, entity.ErrInvalidInput
	}

	now := time.Now().UTC()
	e := entity.Entity{
		ID:             ids.New(),
		Type:           req.Type,
		OrganizationID: req.OrganizationID,
		Fields:         map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Tx: conflict.BuildStx(conflict.StxRequest{
			MutationID: req.MutationID,
			SourceID:   req.SourceID,
		}, nil, nil),
	}
	for k, v := range req.Fields {
		e.Fields[k] = v
	}

	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return entity.Entity{}, err
	}
	fieldVersions, err := json.Marshal(e.Tx.FieldVersions)
	if err != nil {
		return entity.Entity{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		insert into entities(entity_type, id, organization_id, fields, version, field_versions, mutation_id, source_id, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.Type, e.ID, e.OrganizationID, fields, e.Tx.Version, fieldVersions, e.Tx.MutationID, e.Tx.SourceID, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return entity.Entity{}, err
	}

	s.emit(dispatch.ActionCreate, e, nil)
	return e, nil
}

func (s *Store) Get(ctx context.Context, entityType, id string) (entity.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		select organization_id, fields, version, field_versions, mutation_id, source_id, created_at, updated_at
		from entities where entity_type=$1 and id=$2
	`, entityType, id)
	return scanEntity(row, entityType, id)
}

// List returns the organization's entities of one type in id order.
func (s *Store) List(ctx context.Context, entityType, organizationID string) ([]entity.Entity, error) {
	if strings.TrimSpace(entityType) == "" || strings.TrimSpace(organizationID) == "" {
		return nil, entity.ErrInvalidInput
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, fields, version, field_versions, mutation_id, source_id, created_at, updated_at
		from entities where entity_type=$1 and organization_id=$2
		order by id
	`, entityType, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]entity.Entity, 0)
	for rows.Next() {
		var id string
		var (
			e             entity.Entity
			fields        []byte
			fieldVersions []byte
			mutationID    sql.NullString
			sourceID      sql.NullString
		)
		if err := rows.Scan(&id, &e.OrganizationID, &fields, &e.Tx.Version, &fieldVersions, &mutationID, &sourceID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Type = entityType
		e.ID = id
		e.Tx.MutationID = mutationID.String
		e.Tx.SourceID = sourceID.String
		if err := json.Unmarshal(fields, &e.Fields); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fieldVersions, &e.Tx.FieldVersions); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, req entity.UpdateRequest) (entity.Entity, error) {
	if len(req.Fields) == 0 {
		return entity.Entity{}, entity.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.Entity{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		select organization_id, fields, version, field_versions, mutation_id, source_id, created_at, updated_at
		from entities where entity_type=$1 and id=$2
		for update
	`, req.Type, req.ID)
	e, err := scanEntity(row, req.Type, req.ID)
	if err != nil {
		return entity.Entity{}, err
	}

	changed := req.ChangedKeys()
	conflicts, _ := conflict.CheckFieldConflicts(changed, &e.Tx, req.BaseVersion)
	if err := conflict.ErrIfConflicts(req.Type, req.BaseVersion, conflicts); err != nil {
		return entity.Entity{}, err
	}

	e.Tx = conflict.BuildStx(conflict.StxRequest{
		MutationID: req.MutationID,
		SourceID:   req.SourceID,
	}, &e.Tx, changed)
	for k, v := range req.Fields {
		e.Fields[k] = v
	}
	e.UpdatedAt = time.Now().UTC()

	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return entity.Entity{}, err
	}
	fieldVersions, err := json.Marshal(e.Tx.FieldVersions)
	if err != nil {
		return entity.Entity{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update entities
		set fields=$3, version=$4, field_versions=$5, mutation_id=$6, source_id=$7, updated_at=$8
		where entity_type=$1 and id=$2
	`, req.Type, req.ID, fields, e.Tx.Version, fieldVersions, e.Tx.MutationID, e.Tx.SourceID, e.UpdatedAt); err != nil {
		return entity.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return entity.Entity{}, err
	}

	s.emit(dispatch.ActionUpdate, e, changed)
	return e, nil
}

func (s *Store) Delete(ctx context.Context, entityType, id string) error {
	e, err := s.Get(ctx, entityType, id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `delete from entities where entity_type=$1 and id=$2`, entityType, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return entity.ErrNotFound
	}
	s.emit(dispatch.ActionDelete, e, nil)
	return nil
}

func (s *Store) emit(action dispatch.Action, e entity.Entity, changed []string) {
	if s.notify == nil {
		return
	}
	tx := e.Tx
	ev := dispatch.ActivityEvent{
		ID:             ids.New(),
		Action:         action,
		EntityType:     e.Type,
		EntityID:       e.ID,
		OrganizationID: e.OrganizationID,
		ChangedKeys:    changed,
		CreatedAt:      time.Now().UTC(),
		Tx:             &tx,
	}
	if action != dispatch.ActionDelete {
		ev.Entity = e
	}
	s.notify(ev)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner, entityType, id string) (entity.Entity, error) {
	var (
		e             entity.Entity
		fields        []byte
		fieldVersions []byte
		mutationID    sql.NullString
		sourceID      sql.NullString
	)
	err := row.Scan(&e.OrganizationID, &fields, &e.Tx.Version, &fieldVersions, &mutationID, &sourceID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, entity.ErrNotFound
	}
	if err != nil {
		return entity.Entity{}, err
	}
	e.Type = entityType
	e.ID = id
	e.Tx.MutationID = mutationID.String
	e.Tx.SourceID = sourceID.String
	if err := json.Unmarshal(fields, &e.Fields); err != nil {
		return entity.Entity{}, err
	}
	if err := json.Unmarshal(fieldVersions, &e.Tx.FieldVersions); err != nil {
		return entity.Entity{}, err
	}
	return e, nil
}
