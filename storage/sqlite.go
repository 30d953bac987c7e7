package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/types"
)

// DB implements Gateway over an embedded SQLite database.
type DB struct {
	db *sql.DB
}

var _ Gateway = (*DB)(nil)

// selectRefFields is the standard field list for reference SELECT queries.
const selectRefFields = `id, source, source_id, version, hash,
	title, subtitle, abstract, language, document_type, issued,
	contributors_json, identifiers_json, subjects_json, created_at`

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage", "Open", "opening database")
	}

	// SQLite doesn't support concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "storage", "Open", "enabling foreign keys")
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "storage", "Open", "creating schema")
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT,
			created_at TIMESTAMP NOT NULL
		);

		-- One identifier per type per entity.
		CREATE TABLE IF NOT EXISTS identifiers (
			entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (entity_id, type)
		);
		CREATE INDEX IF NOT EXISTS idx_identifiers_lookup ON identifiers(type, value);

		CREATE TABLE IF NOT EXISTS retrievals (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL REFERENCES entities(id),
			events TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		-- Harvestings cascade-delete with their retrieval.
		CREATE TABLE IF NOT EXISTS harvestings (
			id TEXT PRIMARY KEY,
			retrieval_id TEXT NOT NULL REFERENCES retrievals(id) ON DELETE CASCADE,
			source TEXT NOT NULL,
			state TEXT NOT NULL,
			history INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			error_type TEXT,
			error_message TEXT
		);

		-- Append-only versioned references. The chain for one
		-- (source, source_id) is gapless starting at 0.
		CREATE TABLE IF NOT EXISTS refs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			hash TEXT NOT NULL,
			title TEXT NOT NULL,
			subtitle TEXT,
			abstract TEXT,
			language TEXT,
			document_type TEXT,
			issued TEXT,
			contributors_json TEXT,
			identifiers_json TEXT,
			subjects_json TEXT,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (source, source_id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_refs_source_id ON refs(source, source_id);

		CREATE TABLE IF NOT EXISTS reference_events (
			id TEXT PRIMARY KEY,
			harvesting_id TEXT NOT NULL REFERENCES harvestings(id) ON DELETE CASCADE,
			reference_id TEXT NOT NULL REFERENCES refs(id),
			type TEXT NOT NULL,
			history INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_reference ON reference_events(reference_id);
		CREATE INDEX IF NOT EXISTS idx_events_harvesting ON reference_events(harvesting_id);
	`

	_, err := db.Exec(schema)
	return err
}

// CreateEntity persists a new entity and its identifiers.
func (d *DB) CreateEntity(ctx context.Context, entity *types.Entity) error {
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "storage", "CreateEntity", "beginning transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entities (id, kind, name, created_at) VALUES (?, ?, ?, ?)`,
		entity.ID, string(entity.Kind), entity.Name, entity.CreatedAt); err != nil {
		return errors.Wrap(err, "storage", "CreateEntity", "inserting entity")
	}
	for _, id := range entity.Identifiers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identifiers (entity_id, type, value) VALUES (?, ?, ?)`,
			entity.ID, id.Type, id.Value); err != nil {
			return errors.Wrap(err, "storage", "CreateEntity", "inserting identifier")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "storage", "CreateEntity", "committing transaction")
	}
	return nil
}

// ResolveEntityByIdentifiers returns the entity owning any of the given
// identifiers, or nil when no entity matches.
func (d *DB) ResolveEntityByIdentifiers(ctx context.Context, ids []types.Identifier) (*types.Entity, error) {
	for _, id := range ids {
		var entityID string
		err := d.db.QueryRowContext(ctx,
			`SELECT entity_id FROM identifiers WHERE type = ? AND value = ?`,
			id.Type, id.Value).Scan(&entityID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "storage", "ResolveEntityByIdentifiers", "identifier lookup")
		}
		return d.getEntity(ctx, entityID)
	}
	return nil, nil
}

func (d *DB) getEntity(ctx context.Context, entityID string) (*types.Entity, error) {
	var e types.Entity
	var kind string
	var name sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT id, kind, name, created_at FROM entities WHERE id = ?`, entityID).
		Scan(&e.ID, &kind, &name, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", entityID, errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "getEntity", "loading entity")
	}
	e.Kind = types.EntityKind(kind)
	e.Name = name.String

	rows, err := d.db.QueryContext(ctx,
		`SELECT type, value FROM identifiers WHERE entity_id = ? ORDER BY type`, entityID)
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "getEntity", "loading identifiers")
	}
	defer rows.Close()
	for rows.Next() {
		var id types.Identifier
		if err := rows.Scan(&id.Type, &id.Value); err != nil {
			return nil, errors.Wrap(err, "storage", "getEntity", "scanning identifier")
		}
		e.Identifiers = append(e.Identifiers, id)
	}
	return &e, rows.Err()
}

// UpdateEntity rewrites the entity's name and identifier set.
func (d *DB) UpdateEntity(ctx context.Context, entity *types.Entity) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "storage", "UpdateEntity", "beginning transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET name = ? WHERE id = ?`, entity.Name, entity.ID); err != nil {
		return errors.Wrap(err, "storage", "UpdateEntity", "updating entity")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM identifiers WHERE entity_id = ?`, entity.ID); err != nil {
		return errors.Wrap(err, "storage", "UpdateEntity", "clearing identifiers")
	}
	for _, id := range entity.Identifiers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identifiers (entity_id, type, value) VALUES (?, ?, ?)`,
			entity.ID, id.Type, id.Value); err != nil {
			return errors.Wrap(err, "storage", "UpdateEntity", "inserting identifier")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "storage", "UpdateEntity", "committing transaction")
	}
	return nil
}

// CreateRetrieval persists a retrieval for an entity.
func (d *DB) CreateRetrieval(ctx context.Context, retrieval *types.Retrieval) error {
	if retrieval.ID == "" {
		retrieval.ID = uuid.NewString()
	}
	if retrieval.CreatedAt.IsZero() {
		retrieval.CreatedAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO retrievals (id, entity_id, events, created_at) VALUES (?, ?, ?, ?)`,
		retrieval.ID, retrieval.EntityID, strings.Join(retrieval.Events, ","), retrieval.CreatedAt)
	if err != nil {
		return errors.WrapTransient(err, "storage", "CreateRetrieval", "inserting retrieval")
	}
	return nil
}

// CreateHarvesting persists a harvesting owned by a retrieval.
func (d *DB) CreateHarvesting(ctx context.Context, harvesting *types.Harvesting) error {
	if harvesting.ID == "" {
		harvesting.ID = uuid.NewString()
	}
	if harvesting.State == "" {
		harvesting.State = types.HarvestingIdle
	}
	if harvesting.Timestamp.IsZero() {
		harvesting.Timestamp = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO harvestings (id, retrieval_id, source, state, history, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		harvesting.ID, harvesting.RetrievalID, harvesting.Source,
		string(harvesting.State), boolToInt(harvesting.History), harvesting.Timestamp)
	if err != nil {
		return errors.WrapTransient(err, "storage", "CreateHarvesting", "inserting harvesting")
	}
	return nil
}

// UpdateHarvestingState persists a lifecycle transition.
func (d *DB) UpdateHarvestingState(ctx context.Context, harvestingID string, state types.HarvestingState) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE harvestings SET state = ? WHERE id = ?`, string(state), harvestingID)
	if err != nil {
		return errors.WrapTransient(err, "storage", "UpdateHarvestingState", "updating state")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("harvesting %s: %w", harvestingID, errors.ErrNotFound)
	}
	return nil
}

// RecordHarvestingError attaches an error record to a harvesting.
func (d *DB) RecordHarvestingError(ctx context.Context, harvestingID, errType, errMessage string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE harvestings SET error_type = ?, error_message = ? WHERE id = ?`,
		errType, errMessage, harvestingID)
	if err != nil {
		return errors.WrapTransient(err, "storage", "RecordHarvestingError", "recording error")
	}
	return nil
}

// GetHarvesting loads one harvesting by id.
func (d *DB) GetHarvesting(ctx context.Context, harvestingID string) (*types.Harvesting, error) {
	var h types.Harvesting
	var state string
	var history int
	var errType, errMessage sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT id, retrieval_id, source, state, history, timestamp, error_type, error_message
		 FROM harvestings WHERE id = ?`, harvestingID).
		Scan(&h.ID, &h.RetrievalID, &h.Source, &state, &history, &h.Timestamp, &errType, &errMessage)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("harvesting %s: %w", harvestingID, errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "GetHarvesting", "loading harvesting")
	}
	h.State = types.HarvestingState(state)
	h.History = history != 0
	h.ErrType = errType.String
	h.ErrMessage = errMessage.String
	return &h, nil
}

// LatestReferenceBySourceAndID returns the highest-version reference for
// (source, sourceID) that is history-eligible or has no events at all.
func (d *DB) LatestReferenceBySourceAndID(ctx context.Context, source, sourceID string) (*types.Reference, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+selectRefFields+` FROM refs r
		 WHERE r.source = ? AND r.source_id = ?
		   AND (NOT EXISTS (SELECT 1 FROM reference_events e WHERE e.reference_id = r.id)
		     OR EXISTS (SELECT 1 FROM reference_events e WHERE e.reference_id = r.id AND e.history = 1))
		 ORDER BY r.version DESC LIMIT 1`,
		source, sourceID)

	ref, err := scanReference(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "LatestReferenceBySourceAndID", "querying reference")
	}
	return ref, nil
}

// NewestReferenceBySourceAndID returns the highest-version reference for
// (source, sourceID) regardless of event visibility.
func (d *DB) NewestReferenceBySourceAndID(ctx context.Context, source, sourceID string) (*types.Reference, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+selectRefFields+` FROM refs
		 WHERE source = ? AND source_id = ?
		 ORDER BY version DESC LIMIT 1`,
		source, sourceID)

	ref, err := scanReference(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "NewestReferenceBySourceAndID", "querying reference")
	}
	return ref, nil
}

// CreateReference persists a new immutable reference version.
func (d *DB) CreateReference(ctx context.Context, ref *types.Reference) error {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}

	contributors, err := json.Marshal(ref.Contributors)
	if err != nil {
		return errors.WrapInvalid(err, "storage", "CreateReference", "encoding contributors")
	}
	identifiers, err := json.Marshal(ref.Identifiers)
	if err != nil {
		return errors.WrapInvalid(err, "storage", "CreateReference", "encoding identifiers")
	}
	subjects, err := json.Marshal(ref.Subjects)
	if err != nil {
		return errors.WrapInvalid(err, "storage", "CreateReference", "encoding subjects")
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO refs (id, source, source_id, version, hash,
			title, subtitle, abstract, language, document_type, issued,
			contributors_json, identifiers_json, subjects_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.Source, ref.SourceID, ref.Version, ref.Hash,
		ref.Title, ref.Subtitle, ref.Abstract, ref.Language, ref.DocType, ref.PublishedAt,
		string(contributors), string(identifiers), string(subjects), ref.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s version %d",
				errors.ErrVersionConflict, ref.Source, ref.SourceID, ref.Version)
		}
		return errors.WrapTransient(err, "storage", "CreateReference", "inserting reference")
	}
	return nil
}

// CreateReferenceEvent persists one diffing outcome.
func (d *DB) CreateReferenceEvent(ctx context.Context, event *types.ReferenceEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO reference_events (id, harvesting_id, reference_id, type, history, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.HarvestingID, event.ReferenceID,
		string(event.Type), boolToInt(event.History), event.CreatedAt)
	if err != nil {
		return errors.WrapTransient(err, "storage", "CreateReferenceEvent", "inserting event")
	}
	return nil
}

// ReferencesFromPriorHistoryEligibleHarvestings returns the deletion
// baseline for one (entity, source) pair, excluding the running harvesting.
func (d *DB) ReferencesFromPriorHistoryEligibleHarvestings(ctx context.Context, entityID, source, excludingHarvestingID string) ([]types.Reference, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT r.id, r.source, r.source_id, r.version, r.hash,
			r.title, r.subtitle, r.abstract, r.language, r.document_type, r.issued,
			r.contributors_json, r.identifiers_json, r.subjects_json, r.created_at,
			e.type
		 FROM reference_events e
		 JOIN refs r ON r.id = e.reference_id
		 JOIN harvestings h ON h.id = e.harvesting_id
		 JOIN retrievals rt ON rt.id = h.retrieval_id
		 WHERE e.history = 1 AND h.source = ? AND rt.entity_id = ? AND h.id <> ?
		 ORDER BY e.created_at, e.rowid`,
		source, entityID, excludingHarvestingID)
	if err != nil {
		return nil, errors.WrapTransient(err, "storage", "ReferencesFromPriorHistoryEligibleHarvestings", "querying baseline")
	}
	defer rows.Close()

	type candidate struct {
		best     types.Reference
		lastType types.EventType
	}
	bySourceID := make(map[string]*candidate)
	var order []string

	for rows.Next() {
		var ref types.Reference
		var subtitle, abstract, language, docType, issued sql.NullString
		var contributors, identifiers, subjects sql.NullString
		var evType string
		if err := rows.Scan(&ref.ID, &ref.Source, &ref.SourceID, &ref.Version, &ref.Hash,
			&ref.Title, &subtitle, &abstract, &language, &docType, &issued,
			&contributors, &identifiers, &subjects, &ref.CreatedAt, &evType); err != nil {
			return nil, errors.Wrap(err, "storage", "ReferencesFromPriorHistoryEligibleHarvestings", "scanning row")
		}
		fillOptionalFields(&ref, subtitle, abstract, language, docType, issued, contributors, identifiers, subjects)

		c, ok := bySourceID[ref.SourceID]
		if !ok {
			c = &candidate{best: ref}
			bySourceID[ref.SourceID] = c
			order = append(order, ref.SourceID)
		} else if ref.Version > c.best.Version {
			c.best = ref
		}
		// Rows are ordered by event time: the last one wins.
		c.lastType = types.EventType(evType)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "storage", "ReferencesFromPriorHistoryEligibleHarvestings", "iterating rows")
	}

	var refs []types.Reference
	for _, sid := range order {
		c := bySourceID[sid]
		if c.lastType == types.EventDeleted {
			continue
		}
		refs = append(refs, c.best)
	}
	return refs, nil
}

// scanner abstracts sql.Row and sql.Rows for reference scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanReference(row scanner) (*types.Reference, error) {
	var ref types.Reference
	var subtitle, abstract, language, docType, issued sql.NullString
	var contributors, identifiers, subjects sql.NullString
	err := row.Scan(&ref.ID, &ref.Source, &ref.SourceID, &ref.Version, &ref.Hash,
		&ref.Title, &subtitle, &abstract, &language, &docType, &issued,
		&contributors, &identifiers, &subjects, &ref.CreatedAt)
	if err != nil {
		return nil, err
	}
	fillOptionalFields(&ref, subtitle, abstract, language, docType, issued, contributors, identifiers, subjects)
	return &ref, nil
}

func fillOptionalFields(ref *types.Reference,
	subtitle, abstract, language, docType, issued sql.NullString,
	contributors, identifiers, subjects sql.NullString) {
	ref.Subtitle = subtitle.String
	ref.Abstract = abstract.String
	ref.Language = language.String
	ref.DocType = docType.String
	ref.PublishedAt = issued.String
	if contributors.Valid && contributors.String != "" {
		_ = json.Unmarshal([]byte(contributors.String), &ref.Contributors)
	}
	if identifiers.Valid && identifiers.String != "" {
		_ = json.Unmarshal([]byte(identifiers.String), &ref.Identifiers)
	}
	if subjects.Valid && subjects.String != "" {
		_ = json.Unmarshal([]byte(subjects.String), &ref.Subjects)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
