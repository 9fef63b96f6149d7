// Package backend implements the storage/OT/query Backend the session
// Agent talks to: SQLite storage with WAL pragma tuning (this file), the
// OT component apply (ot.go), the changelog+processor eventing pipeline
// (processor.go), and the JSON where-clause query engine (query.go).
package backend

import (
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// knownCollections caches which collections already have their tables and
// triggers created, so EnsureCollection's hot path (called on every
// Subscribe/Fetch/Submit) skips the multi-statement CreateCollection
// transaction once a collection has been seen. This Backend has no typed
// columns, only opaque JSON documents, so the cache tracks existence
// only, not schema shape. Entries are per database handle, so two
// databases opened in one process never share each other's entries.
type knownCollectionKey struct {
	db   *sql.DB
	name string
}

var (
	knownCollections   = make(map[knownCollectionKey]bool)
	knownCollectionsMu sync.RWMutex
)

// loadKnownCollections primes the cache from system_collections — call
// once after OpenDB so a restart doesn't pay CreateCollection's cost again
// for collections that already exist.
func loadKnownCollections(db *sql.DB) error {
	rows, err := db.Query("SELECT name FROM system_collections")
	if err != nil {
		return fmt.Errorf("backend: load known collections: %w", err)
	}
	defer rows.Close()

	knownCollectionsMu.Lock()
	defer knownCollectionsMu.Unlock()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		knownCollections[knownCollectionKey{db, name}] = true
	}
	return rows.Err()
}

func isKnownCollection(db *sql.DB, name string) bool {
	knownCollectionsMu.RLock()
	defer knownCollectionsMu.RUnlock()
	return knownCollections[knownCollectionKey{db, name}]
}

func markKnownCollection(db *sql.DB, name string) {
	knownCollectionsMu.Lock()
	defer knownCollectionsMu.Unlock()
	knownCollections[knownCollectionKey{db, name}] = true
}

// collectionNameSanitizer keeps collection names safe to interpolate into
// dynamic SQL identifiers.
var collectionNameSanitizer = regexp.MustCompile("^[a-z0-9_]+$")

// OpenDB opens the SQLite database at path with a WAL/perf pragma set
// tuned for concurrent readers and a single writer, then ensures the
// shared bookkeeping tables (changelog, system_state,
// system_collections) exist.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_cache_size=-64000&_foreign_keys=on",
		path,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("backend: open db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("backend: ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA mmap_size=268435456;"); err != nil {
		return nil, fmt.Errorf("backend: set mmap_size: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	INSERT OR IGNORE INTO system_state (key, value) VALUES ('last_processed_changelog_id', '0');

	CREATE TABLE IF NOT EXISTS system_collections (
		name TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS changelog (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection_name TEXT NOT NULL,
		document_id TEXT NOT NULL,
		new_data JSON,
		old_data JSON,
		new_type TEXT,
		old_type TEXT,
		op_v INTEGER,
		op_src TEXT,
		op_client_seq INTEGER,
		op_json JSON,
		op_create_type TEXT,
		op_create_data JSON,
		op_del INTEGER,
		op_m JSON
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("backend: create bookkeeping schema: %w", err)
	}
	if err := loadKnownCollections(db); err != nil {
		return nil, err
	}
	return db, nil
}

// CreateCollection creates the docs table for collection, plus the
// insert/update triggers that feed the changelog. A deleted document is
// never physically removed: it becomes a row with data=NULL so its
// version survives for a future create at the next version, not a reset
// to version zero.
func CreateCollection(db *sql.DB, name string) error {
	if !collectionNameSanitizer.MatchString(name) {
		return fmt.Errorf("backend: invalid collection name %q", name)
	}

	docsTable := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		v INTEGER NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		data JSON
	);`, name)

	opsTable := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s_ops (
		seq_no INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT NOT NULL,
		v INTEGER NOT NULL,
		src TEXT NOT NULL,
		client_seq INTEGER NOT NULL,
		op JSON,
		create_type TEXT,
		create_data JSON,
		del INTEGER NOT NULL DEFAULT 0,
		m JSON,
		UNIQUE(doc_id, v),
		UNIQUE(src, client_seq)
	);`, name)

	// Triggers fire on the docs table, which this Backend's Submit always
	// updates in the same transaction right after inserting the op row,
	// so the subselect below picks up the op that caused this write.
	triggers := fmt.Sprintf(`
	CREATE TRIGGER IF NOT EXISTS %[1]s_insert_trigger AFTER INSERT ON %[1]s
	BEGIN
		INSERT INTO changelog (
			collection_name, document_id, new_data, old_data, new_type, old_type,
			op_v, op_src, op_client_seq, op_json, op_create_type, op_create_data, op_del, op_m
		)
		SELECT '%[1]s', NEW.id, NEW.data, NULL, NEW.type, NULL,
			o.v, o.src, o.client_seq, o.op, o.create_type, o.create_data, o.del, o.m
		FROM %[1]s_ops o WHERE o.doc_id = NEW.id ORDER BY o.seq_no DESC LIMIT 1;
	END;

	CREATE TRIGGER IF NOT EXISTS %[1]s_update_trigger AFTER UPDATE ON %[1]s
	BEGIN
		INSERT INTO changelog (
			collection_name, document_id, new_data, old_data, new_type, old_type,
			op_v, op_src, op_client_seq, op_json, op_create_type, op_create_data, op_del, op_m
		)
		SELECT '%[1]s', NEW.id, NEW.data, OLD.data, NEW.type, OLD.type,
			o.v, o.src, o.client_seq, o.op, o.create_type, o.create_data, o.del, o.m
		FROM %[1]s_ops o WHERE o.doc_id = NEW.id ORDER BY o.seq_no DESC LIMIT 1;
	END;
	`, name)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("backend: begin create collection: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(docsTable); err != nil {
		return fmt.Errorf("backend: create docs table: %w", err)
	}
	if _, err := tx.Exec(opsTable); err != nil {
		return fmt.Errorf("backend: create ops table: %w", err)
	}
	if _, err := tx.Exec(triggers); err != nil {
		return fmt.Errorf("backend: create triggers: %w", err)
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO system_collections (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("backend: register collection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	markKnownCollection(db, name)
	return nil
}

// EnsureCollection creates the collection's tables if they don't exist
// yet, so Subscribe/Fetch/Submit never require a caller to explicitly
// provision a collection first. Skips straight through once
// knownCollections already has the name.
func EnsureCollection(db *sql.DB, name string) error {
	if isKnownCollection(db, name) {
		return nil
	}
	return CreateCollection(db, name)
}

// CreateIndex builds a (composite, optionally unique) index over a
// collection's JSON data column.
func CreateIndex(db *sql.DB, collection, indexName string, fields []string, unique bool) error {
	if !collectionNameSanitizer.MatchString(collection) {
		return fmt.Errorf("backend: invalid collection name %q", collection)
	}
	if !identifierSanitizer.MatchString(indexName) {
		return fmt.Errorf("backend: invalid index name %q", indexName)
	}
	if len(fields) == 0 {
		return fmt.Errorf("backend: at least one field required")
	}

	exprs := make([]string, len(fields))
	for i, f := range fields {
		if !identifierSanitizer.MatchString(f) {
			return fmt.Errorf("backend: invalid index field %q", f)
		}
		exprs[i] = fmt.Sprintf("json_extract(data, '$.%s')", f)
	}

	uniqueKw := ""
	if unique {
		uniqueKw = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (", uniqueKw, indexName, collection)
	for i, e := range exprs {
		if i > 0 {
			stmt += ", "
		}
		stmt += e
	}
	stmt += ");"

	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("backend: create index: %w", err)
	}
	return nil
}

var identifierSanitizer = regexp.MustCompile("^[a-zA-Z0-9_]+$")
