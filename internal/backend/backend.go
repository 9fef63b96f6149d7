package backend

import (
	"context"
	"database/sql"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/zag2art/sharedb/internal/contract"
)

// CodeInvalidQuery is returned when a query clause fails validation.
const CodeInvalidQuery = 4003

// docStreamBuffer bounds how many catch-up/live ops a DocStream can hold
// before Push blocks its producer — generous enough that a reasonably
// fast client never backs up the hub.
const docStreamBuffer = 64

// Backend implements contract.Backend against a single SQLite database:
// storage and schema live in store.go, the OT component apply in ot.go,
// query parsing/evaluation in query.go, change fan-out in hub.go, and
// crash-safe replay in processor.go.
type Backend struct {
	db     *sql.DB
	hub    *Hub
	wake   chan bool
	done   chan struct{}
	logger zerolog.Logger
}

// New wraps an already-opened database (see OpenDB). Call Start before
// serving any requests.
func New(db *sql.DB, logger zerolog.Logger) *Backend {
	return &Backend{
		db:     db,
		hub:    NewHub(),
		wake:   make(chan bool, 1),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "backend").Logger(),
	}
}

// Start launches the hub dispatch loop and the crash-safe event
// processor, both for the lifetime of the process (stop with Close).
func (b *Backend) Start() {
	go b.hub.Run()
	go func() {
		if err := runEventProcessor(b.db, b.hub, b.wake, b.done); err != nil {
			b.logger.Error().Err(err).Msg("event processor stopped")
		}
	}()
}

// Close signals the event processor to stop. The hub loop is left
// running — nothing currently stops it short of process exit.
func (b *Backend) Close() {
	close(b.done)
}

// Ping reports whether the underlying database is reachable, for the
// server's health endpoint.
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// CreateCollection explicitly creates a collection's tables ahead of
// first use — exposed for the REST admin surface; Subscribe/Fetch/Submit
// never need callers to do this since EnsureCollection creates lazily.
func (b *Backend) CreateCollection(name string) error {
	return CreateCollection(b.db, name)
}

// CreateIndex builds a (composite, optionally unique) index over a
// collection's JSON document data.
func (b *Backend) CreateIndex(collection, indexName string, fields []string, unique bool) error {
	return CreateIndex(b.db, collection, indexName, fields, unique)
}

func (b *Backend) getSnapshot(collection, docID string) (*contract.Snapshot, error) {
	var v int64
	var typ string
	var data sql.NullString
	q := fmt.Sprintf("SELECT v, type, data FROM %s WHERE id = ?", collection)
	err := dbQueryRow(b.db, q, docID).Scan(&v, &typ, &data)
	if err == sql.ErrNoRows {
		return &contract.Snapshot{V: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backend: read snapshot: %w", err)
	}
	snap := &contract.Snapshot{V: v, Type: typ}
	if data.Valid {
		snap.Data = json.RawMessage(data.String)
	}
	return snap, nil
}

func (b *Backend) getOps(collection, docID string, from int64, to *int64) ([]contract.Op, error) {
	q := fmt.Sprintf(`SELECT v, src, client_seq, op, create_type, create_data, del, m
		FROM %s_ops WHERE doc_id = ? AND v >= ?`, collection)
	args := []any{docID, from}
	if to != nil {
		q += " AND v < ?"
		args = append(args, *to)
	}
	q += " ORDER BY v ASC"

	rows, err := dbQuery(b.db, q, args...)
	if err != nil {
		return nil, fmt.Errorf("backend: read ops: %w", err)
	}
	defer rows.Close()

	var ops []contract.Op
	for rows.Next() {
		var op contract.Op
		var opJSON, createType, createData, m sql.NullString
		var del int
		if err := rows.Scan(&op.V, &op.Src, &op.Seq, &opJSON, &createType, &createData, &del, &m); err != nil {
			return nil, fmt.Errorf("backend: scan op: %w", err)
		}
		op.C = collection
		op.Del = del != 0
		if opJSON.Valid {
			op.Op = json.RawMessage(opJSON.String)
		}
		if createType.Valid {
			op.Create = &contract.CreatePayload{Type: createType.String}
			if createData.Valid {
				op.Create.Data = json.RawMessage(createData.String)
			}
		}
		if m.Valid {
			op.M = json.RawMessage(m.String)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Subscribe opens a live stream for one document, seeding it either with
// the current snapshot (v == nil) or with the ops since v so the caller
// can catch up without a snapshot round trip.
func (b *Backend) Subscribe(ctx context.Context, callerID, collection, docID string, v *int64) (*contract.DocStream, *contract.Snapshot, error) {
	if err := EnsureCollection(b.db, collection); err != nil {
		return nil, nil, err
	}

	var stream *contract.DocStream
	stream = contract.NewDocStream(docStreamBuffer, func() {
		b.hub.UnsubscribeDoc(collection, docID, stream)
	})
	b.hub.SubscribeDoc(collection, docID, stream)

	if v == nil {
		snap, err := b.getSnapshot(collection, docID)
		if err != nil {
			stream.Destroy()
			return nil, nil, err
		}
		return stream, snap, nil
	}

	ops, err := b.getOps(collection, docID, *v, nil)
	if err != nil {
		stream.Destroy()
		return nil, nil, err
	}
	for i := range ops {
		stream.Push(contract.DocStreamEvent{Op: &ops[i]})
	}
	return stream, nil, nil
}

// SubscribeBulk subscribes to many documents in one collection at once.
// On a mid-way failure it destroys every stream already opened so the
// caller never has to reconcile a partial bulk subscribe itself.
func (b *Backend) SubscribeBulk(ctx context.Context, callerID, collection string, versions map[string]*int64) (map[string]*contract.DocStream, map[string]*contract.Snapshot, error) {
	if err := EnsureCollection(b.db, collection); err != nil {
		return nil, nil, err
	}
	streams := make(map[string]*contract.DocStream, len(versions))
	snapshots := make(map[string]*contract.Snapshot, len(versions))
	for docID, v := range versions {
		stream, snap, err := b.Subscribe(ctx, callerID, collection, docID, v)
		if err != nil {
			for _, s := range streams {
				s.Destroy()
			}
			return streams, snapshots, err
		}
		streams[docID] = stream
		if snap != nil {
			snapshots[docID] = snap
		}
	}
	return streams, snapshots, nil
}

// Fetch returns a document's current snapshot without subscribing to it.
func (b *Backend) Fetch(ctx context.Context, collection, docID string) (*contract.Snapshot, error) {
	if err := EnsureCollection(b.db, collection); err != nil {
		return nil, err
	}
	return b.getSnapshot(collection, docID)
}

// GetOps returns the ops recorded for one document in [from, to).
func (b *Backend) GetOps(ctx context.Context, collection, docID string, from int64, to *int64) ([]contract.Op, error) {
	if err := EnsureCollection(b.db, collection); err != nil {
		return nil, err
	}
	return b.getOps(collection, docID, from, to)
}

// GetOpsBulk returns the catch-up ops for many documents in one
// collection at once, keyed by docId; a document with no new ops is
// omitted from the result.
func (b *Backend) GetOpsBulk(ctx context.Context, collection string, from map[string]int64, to *int64) (map[string][]contract.Op, error) {
	if err := EnsureCollection(b.db, collection); err != nil {
		return nil, err
	}
	out := make(map[string][]contract.Op, len(from))
	for docID, f := range from {
		ops, err := b.getOps(collection, docID, f, to)
		if err != nil {
			return nil, err
		}
		if len(ops) > 0 {
			out[docID] = ops
		}
	}
	return out, nil
}

// Submit runs a single transaction that checks for a duplicate
// (src, seq) pair, validates the op's base version against the stored
// document, applies it, and writes both the op row and the new document
// snapshot. On success op.V is mutated to the committed version.
//
// This Backend does not implement operational transform: a version
// mismatch is always a hard error (CodeVersionMismatch), never a
// transform-and-retry. Submit takes an implicit per-document lock for
// the duration of the transaction via SQLite's own write serialization,
// so the returned "missed ops" slice is always empty.
func (b *Backend) Submit(ctx context.Context, callerID, collection, docID string, op *contract.Op) ([]contract.Op, error) {
	if err := EnsureCollection(b.db, collection); err != nil {
		return nil, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: begin submit: %w", err)
	}
	defer tx.Rollback()
	txID := fmt.Sprintf("%s/%s:%d", docID, op.Src, op.Seq)

	var dupV int64
	dupQ := fmt.Sprintf("SELECT v FROM %s_ops WHERE src = ? AND client_seq = ?", collection)
	switch err := queryRowTx(tx, txID, dupQ, op.Src, op.Seq).Scan(&dupV); err {
	case nil:
		op.V = dupV
		return nil, contract.NewError(contract.CodeDuplicateSubmit, "op src=%s seq=%d already submitted", op.Src, op.Seq)
	case sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("backend: check duplicate submit: %w", err)
	}

	var curV int64
	var curType string
	var curData sql.NullString
	docQ := fmt.Sprintf("SELECT v, type, data FROM %s WHERE id = ?", collection)
	err = queryRowTx(tx, txID, docQ, docID).Scan(&curV, &curType, &curData)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("backend: read current doc: %w", err)
	}
	var baseV int64
	if exists {
		baseV = curV
	}
	if op.V != baseV {
		return nil, contract.NewError(contract.CodeVersionMismatch, "expected base version %d, got %d", baseV, op.V)
	}

	var newData []byte
	var newType string
	switch {
	case op.Create != nil:
		newType = op.Create.Type
		newData = op.Create.Data
		if newData == nil {
			newData = []byte("{}")
		}
	case op.Del:
		newType, newData = "", nil
	default:
		if !exists || !curData.Valid {
			return nil, contract.NewError(contract.CodeVersionMismatch, "cannot edit a nonexistent document")
		}
		newType = curType
		newData, err = applyComponents([]byte(curData.String), op.Op)
		if err != nil {
			return nil, err
		}
	}
	op.V = baseV + 1

	var opJSON, createType, createData, m sql.NullString
	if op.Op != nil {
		opJSON = sql.NullString{String: string(op.Op), Valid: true}
	}
	if op.Create != nil {
		createType = sql.NullString{String: op.Create.Type, Valid: true}
		createData = sql.NullString{String: string(op.Create.Data), Valid: op.Create.Data != nil}
	}
	if op.M != nil {
		m = sql.NullString{String: string(op.M), Valid: true}
	}
	del := 0
	if op.Del {
		del = 1
	}

	insertOp := fmt.Sprintf(`INSERT INTO %s_ops (doc_id, v, src, client_seq, op, create_type, create_data, del, m)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, collection)
	if _, err := execTxQuery(tx, txID, insertOp, docID, op.V, op.Src, op.Seq, opJSON, createType, createData, del, m); err != nil {
		return nil, fmt.Errorf("backend: insert op: %w", err)
	}

	upsertDoc := fmt.Sprintf(`INSERT INTO %[1]s (id, v, type, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET v = excluded.v, type = excluded.type, data = excluded.data`, collection)
	var dataArg any
	if newData != nil {
		dataArg = string(newData)
	}
	if _, err := execTxQuery(tx, txID, upsertDoc, docID, op.V, newType, dataArg); err != nil {
		return nil, fmt.Errorf("backend: upsert doc: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("backend: commit submit: %w", err)
	}
	notifyUpdate(b.wake)
	return nil, nil
}

func (b *Backend) runQuery(collection string, dsl *QueryDSL) ([]contract.QueryResult, error) {
	sqlStr, args, err := buildQuery(collection, dsl)
	if err != nil {
		return nil, err
	}
	rows, err := dbQuery(b.db, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("backend: run query: %w", err)
	}
	defer rows.Close()

	var results []contract.QueryResult
	for rows.Next() {
		var r contract.QueryResult
		var data sql.NullString
		if err := rows.Scan(&r.ID, &r.V, &r.Type, &data); err != nil {
			return nil, fmt.Errorf("backend: scan query row: %w", err)
		}
		if data.Valid {
			r.Data = json.RawMessage(data.String)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// QuerySubscribe validates and runs a query, then installs a live
// emitter keyed by the query's canonical hash. Later writes to a
// document that matches the query are pushed as ops; a document that
// stops matching (or is deleted) is pushed as a remove diff.
func (b *Backend) QuerySubscribe(ctx context.Context, callerID, collection string, q json.RawMessage, opts contract.QueryOptions) (*contract.QueryEmitter, []contract.QueryResult, json.RawMessage, error) {
	if err := EnsureCollection(b.db, collection); err != nil {
		return nil, nil, nil, err
	}
	dsl, err := ParseAndValidateQuery(q)
	if err != nil {
		return nil, nil, nil, contract.NewError(CodeInvalidQuery, "%v", err)
	}
	results, err := b.runQuery(collection, dsl)
	if err != nil {
		return nil, nil, nil, err
	}

	hash := QueryHash(dsl)
	var emitter *contract.QueryEmitter
	emitter = contract.NewQueryEmitter(hash, opts, func() {
		b.hub.UnsubscribeQuery(collection, hash, emitter)
	})
	b.hub.SubscribeQuery(collection, hash, dsl, emitter)

	return emitter, results, nil, nil
}

// QueryResubscribe re-runs an already-subscribed query by its index,
// without tearing down and recreating the emitter behind it.
func (b *Backend) QueryResubscribe(ctx context.Context, callerID string, index uint64, q json.RawMessage, emitter *contract.QueryEmitter, opts contract.QueryOptions) ([]contract.QueryResult, json.RawMessage, error) {
	dsl, err := ParseAndValidateQuery(q)
	if err != nil {
		return nil, nil, contract.NewError(CodeInvalidQuery, "%v", err)
	}
	results, err := b.runQueryByIndex(index, dsl)
	if err != nil {
		return nil, nil, err
	}
	return results, nil, nil
}

// runQueryByIndex re-runs a query against whichever collection it was
// originally subscribed under. The hub's querySubs map is keyed by
// collection + hash, so the collection is found by scanning it for the
// hash (Hub.collectionForHash).
func (b *Backend) runQueryByIndex(index uint64, dsl *QueryDSL) ([]contract.QueryResult, error) {
	collection, ok := b.hub.collectionForHash(index)
	if !ok {
		return nil, contract.NewError(CodeInvalidQuery, "unknown query index %d", index)
	}
	return b.runQuery(collection, dsl)
}

// QueryFetch runs a query once and returns its results without
// installing a live emitter.
func (b *Backend) QueryFetch(ctx context.Context, callerID, collection string, q json.RawMessage, opts contract.QueryOptions) ([]contract.QueryResult, json.RawMessage, error) {
	if err := EnsureCollection(b.db, collection); err != nil {
		return nil, nil, err
	}
	dsl, err := ParseAndValidateQuery(q)
	if err != nil {
		return nil, nil, contract.NewError(CodeInvalidQuery, "%v", err)
	}
	results, err := b.runQuery(collection, dsl)
	if err != nil {
		return nil, nil, err
	}
	return results, nil, nil
}
