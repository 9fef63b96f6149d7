// Package contract defines the data shapes and the Backend capability set
// that internal/session's Agent requires of its storage/OT/query
// collaborator. Nothing in this package knows how to transform, persist,
// or evaluate anything — see internal/backend for the concrete
// implementation.
package contract

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
)

// Error is a Backend error carrying the numeric wire code the session
// layer forwards to the client.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError builds a Backend error with the given wire code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeDuplicateSubmit is the well-known "op already submitted" backend
// error — the session layer upgrades it to success instead of forwarding
// it as a failure.
const CodeDuplicateSubmit = 4001

// CodeVersionMismatch is raised by Submit when the op's base version no
// longer matches the stored document.
const CodeVersionMismatch = 4002

// CreatePayload is the body of a `create` op: an initial type + snapshot.
type CreatePayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Op is the Backend's representation of one operation on one document,
// minus the docId, which is always known from context in this Backend's
// API. C records the collection the op was submitted to.
type Op struct {
	V      int64           `json:"v,omitempty"`
	Src    string          `json:"src,omitempty"`
	Seq    int64           `json:"seq,omitempty"`
	Op     json.RawMessage `json:"op,omitempty"`
	Create *CreatePayload  `json:"create,omitempty"`
	Del    bool            `json:"del,omitempty"`
	// I is the source-collection override used for own-op filtering.
	// Left empty by this Backend, which has no projection/mirroring
	// concept; the session layer falls back to C whenever I is unset.
	I string          `json:"i,omitempty"`
	C string          `json:"c,omitempty"`
	M json.RawMessage `json:"m,omitempty"`
}

// Snapshot is a document's current (or as-of-subscribe) state.
type Snapshot struct {
	V    int64           `json:"v"`
	Type string          `json:"type,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// QueryOptions is derived from the client's query subscribe request.
type QueryOptions struct {
	Versions map[string]*int64
	DB       string
}

// QueryResult is one row of a live query's result set.
type QueryResult struct {
	ID   string
	V    int64
	Type string
	Data json.RawMessage
}

// DocStreamEvent is one push from a DocStream: either an op or an
// asynchronous error.
type DocStreamEvent struct {
	Op  *Op
	Err error
}

// DocStream is the push stream of ops for one subscribed document.
// Destroy is idempotent and releases Backend resources.
type DocStream struct {
	events      chan DocStreamEvent
	destroyOnce sync.Once
	onDestroy   func()
}

// NewDocStream constructs a DocStream with the given buffered capacity.
// onDestroy, if non-nil, runs exactly once on the first Destroy call,
// before the channel is closed.
func NewDocStream(buf int, onDestroy func()) *DocStream {
	return &DocStream{events: make(chan DocStreamEvent, buf), onDestroy: onDestroy}
}

// Events returns the channel the session layer should range over.
func (s *DocStream) Events() <-chan DocStreamEvent { return s.events }

// Push delivers one event to the stream. It is safe to call concurrently
// with Destroy; pushing after destroy is a silent no-op.
func (s *DocStream) Push(ev DocStreamEvent) {
	// A send on a destroyed stream's closed channel panics even as a
	// select case, so both the fast path and the fallback are guarded.
	defer func() { recover() }()
	select {
	case s.events <- ev:
	default:
		// Slow consumer: block rather than drop, to preserve per-document
		// op order, but guard against a destroyed stream's closed channel
		// panicking.
		s.mustPush(ev)
	}
}

func (s *DocStream) mustPush(ev DocStreamEvent) {
	defer func() { recover() }()
	s.events <- ev
}

// Destroy idempotently releases this stream's Backend resources.
func (s *DocStream) Destroy() {
	s.destroyOnce.Do(func() {
		if s.onDestroy != nil {
			s.onDestroy()
		}
		close(s.events)
	})
}

// QueryDiffType enumerates the kinds of change a live query's result
// set can undergo.
type QueryDiffType string

const (
	DiffInsert QueryDiffType = "insert"
	DiffRemove QueryDiffType = "remove"
)

// QueryDiff is one change to a live query's result set.
type QueryDiff struct {
	Type   QueryDiffType `json:"type"`
	Index  int           `json:"index"`
	Values []QueryResult `json:"values,omitempty"`
}

// QueryEmitter is the push source for one live query. Its hook fields
// are mutable slots the session layer installs after
// QuerySubscribe/QueryResubscribe returns, once it knows which Agent
// and request the emitter's future pushes belong to.
type QueryEmitter struct {
	// Index is the query's dedup/resubscribe key (this Backend uses the
	// xxhash of the whole canonicalized query: where, orderBy, limit and
	// offset).
	Index uint64
	// Options are the QueryOptions this emitter was installed with,
	// needed verbatim by queryResubscribe.
	Options QueryOptions

	OnExtra func(extra json.RawMessage)
	OnDiff  func(diff []QueryDiff)
	OnOp    func(collection, docID string, op *Op)
	OnError func(err error)

	mu          sync.RWMutex
	destroyed   bool
	destroyOnce sync.Once
	onDestroy   func()
}

// NewQueryEmitter constructs a QueryEmitter for the given dedup index and
// subscribe-time options. onDestroy, if non-nil, runs exactly once on the
// first Destroy call.
func NewQueryEmitter(index uint64, opts QueryOptions, onDestroy func()) *QueryEmitter {
	return &QueryEmitter{Index: index, Options: opts, onDestroy: onDestroy}
}

// Destroy idempotently releases this emitter's Backend resources and
// prevents any further Fire* call from invoking a hook — narrowing the
// race between a hub broadcast already in flight and an unsubscribe to
// the brief window where the hub still holds a reference it's about to
// drop.
func (e *QueryEmitter) Destroy() {
	e.destroyOnce.Do(func() {
		e.mu.Lock()
		e.destroyed = true
		e.mu.Unlock()
		if e.onDestroy != nil {
			e.onDestroy()
		}
	})
}

// FireExtra, FireDiff and FireOp are how the hub delivers pushes to this
// emitter's hooks; they are no-ops once Destroy has run.
func (e *QueryEmitter) FireExtra(extra json.RawMessage) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.destroyed && e.OnExtra != nil {
		e.OnExtra(extra)
	}
}

func (e *QueryEmitter) FireDiff(diff []QueryDiff) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.destroyed && e.OnDiff != nil {
		e.OnDiff(diff)
	}
}

func (e *QueryEmitter) FireOp(collection, docID string, op *Op) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.destroyed && e.OnOp != nil {
		e.OnOp(collection, docID, op)
	}
}

func (e *QueryEmitter) FireError(err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.destroyed && e.OnError != nil {
		e.OnError(err)
	}
}

// Backend is the capability set the Agent requires of its storage/OT/
// query collaborator. callerID identifies the subscribing/submitting
// Agent by clientId; the full session.Agent is deliberately not
// threaded through this interface to avoid a dependency cycle and
// because clientId (plus the default-src behavior in Submit) is all
// any of these operations actually need.
type Backend interface {
	Subscribe(ctx context.Context, callerID, collection, docID string, v *int64) (*DocStream, *Snapshot, error)
	SubscribeBulk(ctx context.Context, callerID, collection string, versions map[string]*int64) (streams map[string]*DocStream, snapshots map[string]*Snapshot, err error)
	Fetch(ctx context.Context, collection, docID string) (*Snapshot, error)
	GetOps(ctx context.Context, collection, docID string, from int64, to *int64) ([]Op, error)
	GetOpsBulk(ctx context.Context, collection string, from map[string]int64, to *int64) (map[string][]Op, error)
	Submit(ctx context.Context, callerID, collection, docID string, op *Op) ([]Op, error)
	QuerySubscribe(ctx context.Context, callerID, collection string, q json.RawMessage, opts QueryOptions) (*QueryEmitter, []QueryResult, json.RawMessage, error)
	QueryResubscribe(ctx context.Context, callerID string, index uint64, q json.RawMessage, emitter *QueryEmitter, opts QueryOptions) ([]QueryResult, json.RawMessage, error)
	QueryFetch(ctx context.Context, callerID, collection string, q json.RawMessage, opts QueryOptions) ([]QueryResult, json.RawMessage, error)
}
