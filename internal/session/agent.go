// Package session implements the Agent: the per-connection client-session
// core that sits between a MessageStream and a Backend.
//
// All Agent-owned state (subscription maps, the closed flag) is mutated
// exclusively by the goroutine running Run's loop. Every other goroutine
// this package spawns — the transport reader, one Backend-call goroutine
// per in-flight request, one fan-in goroutine per installed DocStream,
// and the Backend's own QueryEmitter hook invocations — communicates
// with the loop only by posting a closure through post, never by
// touching Agent fields directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zag2art/sharedb/internal/contract"
	"github.com/zag2art/sharedb/internal/transport"
	"github.com/zag2art/sharedb/internal/wire"
)

// CodeRequestError is used for request-scoped errors the session layer
// itself raises that aren't malformed-request (4000) or a Backend error
// carrying its own code.
const CodeRequestError = 4003

// Agent is a single client's session core.
type Agent struct {
	ClientID    string
	ConnectTime time.Time

	stream  transport.MessageStream
	backend contract.Backend
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events  chan func(*Agent)
	pending sync.WaitGroup
	stopped chan struct{}

	closed bool

	subscribedDocs    map[string]map[string]*contract.DocStream
	subscribedQueries map[float64]*contract.QueryEmitter
	queryCollections  map[float64]string
}

// New constructs an Agent bound to one MessageStream and Backend. Call
// Run to start it; Run blocks until the stream ends and every in-flight
// Backend call has completed.
func New(stream transport.MessageStream, backend contract.Backend, logger zerolog.Logger) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		ClientID:          uuid.NewString(),
		ConnectTime:       time.Now(),
		stream:            stream,
		backend:           backend,
		logger:            logger.With().Str("component", "session").Logger(),
		ctx:               ctx,
		cancel:            cancel,
		events:            make(chan func(*Agent), 256),
		stopped:           make(chan struct{}),
		subscribedDocs:    make(map[string]map[string]*contract.DocStream),
		subscribedQueries: make(map[float64]*contract.QueryEmitter),
		queryCollections:  make(map[float64]string),
	}
}

// Run pumps messages until the stream ends and every outstanding
// Backend call this Agent issued has posted its result.
func (a *Agent) Run() {
	a.logger.Info().Str("clientId", a.ClientID).Msg("agent connected")
	a.stream.Write(a.ctx, map[string]any{"a": "init", "protocol": 0, "id": a.ClientID})

	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		a.readLoop()
	}()

	closedCh := make(chan struct{})
	go func() {
		a.pending.Wait()
		close(closedCh)
	}()

	for {
		select {
		case fn := <-a.events:
			fn(a)
			// Yield once per dispatched message so other scheduled
			// work — other Agents, the Backend's own goroutines —
			// gets a turn before the next message.
			runtime.Gosched()
		case <-closedCh:
			a.drainAndStop()
			return
		}
	}
}

// drainAndStop runs any closures already buffered in the channel (Run
// only gets here once the reader, every spawned call and every stream
// forwarder has finished posting) and then closes
// stopped so any still-in-flight post call (the narrow QueryEmitter-hook
// race noted in DESIGN.md) falls back to a no-op instead of blocking
// forever on a channel nobody reads anymore.
func (a *Agent) drainAndStop() {
	for {
		select {
		case fn := <-a.events:
			fn(a)
		default:
			close(a.stopped)
			a.cancel()
			a.logger.Info().Str("clientId", a.ClientID).Msg("agent disconnected")
			return
		}
	}
}

// post delivers fn to the Agent's single-owner loop. If the loop has
// already stopped, fn is dropped — callers that own external resources
// (streams, emitters) must not rely on post for cleanup once the Agent
// is closed; they check isClosed-equivalent state themselves before
// posting, or the resource was already destroyed by cleanup.
func (a *Agent) post(fn func(*Agent)) {
	select {
	case a.events <- fn:
	case <-a.stopped:
	}
}

// spawn runs work in a new goroutine and posts its result back onto the
// loop. The Agent won't finish Run until every spawned call has posted,
// so a Backend callback that arrives after disconnect still runs (and
// can defensively destroy whatever it returned) instead of leaking.
func (a *Agent) spawn(work func() func(*Agent)) {
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		a.post(work())
	}()
}

func (a *Agent) readLoop() {
	for {
		raw, err := a.stream.Read(a.ctx)
		if err != nil {
			a.post(func(a *Agent) { a.cleanup() })
			return
		}
		a.post(func(a *Agent) { a.handleRaw(raw) })
	}
}

// Close ends the Agent's stream. If err is non-nil it is signaled to
// the client where the transport supports that. Cleanup runs
// asynchronously once the stream actually ends.
func (a *Agent) Close(err error) {
	a.stream.Close(err)
}

func (a *Agent) closeWithErr(err error) {
	a.logger.Warn().Err(err).Str("clientId", a.ClientID).Msg("closing agent")
	a.stream.Close(err)
}

// cleanup runs exactly once, sets closed, destroys every installed
// DocStream/QueryEmitter, and empties the subscription maps.
func (a *Agent) cleanup() {
	if a.closed {
		return
	}
	a.closed = true
	for _, docs := range a.subscribedDocs {
		for _, s := range docs {
			s.Destroy()
		}
	}
	a.subscribedDocs = make(map[string]map[string]*contract.DocStream)
	for _, e := range a.subscribedQueries {
		e.Destroy()
	}
	a.subscribedQueries = make(map[float64]*contract.QueryEmitter)
	a.queryCollections = make(map[float64]string)
}

func (a *Agent) handleRaw(raw any) {
	if a.closed {
		return
	}
	var msg wire.Msg
	switch v := raw.(type) {
	case string:
		m, err := wire.Decode(v)
		if err != nil {
			a.closeWithErr(fmt.Errorf("session: parse message: %w", err))
			return
		}
		msg = m
	case map[string]any:
		msg = wire.Msg(v)
	case wire.Msg:
		msg = v
	default:
		a.closeWithErr(fmt.Errorf("session: unsupported message type %T", raw))
		return
	}

	if errBody := wire.Validate(msg); errBody != nil {
		a.reply(msg, errBody, nil)
		return
	}
	a.dispatch(msg)
}

func (a *Agent) dispatch(req wire.Msg) {
	switch req.Action() {
	case "sub":
		a.handleSub(req)
	case "unsub":
		a.handleUnsub(req)
	case "fetch":
		a.handleFetch(req)
	case "bs":
		a.handleBulkSub(req)
	case "op":
		a.handleSubmit(req)
	case "qsub":
		a.handleQuerySub(req)
	case "qresub":
		a.handleQueryResub(req)
	case "qunsub":
		a.handleQueryUnsub(req)
	case "qfetch":
		a.handleQueryFetch(req)
	}
}

func (a *Agent) send(msg map[string]any) {
	if a.closed {
		return
	}
	if err := a.stream.Write(a.ctx, msg); err != nil {
		a.logger.Warn().Err(err).Str("clientId", a.ClientID).Msg("write failed")
	}
}

func (a *Agent) reply(req wire.Msg, errBody *wire.ErrorBody, body map[string]any) {
	a.send(wire.Frame(req, errBody, body))
}

func (a *Agent) replyErr(req wire.Msg, err error) {
	var be *contract.Error
	if errors.As(err, &be) {
		a.reply(req, &wire.ErrorBody{Code: be.Code, Message: be.Message}, nil)
		return
	}
	a.reply(req, &wire.ErrorBody{Code: CodeRequestError, Message: err.Error()}, nil)
}

// --- §4.5 sub ---

func (a *Agent) handleSub(req wire.Msg) {
	c, _ := req.String("c")
	d, _ := req.String("d")
	v := versionArg(req)

	a.spawn(func() func(*Agent) {
		stream, snap, err := a.backend.Subscribe(a.ctx, a.ClientID, c, d, v)
		return func(a *Agent) {
			if err != nil {
				if stream != nil {
					stream.Destroy()
				}
				a.replyErr(req, err)
				return
			}
			a.installDocStream(c, d, stream)
			if snap != nil {
				a.reply(req, nil, map[string]any{"data": snapshotWire(snap)})
				return
			}
			a.reply(req, nil, nil)
		}
	})
}

func versionArg(req wire.Msg) *int64 {
	f, ok := req.Number("v")
	if !ok {
		return nil
	}
	v := int64(f)
	return &v
}

// --- §4.5/§4.7 unsub + install ---

func (a *Agent) handleUnsub(req wire.Msg) {
	c, _ := req.String("c")
	d, _ := req.String("d")
	if docs, ok := a.subscribedDocs[c]; ok {
		if s, ok := docs[d]; ok {
			s.Destroy()
			delete(docs, d)
			if len(docs) == 0 {
				delete(a.subscribedDocs, c)
			}
		}
	}
	a.reply(req, nil, nil)
}

// installDocStream defensively destroys the stream if the Agent has
// already closed, destroys-then-replaces any prior stream for the same
// key, registers the new one, and starts forwarding its events.
func (a *Agent) installDocStream(collection, docID string, stream *contract.DocStream) {
	if a.closed {
		stream.Destroy()
		return
	}
	docs := a.subscribedDocs[collection]
	if docs == nil {
		docs = make(map[string]*contract.DocStream)
		a.subscribedDocs[collection] = docs
	}
	if prev, ok := docs[docID]; ok {
		prev.Destroy()
	}
	docs[docID] = stream
	a.forwardDocStream(collection, docID, stream)
}

func (a *Agent) forwardDocStream(collection, docID string, stream *contract.DocStream) {
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		for ev := range stream.Events() {
			ev := ev
			a.post(func(a *Agent) { a.handleDocEvent(collection, docID, stream, ev) })
		}
		a.post(func(a *Agent) { a.handleDocStreamEnd(collection, docID, stream) })
	}()
}

func (a *Agent) handleDocEvent(collection, docID string, stream *contract.DocStream, ev contract.DocStreamEvent) {
	docs, ok := a.subscribedDocs[collection]
	if !ok || docs[docID] != stream {
		return // superseded by a later sub, or already removed
	}
	if ev.Err != nil {
		// Subscription-stream errors are asynchronous and not tied to
		// any one client request: logged, never forwarded.
		a.logger.Warn().Err(ev.Err).Str("collection", collection).Str("docId", docID).Msg("doc stream error")
		return
	}
	if a.isOwnOp(collection, ev.Op) {
		return
	}
	a.send(translateOp(collection, docID, ev.Op))
}

// handleDocStreamEnd implements invariant 5: remove the entry when the
// stream ends on its own, and prune the now-empty inner map.
func (a *Agent) handleDocStreamEnd(collection, docID string, stream *contract.DocStream) {
	docs, ok := a.subscribedDocs[collection]
	if !ok || docs[docID] != stream {
		return
	}
	delete(docs, docID)
	if len(docs) == 0 {
		delete(a.subscribedDocs, collection)
	}
}

// isOwnOp implements invariant 6 / §9's open question: source collection
// is op.I if present, else op.C. This Backend never sets I (no
// projection concept), so the fallback to C is the only path exercised.
func (a *Agent) isOwnOp(collection string, op *contract.Op) bool {
	if op.Src != a.ClientID {
		return false
	}
	srcCollection := op.I
	if srcCollection == "" {
		srcCollection = op.C
	}
	return srcCollection == collection
}

// --- bulk subscribe ---

func (a *Agent) handleBulkSub(req wire.Msg) {
	raw, _ := req.Raw("s")
	var spec map[string]map[string]*int64
	if err := json.Unmarshal(raw, &spec); err != nil {
		a.reply(req, wire.ValidationError("invalid 's': %v", err), nil)
		return
	}

	type collResult struct {
		collection string
		streams    map[string]*contract.DocStream
		snapshots  map[string]*contract.Snapshot
		err        error
	}

	a.spawn(func() func(*Agent) {
		results := make([]collResult, 0, len(spec))
		var mu sync.Mutex
		var g errgroup.Group
		for collection, versions := range spec {
			collection, versions := collection, versions
			g.Go(func() error {
				streams, snaps, err := a.backend.SubscribeBulk(a.ctx, a.ClientID, collection, versions)
				mu.Lock()
				results = append(results, collResult{collection, streams, snaps, err})
				mu.Unlock()
				return nil
			})
		}
		g.Wait()

		return func(a *Agent) {
			var firstErr error
			for _, r := range results {
				if r.err != nil {
					firstErr = r.err
					break
				}
			}
			if firstErr != nil {
				// Leak-prevention sweep: destroy every stream returned
				// for any docId named in the original request, across
				// all collections, tolerating docIds that were never
				// actually installed/returned.
				for _, r := range results {
					for docID := range spec[r.collection] {
						if s, ok := r.streams[docID]; ok {
							s.Destroy()
						}
					}
				}
				a.replyErr(req, firstErr)
				return
			}

			aggregated := make(map[string]map[string]any, len(results))
			for _, r := range results {
				collOut := make(map[string]any, len(r.streams))
				for docID, stream := range r.streams {
					a.installDocStream(r.collection, docID, stream)
					if snap, ok := r.snapshots[docID]; ok && snap != nil {
						collOut[docID] = snapshotWire(snap)
					} else {
						collOut[docID] = true
					}
				}
				aggregated[r.collection] = collOut
			}
			a.reply(req, nil, map[string]any{"s": aggregated})
		}
	})
}

// --- §4.11 fetch ---

func (a *Agent) handleFetch(req wire.Msg) {
	c, _ := req.String("c")
	d, _ := req.String("d")

	if v := versionArg(req); v != nil {
		a.spawn(func() func(*Agent) {
			ops, err := a.backend.GetOps(a.ctx, c, d, *v, nil)
			return func(a *Agent) {
				if err != nil {
					a.replyErr(req, err)
					return
				}
				for i := range ops {
					a.send(translateOp(c, d, &ops[i]))
				}
				a.reply(req, nil, nil)
			}
		})
		return
	}

	a.spawn(func() func(*Agent) {
		snap, err := a.backend.Fetch(a.ctx, c, d)
		return func(a *Agent) {
			if err != nil {
				a.replyErr(req, err)
				return
			}
			a.reply(req, nil, map[string]any{"data": snapshotWire(snap)})
		}
	})
}

// --- §4.12 submit ---

func (a *Agent) handleSubmit(req wire.Msg) {
	c, _ := req.String("c")
	d, _ := req.String("d")

	src := a.ClientID
	if s, ok := req.String("src"); ok && s != "" {
		src = s
	}
	seq, _ := req.Number("seq")
	var v int64
	if f, ok := req.Number("v"); ok {
		v = int64(f)
	}

	op := &contract.Op{Src: src, Seq: int64(seq), V: v, C: c}
	if raw, ok := req.Raw("op"); ok {
		op.Op = raw
	}
	if raw, ok := req.Raw("create"); ok {
		var create contract.CreatePayload
		if err := json.Unmarshal(raw, &create); err != nil {
			a.reply(req, wire.ValidationError("invalid 'create': %v", err), nil)
			return
		}
		op.Create = &create
	}
	if req.Has("del") {
		op.Del = true
	}
	if raw, ok := req.Raw("m"); ok {
		op.M = raw
	}

	a.spawn(func() func(*Agent) {
		missed, err := a.backend.Submit(a.ctx, a.ClientID, c, d, op)
		return func(a *Agent) {
			if err != nil {
				var be *contract.Error
				if errors.As(err, &be) && be.Code == contract.CodeDuplicateSubmit {
					// Duplicate submits are expected after a reconnect:
					// treat as success.
					a.reply(req, nil, ackBody(src, op.Seq, op.V))
					return
				}
				a.replyErr(req, err)
				return
			}
			for i := range missed {
				a.send(translateOp(c, d, &missed[i]))
			}
			a.reply(req, nil, ackBody(src, op.Seq, op.V))
		}
	})
}

// --- §4.8/§4.10 queries ---

func (a *Agent) handleQuerySub(req wire.Msg) {
	id, _ := req.Number("id")
	c, _ := req.String("c")
	q, _ := req.Raw("q")
	opts := queryOptionsFrom(req)

	a.spawn(func() func(*Agent) {
		emitter, results, extra, err := a.backend.QuerySubscribe(a.ctx, a.ClientID, c, q, opts)
		return func(a *Agent) {
			if err != nil {
				if emitter != nil {
					emitter.Destroy()
				}
				a.replyErr(req, err)
				return
			}
			a.installQueryEmitter(id, c, emitter)
			a.sendQueryResults(req, id, c, results, extra, opts.Versions)
		}
	})
}

func (a *Agent) installQueryEmitter(id float64, collection string, emitter *contract.QueryEmitter) {
	if a.closed {
		emitter.Destroy()
		return
	}
	if prev, ok := a.subscribedQueries[id]; ok {
		prev.Destroy()
	}
	a.subscribedQueries[id] = emitter
	a.queryCollections[id] = collection

	emitter.OnExtra = func(extra json.RawMessage) {
		a.post(func(a *Agent) {
			if a.subscribedQueries[id] != emitter {
				return
			}
			a.send(map[string]any{"a": "q", "id": id, "extra": extra})
		})
	}
	emitter.OnDiff = func(diff []contract.QueryDiff) {
		a.post(func(a *Agent) {
			if a.subscribedQueries[id] != emitter {
				return
			}
			a.send(map[string]any{"a": "q", "id": id, "diff": diffWire(diff, emitter.Options.Versions)})
		})
	}
	emitter.OnOp = func(coll, docID string, op *contract.Op) {
		a.post(func(a *Agent) {
			if a.subscribedQueries[id] != emitter || a.isOwnOp(coll, op) {
				return
			}
			a.send(translateOp(coll, docID, op))
		})
	}
	emitter.OnError = func(err error) {
		a.post(func(a *Agent) {
			a.logger.Warn().Err(err).Float64("id", id).Msg("query emitter error")
		})
	}
}

func (a *Agent) handleQueryResub(req wire.Msg) {
	id, _ := req.Number("id")
	q, _ := req.Raw("q")

	emitter, ok := a.subscribedQueries[id]
	if !ok {
		a.reply(req, &wire.ErrorBody{Code: CodeRequestError, Message: "Can not find query to resubscribe"}, nil)
		return
	}
	collection := a.queryCollections[id]
	opts := emitter.Options

	a.spawn(func() func(*Agent) {
		results, extra, err := a.backend.QueryResubscribe(a.ctx, a.ClientID, emitter.Index, q, emitter, opts)
		return func(a *Agent) {
			if err != nil {
				a.replyErr(req, err)
				return
			}
			a.sendQueryResults(req, id, collection, results, extra, opts.Versions)
		}
	})
}

func (a *Agent) handleQueryUnsub(req wire.Msg) {
	id, _ := req.Number("id")
	if e, ok := a.subscribedQueries[id]; ok {
		e.Destroy()
		delete(a.subscribedQueries, id)
		delete(a.queryCollections, id)
	}
	a.reply(req, nil, nil)
}

func (a *Agent) handleQueryFetch(req wire.Msg) {
	id, _ := req.Number("id")
	c, _ := req.String("c")
	q, _ := req.Raw("q")
	opts := queryOptionsFrom(req)

	a.spawn(func() func(*Agent) {
		results, extra, err := a.backend.QueryFetch(a.ctx, a.ClientID, c, q, opts)
		return func(a *Agent) {
			if err != nil {
				a.replyErr(req, err)
				return
			}
			a.sendQueryResults(req, id, c, results, extra, opts.Versions)
		}
	})
}

// sendQueryResults builds the compressed `data` array, then — if the
// caller supplied versions — computes and issues the catch-up
// getOpsBulk request and forwards its ops before the query reply itself.
func (a *Agent) sendQueryResults(req wire.Msg, id float64, collection string, results []contract.QueryResult, extra json.RawMessage, versions map[string]*int64) {
	data := translateResults(results, versions)

	opsRequest := map[string]int64{}
	if versions != nil {
		for _, r := range results {
			pv, ok := versions[r.ID]
			if ok && pv != nil && r.V > *pv {
				opsRequest[r.ID] = *pv
			}
		}
	}

	finish := func(a *Agent) {
		a.reply(req, nil, map[string]any{"id": id, "data": data, "extra": extra})
	}
	if len(opsRequest) == 0 {
		finish(a)
		return
	}

	a.spawn(func() func(*Agent) {
		opsByID, err := a.backend.GetOpsBulk(a.ctx, collection, opsRequest, nil)
		return func(a *Agent) {
			if err != nil {
				a.replyErr(req, err)
				return
			}
			for docID, ops := range opsByID {
				for i := range ops {
					a.send(translateOp(collection, docID, &ops[i]))
				}
			}
			finish(a)
		}
	})
}

func queryOptionsFrom(req wire.Msg) contract.QueryOptions {
	opts := contract.QueryOptions{}
	if raw, ok := req.Raw("vs"); ok {
		var versions map[string]*int64
		if json.Unmarshal(raw, &versions) == nil {
			opts.Versions = versions
		}
	}
	if db, ok := req.String("db"); ok {
		opts.DB = db
	}
	return opts
}
