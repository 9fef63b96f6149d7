package backend

import (
	"sync"

	"github.com/zag2art/sharedb/internal/contract"
)

// changeEvent is one committed write, as the processor replays it from
// the changelog, carrying both before/after records (for query
// matching against the document's type/version/data) and the exact Op
// that caused it (for DocStream push).
type changeEvent struct {
	collection, docID string
	newData, oldData  []byte
	newType, oldType  string
	op                *contract.Op
}

// querySub pairs one installed QueryEmitter with the parsed DSL the hub
// needs to re-evaluate on every change to the emitter's collection.
type querySub struct {
	dsl      *QueryDSL
	emitters map[*contract.QueryEmitter]struct{}
}

// Hub fans committed changes out to every interested DocStream and
// QueryEmitter: per-collection/per-doc maps give O(1) doc-stream lookup,
// and a nested per-collection query map means a broadcast only
// evaluates the queries actually scoped to the collection that changed.
type Hub struct {
	mu sync.RWMutex

	docSubs   map[string]map[string]map[*contract.DocStream]struct{} // collection -> docId -> streams
	querySubs map[string]map[uint64]*querySub                        // collection -> queryHash -> subscribers

	broadcast chan changeEvent
}

func NewHub() *Hub {
	return &Hub{
		docSubs:   make(map[string]map[string]map[*contract.DocStream]struct{}),
		querySubs: make(map[string]map[uint64]*querySub),
		broadcast: make(chan changeEvent, 256),
	}
}

// Run is the hub's dispatch loop. It never returns on its own; callers
// run it in its own goroutine for the server's lifetime.
func (h *Hub) Run() {
	for ev := range h.broadcast {
		h.dispatch(ev)
	}
}

func (h *Hub) dispatch(ev changeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if docs, ok := h.docSubs[ev.collection]; ok {
		if streams, ok := docs[ev.docID]; ok {
			for s := range streams {
				s.Push(contract.DocStreamEvent{Op: ev.op})
			}
		}
	}

	queries, ok := h.querySubs[ev.collection]
	if !ok || ev.op == nil {
		return
	}
	newRec := docRecord{Type: ev.newType, V: ev.op.V, Data: ev.newData}
	oldRec := docRecord{Type: ev.oldType, V: ev.op.V - 1, Data: ev.oldData}
	for _, qs := range queries {
		newMatch, _ := evaluateWhere(newRec, qs.dsl.Where)
		if newMatch {
			for e := range qs.emitters {
				e.FireOp(ev.collection, ev.docID, ev.op)
			}
			continue
		}
		if ev.oldData != nil {
			if oldMatch, _ := evaluateWhere(oldRec, qs.dsl.Where); oldMatch {
				for e := range qs.emitters {
					e.FireDiff([]contract.QueryDiff{{Type: contract.DiffRemove, Index: -1}})
				}
			}
		}
	}
}

// Publish enqueues one committed change for dispatch. Non-blocking up to
// the channel's buffer; a full buffer applies backpressure to whoever
// calls Publish (the event processor), not to submitters.
func (h *Hub) Publish(ev changeEvent) {
	h.broadcast <- ev
}

func (h *Hub) SubscribeDoc(collection, docID string, stream *contract.DocStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	docs, ok := h.docSubs[collection]
	if !ok {
		docs = make(map[string]map[*contract.DocStream]struct{})
		h.docSubs[collection] = docs
	}
	streams, ok := docs[docID]
	if !ok {
		streams = make(map[*contract.DocStream]struct{})
		docs[docID] = streams
	}
	streams[stream] = struct{}{}
}

func (h *Hub) UnsubscribeDoc(collection, docID string, stream *contract.DocStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	docs, ok := h.docSubs[collection]
	if !ok {
		return
	}
	streams, ok := docs[docID]
	if !ok {
		return
	}
	delete(streams, stream)
	if len(streams) == 0 {
		delete(docs, docID)
	}
	if len(docs) == 0 {
		delete(h.docSubs, collection)
	}
}

// collectionForHash finds which collection a query hash is currently
// subscribed under. QueryResubscribe needs this because the wire
// protocol's resubscribe message carries only the emitter's index, not
// the collection it was originally installed against.
func (h *Hub) collectionForHash(hash uint64) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for collection, byHash := range h.querySubs {
		if _, ok := byHash[hash]; ok {
			return collection, true
		}
	}
	return "", false
}

func (h *Hub) SubscribeQuery(collection string, hash uint64, dsl *QueryDSL, emitter *contract.QueryEmitter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byHash, ok := h.querySubs[collection]
	if !ok {
		byHash = make(map[uint64]*querySub)
		h.querySubs[collection] = byHash
	}
	qs, ok := byHash[hash]
	if !ok {
		qs = &querySub{dsl: dsl, emitters: make(map[*contract.QueryEmitter]struct{})}
		byHash[hash] = qs
	}
	qs.emitters[emitter] = struct{}{}
}

func (h *Hub) UnsubscribeQuery(collection string, hash uint64, emitter *contract.QueryEmitter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byHash, ok := h.querySubs[collection]
	if !ok {
		return
	}
	qs, ok := byHash[hash]
	if !ok {
		return
	}
	delete(qs.emitters, emitter)
	if len(qs.emitters) == 0 {
		delete(byHash, hash)
	}
	if len(byHash) == 0 {
		delete(h.querySubs, collection)
	}
}
