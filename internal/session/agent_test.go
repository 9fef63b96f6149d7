package session

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zag2art/sharedb/internal/contract"
	"github.com/zag2art/sharedb/internal/transport"
)

// fakeBackend is a minimal, fully in-memory contract.Backend double,
// grounded on the same interface internal/backend.Backend implements —
// it lets these tests drive the Agent's scheduling and wire-translation
// logic without a real SQLite database.
type fakeBackend struct {
	mu sync.Mutex

	snapshots map[string]*contract.Snapshot
	streams   map[string]*contract.DocStream

	submitCount  map[string]int
	submittedOps map[string]*contract.Op

	bulkErrOnCollection string
	bulkDestroyed       map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		snapshots:    make(map[string]*contract.Snapshot),
		streams:      make(map[string]*contract.DocStream),
		submitCount:  make(map[string]int),
		submittedOps: make(map[string]*contract.Op),
		bulkDestroyed: make(map[string]bool),
	}
}

func key(c, d string) string { return c + "/" + d }

func (f *fakeBackend) Subscribe(ctx context.Context, callerID, collection, docID string, v *int64) (*contract.DocStream, *contract.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(collection, docID)
	s := contract.NewDocStream(8, func() {
		f.mu.Lock()
		f.bulkDestroyed[k] = true
		f.mu.Unlock()
	})
	f.streams[k] = s
	snap := f.snapshots[k]
	if snap == nil {
		snap = &contract.Snapshot{V: 0}
	}
	return s, snap, nil
}

func (f *fakeBackend) SubscribeBulk(ctx context.Context, callerID, collection string, versions map[string]*int64) (map[string]*contract.DocStream, map[string]*contract.Snapshot, error) {
	streams := make(map[string]*contract.DocStream)
	snaps := make(map[string]*contract.Snapshot)
	if collection == f.bulkErrOnCollection {
		for docID := range versions {
			s, snap, _ := f.Subscribe(ctx, callerID, collection, docID, nil)
			streams[docID] = s
			snaps[docID] = snap
		}
		return streams, snaps, contract.NewError(9999, "simulated bulk failure")
	}
	for docID := range versions {
		s, snap, _ := f.Subscribe(ctx, callerID, collection, docID, nil)
		streams[docID] = s
		snaps[docID] = snap
	}
	return streams, snaps, nil
}

func (f *fakeBackend) Fetch(ctx context.Context, collection, docID string) (*contract.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snapshots[key(collection, docID)]
	if snap == nil {
		snap = &contract.Snapshot{V: 0}
	}
	return snap, nil
}

func (f *fakeBackend) GetOps(ctx context.Context, collection, docID string, from int64, to *int64) ([]contract.Op, error) {
	return nil, nil
}

func (f *fakeBackend) GetOpsBulk(ctx context.Context, collection string, from map[string]int64, to *int64) (map[string][]contract.Op, error) {
	return nil, nil
}

func (f *fakeBackend) Submit(ctx context.Context, callerID, collection, docID string, op *contract.Op) ([]contract.Op, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(collection, docID)
	f.submitCount[k]++
	if f.submitCount[k] > 1 {
		op.V = f.submittedOps[k].V
		return nil, contract.NewError(contract.CodeDuplicateSubmit, "already submitted")
	}
	op.V = 1
	cp := *op
	f.submittedOps[k] = &cp
	return nil, nil
}

func (f *fakeBackend) QuerySubscribe(ctx context.Context, callerID, collection string, q json.RawMessage, opts contract.QueryOptions) (*contract.QueryEmitter, []contract.QueryResult, json.RawMessage, error) {
	emitter := contract.NewQueryEmitter(1, opts, nil)
	results := []contract.QueryResult{{ID: "d1", V: 1, Type: "doc", Data: json.RawMessage(`{}`)}}
	return emitter, results, nil, nil
}

func (f *fakeBackend) QueryResubscribe(ctx context.Context, callerID string, index uint64, q json.RawMessage, emitter *contract.QueryEmitter, opts contract.QueryOptions) ([]contract.QueryResult, json.RawMessage, error) {
	return []contract.QueryResult{{ID: "d1", V: 2, Type: "doc", Data: json.RawMessage(`{}`)}}, nil, nil
}

func (f *fakeBackend) QueryFetch(ctx context.Context, callerID, collection string, q json.RawMessage, opts contract.QueryOptions) ([]contract.QueryResult, json.RawMessage, error) {
	return []contract.QueryResult{{ID: "d1", V: 1, Type: "doc", Data: json.RawMessage(`{}`)}}, nil, nil
}

func newTestAgent(be contract.Backend) (*Agent, *transport.InProc) {
	stream := transport.NewInProc()
	agent := New(stream, be, zerolog.Nop())
	go agent.Run()
	return agent, stream
}

func recvOutgoing(t *testing.T, stream *transport.InProc) map[string]any {
	select {
	case msg := <-stream.Outgoing():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing message")
		return nil
	}
}

func TestAgentSendsInitOnConnect(t *testing.T) {
	_, stream := newTestAgent(newFakeBackend())
	msg := recvOutgoing(t, stream)
	assert.Equal(t, "init", msg["a"])
	assert.NotEmpty(t, msg["id"])
}

func TestAgentSubAndOwnOpFiltering(t *testing.T) {
	be := newFakeBackend()
	agent, stream := newTestAgent(be)
	recvOutgoing(t, stream) // init

	stream.Send(map[string]any{"a": "sub", "c": "docs", "d": "doc1"})
	reply := recvOutgoing(t, stream)
	assert.Equal(t, "sub", reply["a"])

	k := key("docs", "doc1")
	be.mu.Lock()
	s := be.streams[k]
	be.mu.Unlock()
	require.NotNil(t, s)

	// An op from this same client on this collection must not be echoed.
	s.Push(contract.DocStreamEvent{Op: &contract.Op{Src: agent.ClientID, C: "docs", V: 1}})
	// An op from someone else must be forwarded.
	s.Push(contract.DocStreamEvent{Op: &contract.Op{Src: "someone-else", C: "docs", V: 2}})

	msg := recvOutgoing(t, stream)
	assert.Equal(t, "op", msg["a"])
	assert.Equal(t, "someone-else", msg["src"])
}

func TestAgentDuplicateSubmitIsAcked(t *testing.T) {
	be := newFakeBackend()
	_, stream := newTestAgent(be)
	recvOutgoing(t, stream) // init

	submit := map[string]any{"a": "op", "c": "docs", "d": "doc1", "src": "c1", "seq": 1.0, "v": 0.0, "create": map[string]any{"type": "json0", "data": map[string]any{}}}
	stream.Send(submit)
	ack1 := recvOutgoing(t, stream)
	assert.EqualValues(t, 1, ack1["v"])

	stream.Send(submit)
	ack2 := recvOutgoing(t, stream)
	assert.Nil(t, ack2["error"])
	assert.EqualValues(t, 1, ack2["v"])
}

func TestAgentBulkSubscribePartialFailureDestroysInstalled(t *testing.T) {
	be := newFakeBackend()
	be.bulkErrOnCollection = "fails"
	_, stream := newTestAgent(be)
	recvOutgoing(t, stream) // init

	bulk := map[string]any{"a": "bs", "s": map[string]any{"fails": map[string]any{"d1": nil, "d2": nil}}}
	stream.Send(bulk)
	reply := recvOutgoing(t, stream)
	require.NotNil(t, reply["error"])

	time.Sleep(50 * time.Millisecond)
	be.mu.Lock()
	defer be.mu.Unlock()
	assert.True(t, be.bulkDestroyed[key("fails", "d1")])
	assert.True(t, be.bulkDestroyed[key("fails", "d2")])
}

func TestAgentBulkSubscribeCrossCollectionFailureDestroysBothCollections(t *testing.T) {
	be := newFakeBackend()
	be.bulkErrOnCollection = "fails"
	_, stream := newTestAgent(be)
	recvOutgoing(t, stream) // init

	bulk := map[string]any{"a": "bs", "s": map[string]any{
		"ok-collection": map[string]any{"d1": nil},
		"fails":         map[string]any{"d2": nil},
	}}
	stream.Send(bulk)
	reply := recvOutgoing(t, stream)
	require.NotNil(t, reply["error"])

	time.Sleep(50 * time.Millisecond)
	be.mu.Lock()
	defer be.mu.Unlock()
	assert.True(t, be.bulkDestroyed[key("fails", "d2")], "the failing collection's stream must be destroyed")
	assert.True(t, be.bulkDestroyed[key("ok-collection", "d1")], "a bulk subscribe is all-or-nothing: the fully-succeeding collection's stream must be destroyed too when a sibling collection in the same request fails")
}

func TestAgentQueryFetchReturnsResults(t *testing.T) {
	be := newFakeBackend()
	_, stream := newTestAgent(be)
	recvOutgoing(t, stream) // init

	stream.Send(map[string]any{"a": "qfetch", "id": 1.0, "c": "docs", "q": map[string]any{}})
	reply := recvOutgoing(t, stream)
	assert.EqualValues(t, 1, reply["id"])
	data, ok := reply["data"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, data, 1)
}

func TestAgentCleanupDestroysStreamsOnDisconnect(t *testing.T) {
	be := newFakeBackend()
	_, stream := newTestAgent(be)
	recvOutgoing(t, stream) // init

	stream.Send(map[string]any{"a": "sub", "c": "docs", "d": "doc1"})
	recvOutgoing(t, stream)

	stream.End()
	time.Sleep(50 * time.Millisecond)

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.True(t, be.bulkDestroyed[key("docs", "doc1")])
}
