package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zag2art/sharedb/internal/contract"
)

func TestHubDispatchPushesOpToSubscribedDocStream(t *testing.T) {
	h := NewHub()
	go h.Run()

	stream := contract.NewDocStream(4, nil)
	h.SubscribeDoc("docs", "doc1", stream)

	op := &contract.Op{Src: "other", V: 2}
	h.Publish(changeEvent{collection: "docs", docID: "doc1", op: op})

	select {
	case ev := <-stream.Events():
		require.NotNil(t, ev.Op)
		assert.Equal(t, int64(2), ev.Op.V)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for doc stream push")
	}
}

func TestHubDispatchIgnoresUnrelatedDoc(t *testing.T) {
	h := NewHub()
	go h.Run()

	stream := contract.NewDocStream(4, nil)
	h.SubscribeDoc("docs", "doc1", stream)
	h.Publish(changeEvent{collection: "docs", docID: "other-doc", op: &contract.Op{V: 1}})

	select {
	case ev := <-stream.Events():
		t.Fatalf("unexpected event pushed: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubUnsubscribeDocStopsDelivery(t *testing.T) {
	h := NewHub()
	go h.Run()

	stream := contract.NewDocStream(4, nil)
	h.SubscribeDoc("docs", "doc1", stream)
	h.UnsubscribeDoc("docs", "doc1", stream)
	h.Publish(changeEvent{collection: "docs", docID: "doc1", op: &contract.Op{V: 1}})

	select {
	case ev := <-stream.Events():
		t.Fatalf("unexpected event after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubDispatchFiresQueryOpOnMatch(t *testing.T) {
	h := NewHub()
	go h.Run()

	dsl := &Where{Field: strPtr("status"), Op: strPtr("=="), Value: "open"}
	full := &QueryDSL{Where: dsl}
	hash := QueryHash(full)

	var gotOp *contract.Op
	done := make(chan struct{})
	emitter := contract.NewQueryEmitter(hash, contract.QueryOptions{}, nil)
	emitter.OnOp = func(collection, docID string, op *contract.Op) {
		gotOp = op
		close(done)
	}
	h.SubscribeQuery("docs", hash, full, emitter)

	h.Publish(changeEvent{
		collection: "docs",
		docID:      "doc1",
		newData:    []byte(`{"status":"open"}`),
		op:         &contract.Op{V: 1},
	})

	select {
	case <-done:
		require.NotNil(t, gotOp)
		assert.Equal(t, int64(1), gotOp.V)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for query emitter op")
	}
}

func TestHubDispatchFiresDiffRemoveOnNoLongerMatching(t *testing.T) {
	h := NewHub()
	go h.Run()

	full := &QueryDSL{Where: &Where{Field: strPtr("status"), Op: strPtr("=="), Value: "open"}}
	hash := QueryHash(full)

	var gotDiff []contract.QueryDiff
	done := make(chan struct{})
	emitter := contract.NewQueryEmitter(hash, contract.QueryOptions{}, nil)
	emitter.OnDiff = func(diff []contract.QueryDiff) {
		gotDiff = diff
		close(done)
	}
	h.SubscribeQuery("docs", hash, full, emitter)

	h.Publish(changeEvent{
		collection: "docs",
		docID:      "doc1",
		newData:    []byte(`{"status":"closed"}`),
		oldData:    []byte(`{"status":"open"}`),
		op:         &contract.Op{V: 2},
	})

	select {
	case <-done:
		require.Len(t, gotDiff, 1)
		assert.Equal(t, contract.DiffRemove, gotDiff[0].Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for query diff")
	}
}

func TestHubCollectionForHash(t *testing.T) {
	h := NewHub()
	full := &QueryDSL{}
	hash := QueryHash(full)
	emitter := contract.NewQueryEmitter(hash, contract.QueryOptions{}, nil)
	h.SubscribeQuery("docs", hash, full, emitter)

	collection, ok := h.collectionForHash(hash)
	require.True(t, ok)
	assert.Equal(t, "docs", collection)

	_, ok = h.collectionForHash(hash + 1)
	assert.False(t, ok)
}
