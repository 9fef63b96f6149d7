package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zag2art/sharedb/internal/contract"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := New(db, zerolog.Nop())
	b.Start()
	t.Cleanup(b.Close)
	return b
}

func TestSubmitCreateThenEditAppliesComponents(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	createOp := &contract.Op{Src: "c1", Seq: 1, Create: &contract.CreatePayload{Type: "json0", Data: json.RawMessage(`{"title":"old"}`)}}
	_, err := b.Submit(ctx, "c1", "docs", "doc1", createOp)
	require.NoError(t, err)
	assert.EqualValues(t, 1, createOp.V)

	editOp := &contract.Op{Src: "c1", Seq: 2, V: 1, Op: json.RawMessage(`[{"p":["title"],"oi":"new"}]`)}
	_, err = b.Submit(ctx, "c1", "docs", "doc1", editOp)
	require.NoError(t, err)
	assert.EqualValues(t, 2, editOp.V)

	snap, err := b.Fetch(ctx, "docs", "doc1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.V)
	assert.JSONEq(t, `{"title":"new"}`, string(snap.Data))
}

func TestSubmitDuplicateReturnsSameVersion(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	op := &contract.Op{Src: "c1", Seq: 1, Create: &contract.CreatePayload{Type: "json0", Data: json.RawMessage(`{}`)}}
	_, err := b.Submit(ctx, "c1", "docs", "doc1", op)
	require.NoError(t, err)

	dup := &contract.Op{Src: "c1", Seq: 1, Create: &contract.CreatePayload{Type: "json0", Data: json.RawMessage(`{}`)}}
	_, err = b.Submit(ctx, "c1", "docs", "doc1", dup)
	require.Error(t, err)
	ce, ok := err.(*contract.Error)
	require.True(t, ok)
	assert.Equal(t, contract.CodeDuplicateSubmit, ce.Code)
	assert.EqualValues(t, 1, dup.V)
}

func TestSubmitVersionMismatchIsRejected(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	create := &contract.Op{Src: "c1", Seq: 1, Create: &contract.CreatePayload{Type: "json0", Data: json.RawMessage(`{}`)}}
	_, err := b.Submit(ctx, "c1", "docs", "doc1", create)
	require.NoError(t, err)

	stale := &contract.Op{Src: "c1", Seq: 2, V: 0, Op: json.RawMessage(`[{"p":["x"],"oi":1}]`)}
	_, err = b.Submit(ctx, "c1", "docs", "doc1", stale)
	require.Error(t, err)
	ce, ok := err.(*contract.Error)
	require.True(t, ok)
	assert.Equal(t, contract.CodeVersionMismatch, ce.Code)
}

func TestSubmitEditOnMissingDocumentFails(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	op := &contract.Op{Src: "c1", Seq: 1, V: 0, Op: json.RawMessage(`[{"p":["x"],"oi":1}]`)}
	_, err := b.Submit(ctx, "c1", "docs", "ghost", op)
	assert.Error(t, err)
}

func TestSubmitDeleteThenRecreateContinuesVersion(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	create := &contract.Op{Src: "c1", Seq: 1, Create: &contract.CreatePayload{Type: "json0", Data: json.RawMessage(`{}`)}}
	_, err := b.Submit(ctx, "c1", "docs", "doc1", create)
	require.NoError(t, err)

	del := &contract.Op{Src: "c1", Seq: 2, V: 1, Del: true}
	_, err = b.Submit(ctx, "c1", "docs", "doc1", del)
	require.NoError(t, err)
	assert.EqualValues(t, 2, del.V)

	recreate := &contract.Op{Src: "c1", Seq: 3, V: 2, Create: &contract.CreatePayload{Type: "json0", Data: json.RawMessage(`{"fresh":true}`)}}
	_, err = b.Submit(ctx, "c1", "docs", "doc1", recreate)
	require.NoError(t, err)
	assert.EqualValues(t, 3, recreate.V)
}

func TestSubscribeWithVersionCatchesUpFromOps(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	create := &contract.Op{Src: "c1", Seq: 1, Create: &contract.CreatePayload{Type: "json0", Data: json.RawMessage(`{}`)}}
	_, err := b.Submit(ctx, "c1", "docs", "doc1", create)
	require.NoError(t, err)
	edit := &contract.Op{Src: "c1", Seq: 2, V: 1, Op: json.RawMessage(`[{"p":["a"],"oi":1}]`)}
	_, err = b.Submit(ctx, "c1", "docs", "doc1", edit)
	require.NoError(t, err)

	from := int64(0)
	stream, snap, err := b.Subscribe(ctx, "c2", "docs", "doc1", &from)
	require.NoError(t, err)
	defer stream.Destroy()
	assert.Nil(t, snap)

	var got []int64
	for i := 0; i < 2; i++ {
		select {
		case ev := <-stream.Events():
			got = append(got, ev.Op.V)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for catch-up op")
		}
	}
	assert.Equal(t, []int64{1, 2}, got)
}

func TestSubscribeLiveOpIsDelivered(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	stream, snap, err := b.Subscribe(ctx, "c2", "docs", "doc1", nil)
	require.NoError(t, err)
	defer stream.Destroy()
	assert.EqualValues(t, 0, snap.V)

	create := &contract.Op{Src: "c1", Seq: 1, Create: &contract.CreatePayload{Type: "json0", Data: json.RawMessage(`{}`)}}
	_, err = b.Submit(ctx, "c1", "docs", "doc1", create)
	require.NoError(t, err)

	select {
	case ev := <-stream.Events():
		require.NotNil(t, ev.Op)
		assert.EqualValues(t, 1, ev.Op.V)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live op")
	}
}

func TestQuerySubscribeReceivesLiveMatchAndFetchMatches(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	q := json.RawMessage(`{"where":{"field":"status","op":"==","value":"open"}}`)
	emitter, initial, _, err := b.QuerySubscribe(ctx, "c1", "tasks", q, contract.QueryOptions{})
	require.NoError(t, err)
	defer emitter.Destroy()
	assert.Len(t, initial, 0)

	var gotOp *contract.Op
	done := make(chan struct{})
	emitter.OnOp = func(collection, docID string, op *contract.Op) {
		gotOp = op
		close(done)
	}

	create := &contract.Op{Src: "c2", Seq: 1, Create: &contract.CreatePayload{Type: "json0", Data: json.RawMessage(`{"status":"open"}`)}}
	_, err = b.Submit(ctx, "c2", "tasks", "t1", create)
	require.NoError(t, err)

	select {
	case <-done:
		require.NotNil(t, gotOp)
		assert.EqualValues(t, 1, gotOp.V)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for query emitter op")
	}

	results, _, err := b.QueryFetch(ctx, "c1", "tasks", q, contract.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].ID)
}

func TestQueryResubscribeRunsAgainstOriginalCollection(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	q := json.RawMessage(`{"where":{"field":"status","op":"==","value":"open"}}`)
	emitter, _, _, err := b.QuerySubscribe(ctx, "c1", "tasks", q, contract.QueryOptions{})
	require.NoError(t, err)
	defer emitter.Destroy()

	create := &contract.Op{Src: "c2", Seq: 1, Create: &contract.CreatePayload{Type: "json0", Data: json.RawMessage(`{"status":"open"}`)}}
	_, err = b.Submit(ctx, "c2", "tasks", "t1", create)
	require.NoError(t, err)

	results, _, err := b.QueryResubscribe(ctx, "c1", emitter.Index, q, emitter, contract.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].ID)
}

func TestCreateIndexAndCreateCollectionAreIdempotent(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.CreateCollection("tasks"))
	require.NoError(t, b.CreateCollection("tasks"))
	require.NoError(t, b.CreateIndex("tasks", "idx_status", []string{"status"}, false))
	require.NoError(t, b.CreateIndex("tasks", "idx_status", []string{"status"}, false))
}

func TestPingReportsHealthyDatabase(t *testing.T) {
	b := newTestBackend(t)
	assert.NoError(t, b.Ping(context.Background()))
}
