package backend

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zag2art/sharedb/internal/contract"
)

func TestEventProcessorResumesFromPersistedCursor(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenDB(dbPath)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, CreateCollection(db, "docs"))

	// The docs-table trigger subselects the latest matching docs_ops row at
	// insert time, so the op row has to exist before the docs row does.
	_, err = db.Exec(`INSERT INTO docs_ops (doc_id, v, src, client_seq, create_type, create_data, del)
		VALUES ('d1', 1, 'c1', 1, 'json0', '{}', 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO docs (id, v, type, data) VALUES ('d1', 1, 'json0', '{}')`)
	require.NoError(t, err)

	hub := NewHub()
	go hub.Run()
	stream := contract.NewDocStream(4, nil)
	hub.SubscribeDoc("docs", "d1", stream)
	defer stream.Destroy()

	wake := make(chan bool, 1)
	done := make(chan struct{})
	go runEventProcessor(db, hub, wake, done)

	select {
	case ev := <-stream.Events():
		require.NotNil(t, ev.Op)
		assert.EqualValues(t, 1, ev.Op.V)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the processor to replay the pending changelog row")
	}
	close(done)

	var cursor string
	require.NoError(t, db.QueryRow(`SELECT value FROM system_state WHERE key = 'last_processed_changelog_id'`).Scan(&cursor))
	assert.Equal(t, "1", cursor)
}

func TestEventProcessorSkipsAlreadyProcessedRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenDB(dbPath)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, CreateCollection(db, "docs"))

	_, err = db.Exec(`INSERT INTO docs_ops (doc_id, v, src, client_seq, create_type, create_data, del)
		VALUES ('d1', 1, 'c1', 1, 'json0', '{}', 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO docs (id, v, type, data) VALUES ('d1', 1, 'json0', '{}')`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE system_state SET value = '999' WHERE key = 'last_processed_changelog_id'`)
	require.NoError(t, err)

	hub := NewHub()
	go hub.Run()
	stream := contract.NewDocStream(4, nil)
	hub.SubscribeDoc("docs", "d1", stream)
	defer stream.Destroy()

	wake := make(chan bool, 1)
	done := make(chan struct{})
	go func() { runEventProcessor(db, hub, wake, done) }()
	defer close(done)

	select {
	case ev := <-stream.Events():
		t.Fatalf("unexpected replay of an already-processed row: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}
