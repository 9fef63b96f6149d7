package backend

import (
	"database/sql"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/zag2art/sharedb/internal/contract"
)

const processorBatchSize = 1000

// notifyUpdate is a non-blocking wakeup for the event processor: Submit
// calls this after committing instead of blocking on the processor
// keeping up.
func notifyUpdate(ch chan bool) {
	select {
	case ch <- true:
	default:
	}
}

// runEventProcessor replays the changelog into the Hub, crash-safely
// resuming from the last persisted cursor and building contract.Op
// values out of the changelog row's op_* columns.
func runEventProcessor(db *sql.DB, hub *Hub, wake chan bool, done <-chan struct{}) error {
	var lastID int64
	var valueStr string
	if err := db.QueryRow(`SELECT value FROM system_state WHERE key = 'last_processed_changelog_id'`).Scan(&valueStr); err != nil {
		return fmt.Errorf("backend: read processor cursor: %w", err)
	}
	fmt.Sscanf(valueStr, "%d", &lastID)

	stmt, err := db.Prepare(`
		SELECT id, collection_name, document_id, new_data, old_data, new_type, old_type,
			op_v, op_src, op_client_seq, op_json, op_create_type, op_create_data, op_del, op_m
		FROM changelog WHERE id > ? ORDER BY id ASC LIMIT ?`)
	if err != nil {
		return fmt.Errorf("backend: prepare processor query: %w", err)
	}
	defer stmt.Close()

	process := func() error {
		for {
			rows, err := stmt.Query(lastID, processorBatchSize)
			if err != nil {
				return fmt.Errorf("backend: processor query: %w", err)
			}

			var n int
			newLastID := lastID
			for rows.Next() {
				var id int64
				var collection, docID string
				var newData, oldData sql.NullString
				var newType, oldType sql.NullString
				var opV, opClientSeq sql.NullInt64
				var opSrc, opCreateType sql.NullString
				var opJSON, opCreateData, opM sql.NullString
				var opDel sql.NullInt64

				if err := rows.Scan(&id, &collection, &docID, &newData, &oldData, &newType, &oldType,
					&opV, &opSrc, &opClientSeq, &opJSON, &opCreateType, &opCreateData, &opDel, &opM); err != nil {
					continue
				}

				ev := changeEvent{collection: collection, docID: docID, newType: newType.String, oldType: oldType.String}
				if newData.Valid {
					ev.newData = []byte(newData.String)
				}
				if oldData.Valid {
					ev.oldData = []byte(oldData.String)
				}
				if opSrc.Valid {
					op := &contract.Op{
						V:   opV.Int64,
						Src: opSrc.String,
						Seq: opClientSeq.Int64,
						C:   collection,
						Del: opDel.Int64 != 0,
					}
					if opJSON.Valid {
						op.Op = json.RawMessage(opJSON.String)
					}
					if opCreateType.Valid {
						op.Create = &contract.CreatePayload{Type: opCreateType.String}
						if opCreateData.Valid {
							op.Create.Data = json.RawMessage(opCreateData.String)
						}
					}
					if opM.Valid {
						op.M = json.RawMessage(opM.String)
					}
					ev.op = op
				}

				hub.Publish(ev)
				newLastID = id
				n++
			}
			rows.Close()

			if newLastID > lastID {
				if _, err := db.Exec(`UPDATE system_state SET value = ? WHERE key = 'last_processed_changelog_id'`, newLastID); err != nil {
					return fmt.Errorf("backend: persist processor cursor: %w", err)
				}
				lastID = newLastID
			}
			if n < processorBatchSize {
				return nil
			}
		}
	}

	if err := process(); err != nil {
		return err
	}
	for {
		select {
		case <-done:
			return nil
		case <-wake:
			if err := process(); err != nil {
				return err
			}
		}
	}
}
