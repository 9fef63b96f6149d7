package backend

import (
	"database/sql"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// SQLLoggingEnabled is a single global toggle rather than a per-request
// option, since SQL tracing is an operator debug aid turned on for a
// whole process, not something a client ever asks for.
var SQLLoggingEnabled bool

var sqlLogger zerolog.Logger

// SetSQLLogger installs the logger dbExec/dbQuery/execTxQuery write to when
// SQLLoggingEnabled is true.
func SetSQLLogger(l zerolog.Logger) {
	sqlLogger = l.With().Str("component", "sql").Logger()
}

// formatArgsForLogging renders byte slices and json.RawMessage as strings
// so logged query args are readable instead of dumping raw bytes.
func formatArgsForLogging(args ...any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case []byte:
			out[i] = string(v)
		case json.RawMessage:
			out[i] = string(v)
		default:
			out[i] = v
		}
	}
	return out
}

func logQuery(query string, args ...any) {
	if !SQLLoggingEnabled {
		return
	}
	sanitized := strings.Join(strings.Fields(query), " ")
	sqlLogger.Debug().Str("query", sanitized).Interface("args", formatArgsForLogging(args...)).Msg("query")
}

func logTxQuery(txID, query string, args ...any) {
	if !SQLLoggingEnabled {
		return
	}
	sanitized := strings.Join(strings.Fields(query), " ")
	sqlLogger.Debug().Str("tx", txID).Str("query", sanitized).Interface("args", formatArgsForLogging(args...)).Msg("query")
}

func dbExec(db *sql.DB, query string, args ...any) (sql.Result, error) {
	logQuery(query, args...)
	return db.Exec(query, args...)
}

func dbQuery(db *sql.DB, query string, args ...any) (*sql.Rows, error) {
	logQuery(query, args...)
	return db.Query(query, args...)
}

func dbQueryRow(db *sql.DB, query string, args ...any) *sql.Row {
	logQuery(query, args...)
	return db.QueryRow(query, args...)
}

// execTxQuery and queryRowTx take an explicit transaction id purely for
// log correlation, so a trace can show which rows a multi-statement
// Submit transaction touched.
func execTxQuery(tx *sql.Tx, txID, query string, args ...any) (sql.Result, error) {
	logTxQuery(txID, query, args...)
	return tx.Exec(query, args...)
}

func queryRowTx(tx *sql.Tx, txID, query string, args ...any) *sql.Row {
	logTxQuery(txID, query, args...)
	return tx.QueryRow(query, args...)
}
