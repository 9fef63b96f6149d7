package backend

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Where is one node of a query's filter tree: either a single
// field/op/value comparison, or an $and/$or of sub-clauses. Field may
// name a path into a document's data payload, or one of the reserved
// metaFieldType/metaFieldVersion names to filter on the document's own
// type/version instead of its content — a document here is never a bare
// JSON blob, it always carries OT metadata alongside its data.
type Where struct {
	Field *string `json:"field,omitempty"`
	Op    *string `json:"op,omitempty"`
	Value any     `json:"value,omitempty"`

	And *[]Where `json:"$and,omitempty"`
	Or  *[]Where `json:"$or,omitempty"`
}

type OrderBy struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type QueryDSL struct {
	Where   *Where    `json:"where,omitempty"`
	OrderBy []OrderBy `json:"orderBy,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Offset  int       `json:"offset,omitempty"`
}

// metaFieldType and metaFieldVersion let a query filter or sort on a
// document's own type/version columns rather than its data payload —
// the projection buildQuery already returns (id, v, type, data)
// alongside the soft-delete filter below, so these let a client actually
// select on the columns that projection exposes.
const (
	metaFieldType    = "$type"
	metaFieldVersion = "$v"
)

// metaColumn reports whether field is one of the reserved metadata
// names and, if so, which physical column it addresses.
func metaColumn(field string) (column string, ok bool) {
	switch field {
	case metaFieldType:
		return "type", true
	case metaFieldVersion:
		return "v", true
	default:
		return "", false
	}
}

func validFieldName(field string) bool {
	if _, ok := metaColumn(field); ok {
		return true
	}
	return identifierSanitizer.MatchString(field)
}

func (q *QueryDSL) Validate() error {
	for _, ob := range q.OrderBy {
		if !validFieldName(ob.Field) {
			return fmt.Errorf("invalid character in orderBy field: %q", ob.Field)
		}
	}
	if q.Limit < 0 {
		return errors.New("limit cannot be negative")
	}
	if q.Offset < 0 {
		return errors.New("offset cannot be negative")
	}
	if q.Where != nil {
		if err := q.Where.Validate(); err != nil {
			return fmt.Errorf("where clause validation failed: %w", err)
		}
	}
	return nil
}

func (w *Where) Validate() error {
	isSimple := w.Field != nil || w.Op != nil || w.Value != nil
	isAnd := w.And != nil
	isOr := w.Or != nil

	modeCount := 0
	for _, m := range []bool{isSimple, isAnd, isOr} {
		if m {
			modeCount++
		}
	}
	if modeCount == 0 {
		return errors.New("clause cannot be empty")
	}
	if modeCount > 1 {
		return errors.New("clause cannot mix simple and logical conditions")
	}

	if isSimple {
		if w.Field == nil || w.Op == nil || w.Value == nil {
			return errors.New("simple condition requires field, op and value")
		}
		if !validFieldName(*w.Field) {
			return fmt.Errorf("invalid character in field name: %q", *w.Field)
		}
		switch *w.Op {
		case "==", "=", "!=", ">", ">=", "<", "<=":
		default:
			return fmt.Errorf("unsupported operator: %q", *w.Op)
		}
	}
	if isAnd {
		if len(*w.And) == 0 {
			return errors.New("$and cannot be empty")
		}
		for _, sub := range *w.And {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	}
	if isOr {
		if len(*w.Or) == 0 {
			return errors.New("$or cannot be empty")
		}
		for _, sub := range *w.Or {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseAndValidateQuery strictly decodes and validates a client-supplied
// query clause.
func ParseAndValidateQuery(raw json.RawMessage) (*QueryDSL, error) {
	var q QueryDSL
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		return nil, fmt.Errorf("backend: parse query: %w", err)
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("backend: invalid query: %w", err)
	}
	return &q, nil
}

// canonicalize renders the query deterministically (field order fixed by
// struct field order rather than client key order) so equivalent queries
// from different clients hash identically.
func canonicalize(q *QueryDSL) []byte {
	b, _ := json.Marshal(q)
	return b
}

// QueryHash returns the canonical dedup/resubscribe key for a query.
func QueryHash(q *QueryDSL) uint64 {
	return xxhash.Sum64(canonicalize(q))
}

// buildQuery renders a QueryDSL to SQL against collection's docs table.
// Every query carries the soft-delete filter (a deleted document is a
// row with data=NULL, kept around so its version survives) and projects
// id/v/type/data so callers always get the full OT-versioned record,
// not just the payload a plain content query would ask for.
func buildQuery(collection string, dsl *QueryDSL) (string, []any, error) {
	if !collectionNameSanitizer.MatchString(collection) {
		return "", nil, fmt.Errorf("backend: invalid collection name")
	}

	var args []any
	var whereClause string
	var err error
	if dsl.Where != nil {
		whereClause, args, err = parseWhereClause(dsl.Where)
		if err != nil {
			return "", nil, err
		}
	}

	sqlStr := fmt.Sprintf("SELECT id, v, type, data FROM %s WHERE data IS NOT NULL", collection)
	if whereClause != "" {
		sqlStr += " AND " + whereClause
	}

	if len(dsl.OrderBy) > 0 {
		sqlStr += " ORDER BY "
		parts := make([]string, len(dsl.OrderBy))
		for i, ob := range dsl.OrderBy {
			expr, args2, err := fieldExpr(ob.Field)
			if err != nil {
				return "", nil, err
			}
			dir := "ASC"
			if strings.ToUpper(ob.Direction) == "DESC" {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("%s %s", expr, dir)
			args = append(args, args2...)
		}
		sqlStr += strings.Join(parts, ", ")
	}

	if dsl.Limit > 0 {
		sqlStr += " LIMIT ?"
		args = append(args, dsl.Limit)
	}
	if dsl.Offset > 0 {
		sqlStr += " OFFSET ?"
		args = append(args, dsl.Offset)
	}
	return sqlStr + ";", args, nil
}

// fieldExpr renders field as a SQL expression: the bare column for a
// metadata field ($type, $v), or a parameterized json_extract into the
// data payload otherwise.
func fieldExpr(field string) (string, []any, error) {
	if col, ok := metaColumn(field); ok {
		return col, nil, nil
	}
	if !identifierSanitizer.MatchString(field) {
		return "", nil, fmt.Errorf("backend: invalid field: %s", field)
	}
	return "json_extract(data, ?)", []any{"$." + field}, nil
}

func parseWhereClause(w *Where) (string, []any, error) {
	if w.And != nil {
		return joinClauses(*w.And, " AND ")
	}
	if w.Or != nil {
		return joinClauses(*w.Or, " OR ")
	}
	if w.Field != nil && w.Op != nil && w.Value != nil {
		expr, args, err := fieldExpr(*w.Field)
		if err != nil {
			return "", nil, err
		}
		safeOp, err := normalizeOp(*w.Op)
		if err != nil {
			return "", nil, err
		}
		args = append(args, w.Value)
		return fmt.Sprintf("%s%s?", expr, safeOp), args, nil
	}
	return "", nil, fmt.Errorf("backend: invalid where clause")
}

func joinClauses(clauses []Where, sep string) (string, []any, error) {
	var parts []string
	var args []any
	for _, c := range clauses {
		c := c
		sub, subArgs, err := parseWhereClause(&c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sub)
		args = append(args, subArgs...)
	}
	return "(" + strings.Join(parts, sep) + ")", args, nil
}

func normalizeOp(op string) (string, error) {
	switch op {
	case "==", "=":
		return "=", nil
	case "!=", ">", ">=", "<", "<=":
		return op, nil
	}
	return "", fmt.Errorf("backend: unsupported operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	return 0, false
}

func compareNumeric(dn, qn float64, op string) (bool, error) {
	switch op {
	case "==", "=":
		return dn == qn, nil
	case "!=":
		return dn != qn, nil
	case ">":
		return dn > qn, nil
	case ">=":
		return dn >= qn, nil
	case "<":
		return dn < qn, nil
	case "<=":
		return dn <= qn, nil
	}
	return false, fmt.Errorf("backend: unsupported operator %q", op)
}

func compareString(ds, qs, op string) (bool, error) {
	switch op {
	case "==", "=":
		return ds == qs, nil
	case "!=":
		return ds != qs, nil
	case ">":
		return ds > qs, nil
	case ">=":
		return ds >= qs, nil
	case "<":
		return ds < qs, nil
	case "<=":
		return ds <= qs, nil
	}
	return false, fmt.Errorf("backend: unsupported operator %q", op)
}

// docRecord is the in-memory shape the hub evaluates live queries
// against: a document's type and version columns plus its data payload,
// mirroring what buildQuery's projection returns from SQL. A nil Data
// with this evaluator (as with the SQL path's "data IS NOT NULL") always
// fails to match, since a soft-deleted document should never satisfy a
// live query regardless of its stale type/version.
type docRecord struct {
	Type string
	V    int64
	Data []byte
}

// evaluateWhere recursively evaluates whether a document record matches
// a where clause, used by the hub to decide live-query membership
// without round-tripping through SQL. Metadata fields compare directly
// against the record's Type/V; all other fields read through gjson
// against Data.
func evaluateWhere(rec docRecord, w *Where) (bool, error) {
	if len(rec.Data) == 0 {
		return false, nil
	}
	if w == nil {
		return true, nil
	}
	if w.And != nil {
		for _, c := range *w.And {
			match, err := evaluateWhere(rec, &c)
			if err != nil || !match {
				return false, err
			}
		}
		return true, nil
	}
	if w.Or != nil {
		for _, c := range *w.Or {
			match, err := evaluateWhere(rec, &c)
			if err == nil && match {
				return true, nil
			}
		}
		return false, nil
	}
	if w.Field == nil || w.Op == nil || w.Value == nil {
		return false, fmt.Errorf("backend: invalid where clause")
	}
	field, op, queryValue := *w.Field, *w.Op, w.Value

	switch field {
	case metaFieldType:
		return compareString(rec.Type, fmt.Sprintf("%v", queryValue), op)
	case metaFieldVersion:
		qn, ok := toFloat(queryValue)
		if !ok {
			return false, fmt.Errorf("backend: %q requires a numeric value", metaFieldVersion)
		}
		return compareNumeric(float64(rec.V), qn, op)
	}

	result := gjson.GetBytes(rec.Data, field)
	if !result.Exists() {
		return false, nil
	}
	if qn, isNum := toFloat(queryValue); isNum && result.Type == gjson.Number {
		return compareNumeric(result.Float(), qn, op)
	}
	return compareString(result.String(), fmt.Sprintf("%v", queryValue), op)
}
