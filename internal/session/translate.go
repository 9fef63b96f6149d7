package session

import (
	"github.com/zag2art/sharedb/internal/contract"
)

// translateOp builds an outbound op push: c, d, v, src, seq, and
// whichever of op/create/del the underlying Op set.
func translateOp(collection, docID string, op *contract.Op) map[string]any {
	out := map[string]any{
		"a":   "op",
		"c":   collection,
		"d":   docID,
		"v":   op.V,
		"src": op.Src,
		"seq": op.Seq,
	}
	if op.Op != nil {
		out["op"] = op.Op
	}
	if op.Create != nil {
		out["create"] = op.Create
	}
	if op.Del {
		out["del"] = true
	}
	if op.M != nil {
		out["m"] = op.M
	}
	return out
}

// translateResults renders query rows as {d, v}, omitting `data` when
// the caller supplied any version for that id, and run-length-compressing
// `type` across consecutive rows of the same type.
func translateResults(results []contract.QueryResult, versions map[string]*int64) []map[string]any {
	data := make([]map[string]any, 0, len(results))
	var prevType string
	havePrevType := false
	for _, r := range results {
		item := map[string]any{"d": r.ID, "v": r.V}

		noPriorVersion := versions == nil
		if !noPriorVersion {
			pv, ok := versions[r.ID]
			noPriorVersion = !ok || pv == nil
		}
		if noPriorVersion {
			item["data"] = r.Data
		}

		if !havePrevType || r.Type != prevType {
			item["type"] = r.Type
		}
		prevType = r.Type
		havePrevType = true

		data = append(data, item)
	}
	return data
}

// diffWire renders a live query's result-set diff for the wire, running
// any inserted rows through the same translateResults compression as a
// direct query reply.
func diffWire(diffs []contract.QueryDiff, versions map[string]*int64) []map[string]any {
	out := make([]map[string]any, 0, len(diffs))
	for _, d := range diffs {
		item := map[string]any{"type": d.Type, "index": d.Index}
		if len(d.Values) > 0 {
			item["values"] = translateResults(d.Values, versions)
		}
		out = append(out, item)
	}
	return out
}

func snapshotWire(s *contract.Snapshot) map[string]any {
	out := map[string]any{"v": s.V}
	if s.Type != "" {
		out["type"] = s.Type
	}
	if s.Data != nil {
		out["data"] = s.Data
	}
	return out
}

func ackBody(src string, seq, v int64) map[string]any {
	return map[string]any{"src": src, "seq": seq, "v": v}
}
