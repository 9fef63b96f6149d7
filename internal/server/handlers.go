package server

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/zag2art/sharedb/internal/contract"
)

// restCallerID marks writes made through the REST surface rather than a
// websocket Agent. Every REST write uses it as src, paired with a fresh
// seq from nextSeq, so Submit's (src, seq) duplicate check treats each
// REST call as a distinct op.
const restCallerID = "rest"

var collectionNameSanitizer = regexp.MustCompile("^[a-z0-9_]+$")

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"marshal failed"}`)
	}
	return b
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if !collectionNameSanitizer.MatchString(collection) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid collection name %q", collection))
		return
	}
	if err := s.backend.CreateCollection(collection); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "collection": collection})
}

type indexRequest struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique"`
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if err := s.backend.CreateIndex(collection, req.Name, req.Fields, req.Unique); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "created", "index": req})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	collection, docID := r.PathValue("collection"), r.PathValue("docId")
	snap, err := s.backend.Fetch(r.Context(), collection, docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": docID, "v": snap.V, "type": snap.Type, "data": snap.Data})
}

// nextSeq gives each REST write a unique client_seq for its src so
// Submit's duplicate-detection never mistakes two different REST calls
// for a retried one.
func nextSeq() int64 { return time.Now().UnixNano() }

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	collection, docID := r.PathValue("collection"), r.PathValue("docId")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var create contract.CreatePayload
	if err := json.Unmarshal(body, &create); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	snap, err := s.backend.Fetch(r.Context(), collection, docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	op := &contract.Op{Src: restCallerID, Seq: nextSeq(), V: snap.V, C: collection, Create: &create}
	if _, err := s.backend.Submit(r.Context(), restCallerID, collection, docID, op); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": docID, "v": op.V})
}

func (s *Server) handlePatchDocument(w http.ResponseWriter, r *http.Request) {
	collection, docID := r.PathValue("collection"), r.PathValue("docId")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	baseV, err := baseVersion(r, collection, docID, s)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	op := &contract.Op{Src: restCallerID, Seq: nextSeq(), V: baseV, C: collection, Op: json.RawMessage(body)}
	if _, err := s.backend.Submit(r.Context(), restCallerID, collection, docID, op); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": docID, "v": op.V})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	collection, docID := r.PathValue("collection"), r.PathValue("docId")
	baseV, err := baseVersion(r, collection, docID, s)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	op := &contract.Op{Src: restCallerID, Seq: nextSeq(), V: baseV, C: collection, Del: true}
	if _, err := s.backend.Submit(r.Context(), restCallerID, collection, docID, op); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": docID, "v": op.V})
}

// baseVersion reads the `v` query param if the caller supplied it
// (optimistic-concurrency PATCH/DELETE), otherwise fetches the current
// version so a REST caller that isn't tracking versions can still write.
func baseVersion(r *http.Request, collection, docID string, s *Server) (int64, error) {
	if vs := r.URL.Query().Get("v"); vs != "" {
		return strconv.ParseInt(vs, 10, 64)
	}
	snap, err := s.backend.Fetch(r.Context(), collection, docID)
	if err != nil {
		return 0, err
	}
	return snap.V, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results, _, err := s.backend.QueryFetch(r.Context(), restCallerID, collection, json.RawMessage(body), contract.QueryOptions{})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out := make([]map[string]any, len(results))
	for i, res := range results {
		out[i] = map[string]any{"id": res.ID, "v": res.V, "type": res.Type, "data": res.Data}
	}
	writeJSON(w, http.StatusOK, out)
}
