package dispatch

import (
	"encoding/json"

	"github.com/veddb/veddb/pkg/document"
	"github.com/veddb/veddb/pkg/protocol"
	"github.com/veddb/veddb/pkg/storage"
	"github.com/veddb/veddb/pkg/wal"
	"github.com/veddb/veddb/pkg/wire"
)

// versionField is the document field the protocol compatibility layer uses
// to carry a legacy CAS command's expected/next version; DocumentHandlers
// treats a filter that names it as a compare-and-swap, bumping it on every
// successful conditional update the same way kv.Store.Cas bumps a key's
// version on write.
const versionField = "version"

// DocumentHandlers builds the Query/InsertDoc/UpdateDoc/DeleteDoc handlers
// that back the v2 document API — and, through the protocol package's
// legacy translation, every v1 GET/SET/DEL/CAS/FETCH command too. Writes go
// through storageLayer directly and are appended to walWriter so they
// replicate and survive restart exactly like WAL-replayed writes; walWriter
// may be nil, in which case writes apply to storage without being logged.
func DocumentHandlers(storageLayer *storage.Layer, walWriter *wal.Writer) map[wire.Opcode]Handler {
	h := &documentHandlers{storage: storageLayer, wal: walWriter}
	return map[wire.Opcode]Handler{
		wire.OpInsertDoc: h.insert,
		wire.OpQuery:     h.query,
		wire.OpUpdateDoc: h.update,
		wire.OpDeleteDoc: h.delete,
	}
}

type documentHandlers struct {
	storage *storage.Layer
	wal     *wal.Writer
}

func (h *documentHandlers) append(op wal.Operation) {
	if h.wal == nil {
		return
	}
	h.wal.Append(op)
}

func (h *documentHandlers) insert(cmd wire.Command) wire.Response {
	var req protocol.InsertDocRequest
	if err := json.Unmarshal(cmd.Value, &req); err != nil {
		return wire.Response{Status: wire.StatusBadRequest}
	}

	if err := h.storage.InsertDocument(req.Collection, req.Document); err != nil {
		return wire.Response{Status: StatusFor(err)}
	}
	h.append(wal.Operation{Kind: wal.OpInsertDoc, Collection: req.Collection, Doc: req.Document})

	return wire.Response{Status: wire.StatusOK, Value: operationResponse(true, []document.Document{req.Document})}
}

func (h *documentHandlers) query(cmd wire.Command) wire.Response {
	var req protocol.QueryRequest
	if err := json.Unmarshal(cmd.Value, &req); err != nil {
		return wire.Response{Status: wire.StatusBadRequest}
	}

	docs, err := h.storage.ScanCollection(req.Collection)
	if err != nil {
		return wire.Response{Status: StatusFor(err)}
	}

	matches := matchAll(docs, req.Filter)
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	return wire.Response{Status: wire.StatusOK, Value: operationResponse(true, matches)}
}

// update applies a conditional field update: the first document matching
// Filter has Set merged in. When Filter names versionField, the match is
// also a compare-and-swap — no match is a version mismatch rather than a
// plain miss, and a match's version is incremented as part of the same
// write, mirroring kv.Store.Cas's read-compare-bump-write sequence for
// callers now routed through the document API instead of the flat keyspace.
func (h *documentHandlers) update(cmd wire.Command) wire.Response {
	var req protocol.UpdateDocRequest
	if err := json.Unmarshal(cmd.Value, &req); err != nil {
		return wire.Response{Status: wire.StatusBadRequest}
	}

	docs, err := h.storage.ScanCollection(req.Collection)
	if err != nil {
		return wire.Response{Status: StatusFor(err)}
	}

	_, isCas := req.Filter[versionField]
	matched := findOne(docs, req.Filter)
	if matched == nil {
		if req.Upsert {
			return h.upsert(req)
		}
		if isCas {
			return wire.Response{Status: wire.StatusVersionMismatch}
		}
		return wire.Response{Status: wire.StatusNotFound}
	}

	changes := make(map[string]document.Value, len(req.Set)+1)
	for field, value := range req.Set {
		changes[field] = value
	}
	var newVersion int64
	if isCas {
		current, _ := matched.Get(versionField)
		newVersion = current.Int + 1
		changes[versionField] = document.IntValue(newVersion)
	}

	if err := h.storage.UpdateDocument(req.Collection, matched.ID, changes); err != nil {
		return wire.Response{Status: StatusFor(err)}
	}
	h.append(wal.Operation{Kind: wal.OpUpdateDoc, Collection: req.Collection, DocID: matched.ID, Changes: changes})

	return wire.Response{Status: wire.StatusOK, Extra: uint64(newVersion)}
}

func (h *documentHandlers) upsert(req protocol.UpdateDocRequest) wire.Response {
	doc := document.New()
	for field, value := range req.Filter {
		doc.Set(field, value)
	}
	for field, value := range req.Set {
		doc.Set(field, value)
	}
	if _, hasVersion := req.Filter[versionField]; hasVersion {
		doc.Set(versionField, document.IntValue(1))
	}

	if err := h.storage.InsertDocument(req.Collection, doc); err != nil {
		return wire.Response{Status: StatusFor(err)}
	}
	h.append(wal.Operation{Kind: wal.OpInsertDoc, Collection: req.Collection, Doc: doc})

	return wire.Response{Status: wire.StatusOK}
}

func (h *documentHandlers) delete(cmd wire.Command) wire.Response {
	var req protocol.DeleteDocRequest
	if err := json.Unmarshal(cmd.Value, &req); err != nil {
		return wire.Response{Status: wire.StatusBadRequest}
	}

	docs, err := h.storage.ScanCollection(req.Collection)
	if err != nil {
		return wire.Response{Status: StatusFor(err)}
	}

	matches := matchAll(docs, req.Filter)
	if len(matches) == 0 {
		return wire.Response{Status: wire.StatusNotFound}
	}
	for _, doc := range matches {
		if _, err := h.storage.DeleteDocument(req.Collection, doc.ID); err != nil {
			return wire.Response{Status: StatusFor(err)}
		}
		h.append(wal.Operation{Kind: wal.OpDeleteDoc, Collection: req.Collection, DocID: doc.ID})
	}

	return wire.Response{Status: wire.StatusOK, Value: operationResponse(true, matches)}
}

func operationResponse(success bool, docs []document.Document) []byte {
	payload, err := json.Marshal(protocol.OperationResponse{Success: success, Data: docs})
	if err != nil {
		return nil
	}
	return payload
}

func findOne(docs []document.Document, filter map[string]document.Value) *document.Document {
	for i := range docs {
		if matchFilter(docs[i], filter) {
			return &docs[i]
		}
	}
	return nil
}

func matchAll(docs []document.Document, filter map[string]document.Value) []document.Document {
	matches := make([]document.Document, 0, len(docs))
	for _, doc := range docs {
		if matchFilter(doc, filter) {
			matches = append(matches, doc)
		}
	}
	return matches
}

func matchFilter(doc document.Document, filter map[string]document.Value) bool {
	for field, want := range filter {
		got, ok := doc.Get(field)
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	return true
}

func valueEqual(a, b document.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case document.KindBool:
		return a.Bool == b.Bool
	case document.KindInt:
		return a.Int == b.Int
	case document.KindFloat:
		return a.Float == b.Float
	case document.KindString:
		return a.Str == b.Str
	case document.KindBytes:
		return string(a.Bytes) == string(b.Bytes)
	default:
		return true
	}
}
