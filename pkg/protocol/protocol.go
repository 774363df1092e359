// Package protocol implements the v1→v2 wire compatibility layer: it
// rewrites a legacy-tagged Command into its v2 document-opcode equivalent
// (SET/GET/DEL/CAS against a flat keyspace become InsertDoc/Query/
// DeleteDoc/UpdateDoc against a reserved collection) and translates the
// resulting v2 response back into the shape a legacy client expects.
//
// © 2025 arena-cache authors. MIT License.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veddb/veddb/pkg/document"
	"github.com/veddb/veddb/pkg/wire"
)

// LegacyKVCollection is the collection synthetic legacy SET/GET/DEL/CAS
// commands are translated against.
const LegacyKVCollection = "_legacy_kv"

// ErrUnsupportedLegacyOpcode is returned when a v1-tagged command carries
// an opcode the compatibility layer has no translation for.
var ErrUnsupportedLegacyOpcode = errors.New("protocol: unsupported v1 opcode")

// legacyCasError backs ErrLegacyCasPayloadRejected and implements the
// dispatch package's statusError interface, so a dispatcher that routes a
// rejected command through this error maps it to StatusBadRequest without
// needing a protocol-specific case of its own.
type legacyCasError struct{}

func (legacyCasError) Error() string {
	return "protocol: legacy CAS payload encoding rejected for v2 client"
}

func (legacyCasError) WireStatus() wire.Status { return wire.StatusBadRequest }

// ErrLegacyCasPayloadRejected is returned when a v2-tagged command uses
// OpCas, the legacy-only opcode whose payload packs the expected version
// into its first 8 bytes. v2 clients express a conditional update as
// OpUpdateDoc whose filter names the expected "version" field value;
// accepting OpCas from a v2 client would silently reinterpret
// arbitrary value bytes as a version number.
var ErrLegacyCasPayloadRejected error = legacyCasError{}

// InsertDocRequest is the v2 payload a translated SET produces.
type InsertDocRequest struct {
	Collection string            `json:"collection"`
	Document   document.Document `json:"document"`
}

// QueryRequest is the v2 payload a translated GET or FETCH produces.
type QueryRequest struct {
	Collection string           `json:"collection"`
	Filter     map[string]document.Value `json:"filter,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// UpdateDocRequest is the v2 payload a translated CAS produces.
type UpdateDocRequest struct {
	Collection string                     `json:"collection"`
	Filter     map[string]document.Value  `json:"filter"`
	Set        map[string]document.Value  `json:"set"`
	Upsert     bool                       `json:"upsert"`
}

// DeleteDocRequest is the v2 payload a translated DEL produces.
type DeleteDocRequest struct {
	Collection string                    `json:"collection"`
	Filter     map[string]document.Value `json:"filter"`
}

// OperationResponse is the v2 response payload TranslateResponse expects
// to find behind a Query/InsertDoc/UpdateDoc/DeleteDoc response, so it can
// be reshaped back into the flat value a legacy GET/FETCH client expects.
type OperationResponse struct {
	Success bool                `json:"success"`
	Data    []document.Document `json:"data,omitempty"`
}

// Handler translates commands and responses between the legacy v1 and
// current v2 wire formats.
type Handler struct {
	logWarnings bool
	logger      *zap.Logger
}

// NewHandler builds a Handler. When logWarnings is set, every translated
// v1 command logs a deprecation warning naming the opcode, so operators
// can see which clients still need upgrading.
func NewHandler(logWarnings bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logWarnings: logWarnings, logger: logger}
}

// TranslateCommand rewrites cmd into its v2 equivalent. A command already
// tagged VersionCurrent passes through unchanged, except OpCas, which is
// always rejected (see ErrLegacyCasPayloadRejected). An unrecognized
// version is left untouched; the dispatcher rejects it.
func (h *Handler) TranslateCommand(cmd wire.Command) (wire.Command, error) {
	if cmd.Header.Version != wire.VersionLegacy {
		if wire.Opcode(cmd.Header.Opcode) == wire.OpCas {
			return wire.Command{}, ErrLegacyCasPayloadRejected
		}
		return cmd, nil
	}

	opcode := wire.Opcode(cmd.Header.Opcode)
	if h.logWarnings {
		h.logger.Warn("deprecated v1 protocol command received, translating to v2",
			zap.Uint8("opcode", uint8(opcode)))
	}

	switch opcode {
	case wire.OpPing, wire.OpSubscribe, wire.OpUnsubscribe, wire.OpPublish, wire.OpInfo:
		out := cmd
		out.Header.Version = wire.VersionCurrent
		return out, nil
	case wire.OpSet:
		return h.translateSetToInsertDoc(cmd)
	case wire.OpGet:
		return h.translateGetToQuery(cmd)
	case wire.OpDel:
		return h.translateDelToDeleteDoc(cmd)
	case wire.OpCas:
		return h.translateCasToUpdateDoc(cmd)
	case wire.OpFetch:
		return h.translateFetchToQuery(cmd)
	default:
		return wire.Command{}, fmt.Errorf("%w: 0x%02x", ErrUnsupportedLegacyOpcode, uint8(opcode))
	}
}

func (h *Handler) translateSetToInsertDoc(cmd wire.Command) (wire.Command, error) {
	doc := document.New()
	doc.Set("key", document.StringValue(string(cmd.Key)))
	doc.Set("value", document.Value{Kind: document.KindBytes, Bytes: cmd.Value})
	// A fresh legacy key starts at version 0, so a subsequent CAS with
	// expected_version=0 matches it. (This differs from kv.Store, where a
	// first insert starts at version 1 and Cas on an absent key fails.)
	doc.Set("version", document.IntValue(0))

	payload, err := json.Marshal(InsertDocRequest{Collection: LegacyKVCollection, Document: doc})
	if err != nil {
		return wire.Command{}, fmt.Errorf("protocol: encode insert request: %w", err)
	}
	return newCommand(cmd.Header, wire.OpInsertDoc, payload), nil
}

func (h *Handler) translateGetToQuery(cmd wire.Command) (wire.Command, error) {
	payload, err := json.Marshal(QueryRequest{
		Collection: LegacyKVCollection,
		Filter:     map[string]document.Value{"key": document.StringValue(string(cmd.Key))},
		Limit:      1,
	})
	if err != nil {
		return wire.Command{}, fmt.Errorf("protocol: encode query request: %w", err)
	}
	return newCommand(cmd.Header, wire.OpQuery, payload), nil
}

func (h *Handler) translateDelToDeleteDoc(cmd wire.Command) (wire.Command, error) {
	payload, err := json.Marshal(DeleteDocRequest{
		Collection: LegacyKVCollection,
		Filter:     map[string]document.Value{"key": document.StringValue(string(cmd.Key))},
	})
	if err != nil {
		return wire.Command{}, fmt.Errorf("protocol: encode delete request: %w", err)
	}
	return newCommand(cmd.Header, wire.OpDeleteDoc, payload), nil
}

// translateCasToUpdateDoc mirrors the original compatibility layer's
// encoding: a legacy CAS command's expected version travels as the first
// 8 bytes (little-endian u64) of its value payload, with the remaining
// bytes the value to write.
func (h *Handler) translateCasToUpdateDoc(cmd wire.Command) (wire.Command, error) {
	var expectedVersion uint64
	newValue := cmd.Value
	if len(cmd.Value) >= 8 {
		expectedVersion = binary.LittleEndian.Uint64(cmd.Value[:8])
		newValue = cmd.Value[8:]
	}

	payload, err := json.Marshal(UpdateDocRequest{
		Collection: LegacyKVCollection,
		Filter: map[string]document.Value{
			"key":     document.StringValue(string(cmd.Key)),
			"version": document.IntValue(int64(expectedVersion)),
		},
		Set:    map[string]document.Value{"value": {Kind: document.KindBytes, Bytes: newValue}},
		Upsert: false,
	})
	if err != nil {
		return wire.Command{}, fmt.Errorf("protocol: encode update request: %w", err)
	}
	return newCommand(cmd.Header, wire.OpUpdateDoc, payload), nil
}

// translateFetchToQuery has no range semantics to preserve in this
// implementation, so it queries the whole legacy collection with a fixed
// page size, matching the original's documented simplification.
func (h *Handler) translateFetchToQuery(cmd wire.Command) (wire.Command, error) {
	payload, err := json.Marshal(QueryRequest{Collection: LegacyKVCollection, Limit: 1000})
	if err != nil {
		return wire.Command{}, fmt.Errorf("protocol: encode fetch-query request: %w", err)
	}
	return newCommand(cmd.Header, wire.OpQuery, payload), nil
}

func newCommand(h wire.Header, opcode wire.Opcode, payload []byte) wire.Command {
	h.Opcode = uint8(opcode)
	h.Version = wire.VersionCurrent
	return wire.Command{Header: h, Key: nil, Value: payload}
}

// TranslateResponse reshapes a v2 response back into the flat-value shape
// a v1 GET/FETCH client expects. Other opcodes' responses pass through
// unchanged: a legacy client only cares about the status byte for SET/DEL/CAS.
func (h *Handler) TranslateResponse(resp wire.Response, originalOpcode wire.Opcode) (wire.Response, error) {
	switch originalOpcode {
	case wire.OpGet:
		return h.translateQueryResponseToGet(resp)
	case wire.OpFetch:
		return h.translateQueryResponseToFetch(resp)
	default:
		return resp, nil
	}
}

func (h *Handler) translateQueryResponseToGet(resp wire.Response) (wire.Response, error) {
	if resp.Status != wire.StatusOK {
		return resp, nil
	}
	var op OperationResponse
	if err := json.Unmarshal(resp.Value, &op); err != nil {
		return wire.Response{}, fmt.Errorf("protocol: decode query response: %w", err)
	}
	if !op.Success || len(op.Data) == 0 {
		return wire.Response{Status: wire.StatusNotFound, Seq: resp.Seq}, nil
	}
	value, ok := op.Data[0].Get("value")
	if !ok || value.Kind != document.KindBytes {
		return wire.Response{Status: wire.StatusNotFound, Seq: resp.Seq}, nil
	}
	return wire.Response{Status: wire.StatusOK, Seq: resp.Seq, Value: value.Bytes}, nil
}

func (h *Handler) translateQueryResponseToFetch(resp wire.Response) (wire.Response, error) {
	if resp.Status != wire.StatusOK {
		return resp, nil
	}
	var op OperationResponse
	if err := json.Unmarshal(resp.Value, &op); err != nil {
		return wire.Response{}, fmt.Errorf("protocol: decode query response: %w", err)
	}
	if !op.Success {
		return wire.Response{Status: wire.StatusError, Seq: resp.Seq}, nil
	}

	type kv struct {
		Key   string `json:"key"`
		Value []byte `json:"value"`
	}
	pairs := make([]kv, 0, len(op.Data))
	for _, doc := range op.Data {
		keyVal, hasKey := doc.Get("key")
		valueVal, hasValue := doc.Get("value")
		if !hasKey || !hasValue || valueVal.Kind != document.KindBytes {
			continue
		}
		pairs = append(pairs, kv{Key: keyVal.Str, Value: valueVal.Bytes})
	}

	payload, err := json.Marshal(pairs)
	if err != nil {
		return wire.Response{}, fmt.Errorf("protocol: encode fetch response: %w", err)
	}
	return wire.Response{Status: wire.StatusOK, Seq: resp.Seq, Value: payload}, nil
}
