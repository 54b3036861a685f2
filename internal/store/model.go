// Record encoding: the durable, schema-versioned form of a conversation
// snapshot. Payloads are JSON, optionally gzip-compressed, and validated
// against a JSON schema on load before anything trusts their shape.

package store

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/roamlabs/convoctx/internal/engine"
)

// StoredContext is the persisted record: the engine snapshot plus storage
// metadata the engine does not care about.
type StoredContext struct {
	engine.Snapshot
	Backend  string `json:"backend,omitempty"`  // backend holding the authoritative copy
	Degraded bool   `json:"degraded,omitempty"` // written via backup because primary failed
}

// compressThreshold is the payload size above which records are gzipped.
// Small records are not worth the header overhead.
const compressThreshold = 4 * 1024

// recordSchema guards the fields decode and migration depend on. Anything
// beyond these is tolerated so older readers survive additive changes.
const recordSchema = `{
	"type": "object",
	"required": ["schema_version", "user_id", "conversation_id", "branches", "active_branch_id", "synced_at"],
	"properties": {
		"schema_version": {"type": "integer", "minimum": 1},
		"user_id": {"type": "string", "minLength": 1},
		"conversation_id": {"type": "string", "minLength": 1},
		"branches": {"type": "array"},
		"active_branch_id": {"type": "string"},
		"synced_at": {"type": "string"}
	}
}`

var recordSchemaLoader = gojsonschema.NewStringLoader(recordSchema)

// EncodeRecord serializes a stored context, compressing large payloads.
func EncodeRecord(sc StoredContext) ([]byte, error) {
	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stored context: %w", err)
	}
	if len(data) < compressThreshold {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress stored context: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress stored context: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses, validates, and migrates a stored record.
func DecodeRecord(raw []byte) (StoredContext, error) {
	data := raw
	if isGzip(raw) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return StoredContext{}, fmt.Errorf("failed to decompress stored context: %w", err)
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			return StoredContext{}, fmt.Errorf("failed to decompress stored context: %w", err)
		}
	}

	result, err := gojsonschema.Validate(recordSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return StoredContext{}, fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := ""
		for _, e := range result.Errors() {
			if msgs != "" {
				msgs += "; "
			}
			msgs += e.String()
		}
		return StoredContext{}, fmt.Errorf("stored context does not match schema: %s", msgs)
	}

	var sc StoredContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return StoredContext{}, fmt.Errorf("failed to unmarshal stored context: %w", err)
	}

	return migrateRecord(sc)
}

// migrateRecord upgrades older schema versions in place on load. Currently
// version 1 is the only one.
func migrateRecord(sc StoredContext) (StoredContext, error) {
	switch sc.SchemaVersion {
	case engine.SnapshotSchemaVersion:
		return sc, nil
	default:
		return StoredContext{}, fmt.Errorf("unsupported stored context schema version %d", sc.SchemaVersion)
	}
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Change is the versioned invalidation signal broadcast when a snapshot is
// written. No payload travels with it: subscribers reload.
type Change struct {
	SchemaVersion  int       `json:"schema_version"`
	Origin         string    `json:"origin"` // writer instance id, so writers skip their own signals
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	SyncedAt       time.Time `json:"synced_at"`
}
