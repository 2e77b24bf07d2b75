// Package codec implements the payload JSON codec: row images are JSON
// objects keyed by lowercased column name, with BLOB columns hex-encoded
// locally and either Base64 (ordinary blobs) or dashed UUID strings (BLOB
// primary keys) on the wire.
package codec

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/anthropics/oversqlite/internal/tableinfo"
)

// CanonicalPK returns the local canonical textual form of a primary key
// value read from the database: text PKs pass through verbatim; 16-byte BLOB
// PKs become lowercase hex with no dashes.
func CanonicalPK(info *tableinfo.Info, raw interface{}) (string, error) {
	if !info.PKIsBlob {
		return fmt.Sprint(raw), nil
	}
	b, ok := raw.([]byte)
	if !ok {
		return "", fmt.Errorf("pk column %s declared BLOB but value is %T", info.PKColumn, raw)
	}
	return hex.EncodeToString(b), nil
}

// WirePK converts a local canonical PK form into the value to place in the
// "pk" wire field: dashed UUID string for BLOB PKs, the text itself otherwise.
func WirePK(info *tableinfo.Info, localPK string) (string, error) {
	if !info.PKIsBlob {
		return localPK, nil
	}
	b, err := hex.DecodeString(localPK)
	if err != nil {
		return "", fmt.Errorf("decode local blob pk %q: %w", localPK, err)
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return "", fmt.Errorf("blob pk %q is not a 16-byte UUID: %w", localPK, err)
	}
	return id.String(), nil
}

// LocalPKFromWire converts a wire "pk" string (dashed UUID for BLOB PKs, plain
// text otherwise) back to the local canonical hex form.
func LocalPKFromWire(info *tableinfo.Info, wirePK string) (string, error) {
	if !info.PKIsBlob {
		return wirePK, nil
	}
	id, err := uuid.Parse(wirePK)
	if err != nil {
		return "", fmt.Errorf("wire pk %q is not a UUID: %w", wirePK, err)
	}
	b, _ := id.MarshalBinary()
	return hex.EncodeToString(b), nil
}

// RowToPayload builds the JSON row image the capture triggers and the
// uploader both need: a map of lowercased column name to either the native
// value or, for BLOB columns, lowercase hex text.
func RowToPayload(info *tableinfo.Info, row map[string]interface{}) ([]byte, error) {
	out := make(map[string]interface{}, len(info.Columns))
	for _, col := range info.Columns {
		v, ok := row[col.Name]
		if !ok {
			continue
		}
		if col.IsBlob {
			switch b := v.(type) {
			case []byte:
				out[col.Name] = hex.EncodeToString(b)
			case nil:
				out[col.Name] = nil
			default:
				return nil, fmt.Errorf("column %s declared BLOB but value is %T", col.Name, v)
			}
			continue
		}
		out[col.Name] = v
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal row payload: %w", err)
	}
	return data, nil
}

// LocalToWirePayload converts a locally-stored JSON row image (BLOBs as hex)
// into the map to send inside the wire "payload" field: BLOB columns become
// Base64, except a BLOB primary-key column which is rendered the same dashed
// UUID string as the top-level "pk" field.
func LocalToWirePayload(info *tableinfo.Info, localPayload []byte) (map[string]interface{}, error) {
	if localPayload == nil {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(localPayload, &m); err != nil {
		return nil, fmt.Errorf("unmarshal local payload: %w", err)
	}

	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}

	for _, col := range info.Columns {
		v, ok := out[col.Name]
		if !ok || v == nil || !col.IsBlob {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("blob column %s local payload value is %T, want hex string", col.Name, v)
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode local blob column %s: %w", col.Name, err)
		}
		if col.Name == info.PKColumn && info.PKIsBlob {
			id, err := uuid.FromBytes(b)
			if err != nil {
				return nil, fmt.Errorf("blob pk column %s is not a 16-byte UUID: %w", col.Name, err)
			}
			out[col.Name] = id.String()
			continue
		}
		out[col.Name] = base64.StdEncoding.EncodeToString(b)
	}

	return out, nil
}

// WireToLocalPayload converts a downloaded wire payload (BLOBs as Base64 or
// dashed UUID for the PK) into the local JSON row image form (BLOBs as hex).
func WireToLocalPayload(info *tableinfo.Info, wirePayload interface{}) (map[string]interface{}, error) {
	if wirePayload == nil {
		return nil, nil
	}
	m, ok := wirePayload.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("wire payload is %T, want object", wirePayload)
	}

	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}

	for _, col := range info.Columns {
		v, ok := out[col.Name]
		if !ok || v == nil || !col.IsBlob {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("blob column %s wire payload value is %T, want string", col.Name, v)
		}
		if col.Name == info.PKColumn && info.PKIsBlob {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("blob pk column %s is not a UUID: %w", col.Name, err)
			}
			b, _ := id.MarshalBinary()
			out[col.Name] = hex.EncodeToString(b)
			continue
		}
		b, err := decodeBase64Loose(s)
		if err != nil {
			return nil, fmt.Errorf("decode base64 blob column %s: %w", col.Name, err)
		}
		out[col.Name] = hex.EncodeToString(b)
	}

	return out, nil
}

// decodeBase64Loose accepts both padded and unpadded Base64.
func decodeBase64Loose(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// ColumnValuesFromPayload maps a local JSON payload back to a column->value
// map of SQL-ready values (hex strings decoded back to []byte for BLOB
// columns) suitable for a parameterized INSERT/UPDATE.
func ColumnValuesFromPayload(info *tableinfo.Info, localPayload map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(info.Columns))
	for _, col := range info.Columns {
		v, ok := localPayload[col.Name]
		if !ok {
			continue
		}
		if col.IsBlob && v != nil {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("blob column %s local value is %T, want hex string", col.Name, v)
			}
			b, err := hex.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("decode blob column %s: %w", col.Name, err)
			}
			out[col.Name] = b
			continue
		}
		out[col.Name] = v
	}
	return out, nil
}
