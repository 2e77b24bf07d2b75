// Package resolver defines the conflict-resolution contract: MergeResult is
// a tagged two-case sum type, never a nullable payload.
package resolver

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/anthropics/oversqlite/internal/model"
)

// MergeResult is the outcome of resolving a conflict: either accept the
// server's row verbatim, or keep a (possibly merged) local payload.
type MergeResult struct {
	acceptServer bool
	merged       []byte
}

// AcceptServer returns a MergeResult telling the caller to take the server's row.
func AcceptServer() MergeResult { return MergeResult{acceptServer: true} }

// KeepLocal returns a MergeResult telling the caller to keep (a possibly
// merged form of) the local payload. payload may be nil for a DELETE.
func KeepLocal(payload []byte) MergeResult { return MergeResult{merged: payload} }

// IsAcceptServer reports whether the caller should take the server's row.
func (m MergeResult) IsAcceptServer() bool { return m.acceptServer }

// Payload returns the merged local payload when IsAcceptServer is false.
func (m MergeResult) Payload() []byte { return m.merged }

// Resolver arbitrates a genuine version conflict between a local pending
// change and the server's authoritative row for the same (table, pk).
type Resolver interface {
	Resolve(table, pk string, serverRow *model.ServerRow, localPayload []byte) MergeResult
}

// Default is the engine's built-in server-wins policy with a deterministic
// tiebreak for symmetric conflicts: when both sides would otherwise be
// treated as equally authoritative, the lexicographically greater of the two
// canonical JSON serializations wins, so every device arrives at the same
// answer.
type Default struct{}

// Resolve implements Resolver. The engine guarantees serverRow and
// localPayload are both non-nil before a resolver is ever consulted (a
// missing server row or local payload is resolved by the engine itself,
// server_row == nil → KeepLocal and local_payload == nil → AcceptServer,
// without calling Resolve), and that both payloads are already in the same
// local-form encoding, so Default only has to break a genuine symmetric tie.
func (Default) Resolve(table, pk string, serverRow *model.ServerRow, localPayload []byte) MergeResult {
	serverCanon, errS := canonicalJSON(serverRow.Payload)
	localCanon, errL := canonicalJSON(json.RawMessage(localPayload))
	if errS != nil || errL != nil {
		// Can't compare deterministically; fall back to the documented
		// default policy of server-wins.
		return AcceptServer()
	}

	if bytes.Compare(localCanon, serverCanon) > 0 {
		return KeepLocal(localPayload)
	}
	return AcceptServer()
}

// canonicalJSON re-marshals v with map keys in sorted order so two logically
// equal payloads compare equal regardless of original key order.
func canonicalJSON(v interface{}) ([]byte, error) {
	var generic interface{}
	switch t := v.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(t, &generic); err != nil {
			return nil, err
		}
	default:
		generic = v
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := bytes.NewBufferString("{")
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []interface{}:
		buf := bytes.NewBufferString("[")
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(t)
	}
}
