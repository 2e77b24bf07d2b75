package codec

import (
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/oversqlite/internal/tableinfo"
)

func blobPKInfo() *tableinfo.Info {
	return &tableinfo.Info{
		Table: "notes",
		Columns: []tableinfo.Column{
			{Name: "id", Type: "BLOB", IsBlob: true, PK: true},
			{Name: "title", Type: "TEXT"},
			{Name: "attachment", Type: "BLOB", IsBlob: true},
		},
		PKColumn: "id",
		PKIsBlob: true,
	}
}

func textPKInfo() *tableinfo.Info {
	return &tableinfo.Info{
		Table:    "tags",
		Columns:  []tableinfo.Column{{Name: "slug", Type: "TEXT", PK: true}, {Name: "label", Type: "TEXT"}},
		PKColumn: "slug",
		PKIsBlob: false,
	}
}

func TestCanonicalPKAndWirePKRoundTripBlob(t *testing.T) {
	info := blobPKInfo()
	id := uuid.New()
	raw, _ := id.MarshalBinary()

	local, err := CanonicalPK(info, raw)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(raw), local)

	wire, err := WirePK(info, local)
	require.NoError(t, err)
	require.Equal(t, id.String(), wire)

	backToLocal, err := LocalPKFromWire(info, wire)
	require.NoError(t, err)
	require.Equal(t, local, backToLocal)
}

func TestCanonicalPKTextPassesThrough(t *testing.T) {
	info := textPKInfo()
	local, err := CanonicalPK(info, "my-slug")
	require.NoError(t, err)
	require.Equal(t, "my-slug", local)

	wire, err := WirePK(info, local)
	require.NoError(t, err)
	require.Equal(t, "my-slug", wire)
}

func TestLocalToWireAndBackRoundTripsBlobColumns(t *testing.T) {
	info := blobPKInfo()
	id := uuid.New()
	pkBytes, _ := id.MarshalBinary()
	attachment := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	localPayload, err := RowToPayload(info, map[string]interface{}{
		"id":         pkBytes,
		"title":      "hello",
		"attachment": attachment,
	})
	require.NoError(t, err)

	wireMap, err := LocalToWirePayload(info, localPayload)
	require.NoError(t, err)
	require.Equal(t, id.String(), wireMap["id"])
	require.Equal(t, "hello", wireMap["title"])

	backLocal, err := WireToLocalPayload(info, wireMap)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(pkBytes), backLocal["id"])
	require.Equal(t, hex.EncodeToString(attachment), backLocal["attachment"])
}

func TestWireToLocalAcceptsUnpaddedBase64(t *testing.T) {
	info := blobPKInfo()
	raw := []byte{1, 2, 3, 4, 5}
	// RawStdEncoding (no padding) of {1,2,3,4,5}
	unpadded := "AQIDBAU"

	out, err := WireToLocalPayload(info, map[string]interface{}{
		"id":         uuid.New().String(),
		"attachment": unpadded,
	})
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(raw), out["attachment"])
}

func TestColumnValuesFromPayloadDecodesBlobs(t *testing.T) {
	info := blobPKInfo()
	raw := []byte{0xAA, 0xBB}
	values, err := ColumnValuesFromPayload(info, map[string]interface{}{
		"attachment": hex.EncodeToString(raw),
		"title":      "x",
	})
	require.NoError(t, err)
	require.Equal(t, raw, values["attachment"])
	require.Equal(t, "x", values["title"])
}
