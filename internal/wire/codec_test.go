package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinkaurelius/titan-kernel/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

func key(id uint64) types.InstanceKey {
	return types.InstanceKey{Origin: "10.0.0.1:36462", Boot: 1700000000123, ID: id}
}

// TestQueryRoundTrip tests that every query field survives encoding
func TestQueryRoundTrip(t *testing.T) {
	q := &types.Query{
		Seed:       key(1),
		Instance:   key(7),
		QueryType:  3,
		TargetNode: -42,
		Payload:    []byte(`"hello"`),
		ClientAddr: "10.0.0.1:36462",
		ReplyPort:  36462,
		Attempt:    2,
	}

	raw, err := Encode(q)
	require.NoError(t, err)

	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, types.KindQuery, msg.Kind())
	assert.Equal(t, q, msg)
}

// TestResultPayloadNilVersusEmpty tests that a placeholder result stays a placeholder
func TestResultPayloadNilVersusEmpty(t *testing.T) {
	raw, err := Encode(&types.Result{Seed: key(1), Instance: key(2)})
	require.NoError(t, err)
	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Nil(t, msg.(*types.Result).Payload)

	raw, err = Encode(&types.Result{Seed: key(1), Instance: key(2), Payload: []byte{}})
	require.NoError(t, err)
	msg, err = Decode(raw)
	require.NoError(t, err)
	assert.NotNil(t, msg.(*types.Result).Payload)
	assert.Len(t, msg.(*types.Result).Payload, 0)
}

// TestTraceSpawnedOrder tests that repeated spawned keys keep their order
func TestTraceSpawnedOrder(t *testing.T) {
	tr := &types.Trace{
		Seed:        key(1),
		Instance:    key(2),
		Host:        "10.0.0.2:36462",
		ResultCount: 2,
		Spawned:     []types.InstanceKey{key(5), key(3), key(9)},
		Arrived:     100,
		Started:     110,
		Finished:    130,
	}
	raw, err := Encode(tr)
	require.NoError(t, err)
	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, tr, msg)
}

// TestSmallMessages tests the single-key message kinds and faults
func TestSmallMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  types.Message
	}{
		{"accept", &types.Accept{Instance: key(4)}},
		{"busy", &types.Busy{Instance: key(5), Attempt: 3}},
		{"result", &types.Result{Seed: key(1), Instance: key(2), Host: "10.0.0.2:36462", Payload: []byte(`"x"`)}},
		{"kill", &types.Kill{Seed: key(6)}},
		{"fault", &types.Fault{Seed: key(1), Instance: key(8), Host: "h:1", Code: types.FaultAnchorNotFound, Message: "node 9 not found"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.msg)
			require.NoError(t, err)
			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

// TestDecodeErrors tests malformed frames
func TestDecodeErrors(t *testing.T) {
	t.Run("unknown kind", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, frameKind, protowire.VarintType)
		b = protowire.AppendVarint(b, 99)
		b = protowire.AppendTag(b, frameBody, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("kind overflows a byte", func(t *testing.T) {
		// 262 would wrap to Busy if narrowed.
		body := appendKey(nil, 1, key(1))
		var b []byte
		b = protowire.AppendTag(b, frameKind, protowire.VarintType)
		b = protowire.AppendVarint(b, 256+uint64(types.KindBusy))
		b = protowire.AppendTag(b, frameBody, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
		msg, err := Decode(b)
		assert.ErrorIs(t, err, ErrUnknownKind)
		assert.Nil(t, msg)
	})

	t.Run("missing body", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, frameKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(types.KindAccept))
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrMissingBody)
	})

	t.Run("truncated", func(t *testing.T) {
		raw, err := Encode(&types.Accept{Instance: key(1)})
		require.NoError(t, err)
		_, err = Decode(raw[:len(raw)-3])
		assert.ErrorIs(t, err, ErrTruncated)
	})
}

// TestUnknownFieldsSkipped tests that extra fields in a body are ignored
func TestUnknownFieldsSkipped(t *testing.T) {
	body := appendKey(nil, 1, key(3))
	body = protowire.AppendTag(body, 42, protowire.VarintType)
	body = protowire.AppendVarint(body, 7)

	var b []byte
	b = protowire.AppendTag(b, frameKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(types.KindAccept))
	b = protowire.AppendTag(b, frameBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)

	msg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, &types.Accept{Instance: key(3)}, msg)
}
