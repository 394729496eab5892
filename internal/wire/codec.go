// ============================================================================
// Titan Kernel Wire Codec
// ============================================================================
//
// Package: internal/wire
// File: codec.go
// Purpose: Encodes kernel messages to bytes and back.
//
// Frame layout (protobuf wire format, no generated code):
//   field 1 (varint) - message kind
//   field 2 (bytes)  - message body
//
// Each body is itself a protobuf-encoded record whose field numbers are
// fixed per kind below. Unknown fields are skipped, so older kernels can
// read frames written by newer ones as long as field numbers are stable.
//
// Dispatch:
//   Decode returns a types.Message; receivers switch on Kind(). There is
//   no reflective handler lookup.
//
// ============================================================================

package wire

import (
	"errors"
	"fmt"
	"math"

	"github.com/thinkaurelius/titan-kernel/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrUnknownKind is returned for frames whose kind tag is not recognized.
	ErrUnknownKind = errors.New("wire: unknown message kind")
	// ErrTruncated is returned when a frame ends in the middle of a field.
	ErrTruncated = errors.New("wire: truncated frame")
	// ErrMissingBody is returned when a frame has a kind but no body.
	ErrMissingBody = errors.New("wire: frame has no body")
)

const (
	frameKind protowire.Number = 1
	frameBody protowire.Number = 2
)

// Encode serializes m into a frame.
func Encode(m types.Message) ([]byte, error) {
	var body []byte
	switch msg := m.(type) {
	case *types.Query:
		body = encodeQuery(msg)
	case *types.Result:
		body = encodeResult(msg)
	case *types.Trace:
		body = encodeTrace(msg)
	case *types.Fault:
		body = encodeFault(msg)
	case *types.Accept:
		body = appendKey(nil, 1, msg.Instance)
	case *types.Busy:
		body = encodeBusy(msg)
	case *types.Kill:
		body = appendKey(nil, 1, msg.Seed)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}

	out := make([]byte, 0, len(body)+8)
	out = protowire.AppendTag(out, frameKind, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(m.Kind()))
	out = protowire.AppendTag(out, frameBody, protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out, nil
}

// Decode parses a frame produced by Encode.
func Decode(raw []byte) (types.Message, error) {
	var kind types.Kind
	var body []byte
	hasBody := false

	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == frameKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, ErrTruncated
			}
			if v > math.MaxUint8 {
				return 0, fmt.Errorf("%w: %d", ErrUnknownKind, v)
			}
			kind = types.Kind(v)
			return n, nil
		case num == frameBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, ErrTruncated
			}
			body, hasBody = v, true
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	if !hasBody {
		return nil, ErrMissingBody
	}

	switch kind {
	case types.KindQuery:
		return decodeQuery(body)
	case types.KindResult:
		return decodeResult(body)
	case types.KindTrace:
		return decodeTrace(body)
	case types.KindFault:
		return decodeFault(body)
	case types.KindAccept:
		k, err := decodeSingleKey(body)
		if err != nil {
			return nil, err
		}
		return &types.Accept{Instance: k}, nil
	case types.KindBusy:
		return decodeBusy(body)
	case types.KindKill:
		k, err := decodeSingleKey(body)
		if err != nil {
			return nil, err
		}
		return &types.Kill{Seed: k}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

// ----------------------------------------------------------------------------
// Field helpers
// ----------------------------------------------------------------------------

// walk calls fn for every field in b. fn consumes the field value and returns
// the number of bytes it used.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[used:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
	}
	return n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSigned(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendPayload writes v even when it is empty so that nil and empty stay
// distinguishable after a round trip.
func appendPayload(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendKey(b []byte, num protowire.Number, k types.InstanceKey) []byte {
	var kb []byte
	kb = appendString(kb, 1, k.Origin)
	kb = appendSigned(kb, 2, k.Boot)
	kb = appendVarint(kb, 3, k.ID)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, kb)
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, ErrTruncated
	}
	return v, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, ErrTruncated
	}
	return v, n, nil
}

// consumePayload copies the value so decoded messages never alias the frame.
func consumePayload(b []byte) ([]byte, int, error) {
	v, n, err := consumeBytes(b)
	if err != nil {
		return nil, 0, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeKey(b []byte) (types.InstanceKey, int, error) {
	kb, n, err := consumeBytes(b)
	if err != nil {
		return types.InstanceKey{}, 0, err
	}
	var k types.InstanceKey
	err = walk(kb, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(b)
			k.Origin = string(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(b)
			k.Boot = protowire.DecodeZigZag(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(b)
			k.ID = v
			return n, err
		}
		return skip(num, typ, b)
	})
	return k, n, err
}

func decodeSingleKey(body []byte) (types.InstanceKey, error) {
	var k types.InstanceKey
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeKey(b)
			k = v
			return n, err
		}
		return skip(num, typ, b)
	})
	return k, err
}
