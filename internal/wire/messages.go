package wire

import (
	"github.com/thinkaurelius/titan-kernel/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Query fields: 1 seed, 2 instance, 3 query type, 4 target node, 5 payload,
// 6 client address, 7 reply port, 8 attempt.
func encodeQuery(q *types.Query) []byte {
	var b []byte
	b = appendKey(b, 1, q.Seed)
	b = appendKey(b, 2, q.Instance)
	b = appendSigned(b, 3, int64(q.QueryType))
	b = appendSigned(b, 4, q.TargetNode)
	b = appendPayload(b, 5, q.Payload)
	b = appendString(b, 6, q.ClientAddr)
	b = appendSigned(b, 7, int64(q.ReplyPort))
	b = appendSigned(b, 8, int64(q.Attempt))
	return b
}

func decodeQuery(body []byte) (*types.Query, error) {
	q := &types.Query{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			k, n, err := consumeKey(b)
			q.Seed = k
			return n, err
		case 2:
			k, n, err := consumeKey(b)
			q.Instance = k
			return n, err
		case 3:
			v, n, err := consumeVarint(b)
			q.QueryType = int32(protowire.DecodeZigZag(v))
			return n, err
		case 4:
			v, n, err := consumeVarint(b)
			q.TargetNode = protowire.DecodeZigZag(v)
			return n, err
		case 5:
			v, n, err := consumePayload(b)
			q.Payload = v
			return n, err
		case 6:
			v, n, err := consumeBytes(b)
			q.ClientAddr = string(v)
			return n, err
		case 7:
			v, n, err := consumeVarint(b)
			q.ReplyPort = int32(protowire.DecodeZigZag(v))
			return n, err
		case 8:
			v, n, err := consumeVarint(b)
			q.Attempt = int32(protowire.DecodeZigZag(v))
			return n, err
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Result fields: 1 seed, 2 instance, 3 payload, 4 host.
func encodeResult(r *types.Result) []byte {
	var b []byte
	b = appendKey(b, 1, r.Seed)
	b = appendKey(b, 2, r.Instance)
	b = appendPayload(b, 3, r.Payload)
	b = appendString(b, 4, r.Host)
	return b
}

func decodeResult(body []byte) (*types.Result, error) {
	r := &types.Result{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			k, n, err := consumeKey(b)
			r.Seed = k
			return n, err
		case 2:
			k, n, err := consumeKey(b)
			r.Instance = k
			return n, err
		case 3:
			v, n, err := consumePayload(b)
			r.Payload = v
			return n, err
		case 4:
			v, n, err := consumeBytes(b)
			r.Host = string(v)
			return n, err
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Trace fields: 1 seed, 2 instance, 3 host, 4 result count, 5 spawned
// (repeated), 6 arrived, 7 started, 8 finished.
func encodeTrace(t *types.Trace) []byte {
	var b []byte
	b = appendKey(b, 1, t.Seed)
	b = appendKey(b, 2, t.Instance)
	b = appendString(b, 3, t.Host)
	b = appendSigned(b, 4, int64(t.ResultCount))
	for _, k := range t.Spawned {
		b = appendKey(b, 5, k)
	}
	b = appendSigned(b, 6, t.Arrived)
	b = appendSigned(b, 7, t.Started)
	b = appendSigned(b, 8, t.Finished)
	return b
}

func decodeTrace(body []byte) (*types.Trace, error) {
	t := &types.Trace{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			k, n, err := consumeKey(b)
			t.Seed = k
			return n, err
		case 2:
			k, n, err := consumeKey(b)
			t.Instance = k
			return n, err
		case 3:
			v, n, err := consumeBytes(b)
			t.Host = string(v)
			return n, err
		case 4:
			v, n, err := consumeVarint(b)
			t.ResultCount = int32(protowire.DecodeZigZag(v))
			return n, err
		case 5:
			k, n, err := consumeKey(b)
			t.Spawned = append(t.Spawned, k)
			return n, err
		case 6:
			v, n, err := consumeVarint(b)
			t.Arrived = protowire.DecodeZigZag(v)
			return n, err
		case 7:
			v, n, err := consumeVarint(b)
			t.Started = protowire.DecodeZigZag(v)
			return n, err
		case 8:
			v, n, err := consumeVarint(b)
			t.Finished = protowire.DecodeZigZag(v)
			return n, err
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Fault fields: 1 seed, 2 instance, 3 host, 4 code, 5 message.
func encodeFault(f *types.Fault) []byte {
	var b []byte
	b = appendKey(b, 1, f.Seed)
	b = appendKey(b, 2, f.Instance)
	b = appendString(b, 3, f.Host)
	b = appendSigned(b, 4, int64(f.Code))
	b = appendString(b, 5, f.Message)
	return b
}

func decodeFault(body []byte) (*types.Fault, error) {
	f := &types.Fault{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			k, n, err := consumeKey(b)
			f.Seed = k
			return n, err
		case 2:
			k, n, err := consumeKey(b)
			f.Instance = k
			return n, err
		case 3:
			v, n, err := consumeBytes(b)
			f.Host = string(v)
			return n, err
		case 4:
			v, n, err := consumeVarint(b)
			f.Code = types.FaultCode(protowire.DecodeZigZag(v))
			return n, err
		case 5:
			v, n, err := consumeBytes(b)
			f.Message = string(v)
			return n, err
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Busy fields: 1 instance, 2 attempt.
func encodeBusy(m *types.Busy) []byte {
	b := appendKey(nil, 1, m.Instance)
	return appendSigned(b, 2, int64(m.Attempt))
}

func decodeBusy(body []byte) (*types.Busy, error) {
	m := &types.Busy{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			k, n, err := consumeKey(b)
			m.Instance = k
			return n, err
		case 2:
			v, n, err := consumeVarint(b)
			m.Attempt = int32(protowire.DecodeZigZag(v))
			return n, err
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
