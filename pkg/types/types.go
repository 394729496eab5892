// Package types defines the identifiers and messages exchanged between kernels.
package types

import (
	"fmt"
)

// InstanceKey identifies one query instance: one hop of answering a seed on one node.
// Keys are comparable and used directly as map keys.
type InstanceKey struct {
	Origin string // listen address of the kernel that minted the key
	Boot   int64  // boot time of that kernel (Unix milliseconds)
	ID     uint64 // per-process counter
}

// IsZero reports whether k is the zero key.
func (k InstanceKey) IsZero() bool {
	return k == InstanceKey{}
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.Origin, k.Boot, k.ID)
}

// Kind tags every message on the wire.
type Kind uint8

const (
	KindQuery  Kind = 1
	KindResult Kind = 2
	KindTrace  Kind = 3
	KindFault  Kind = 4
	KindAccept Kind = 5
	KindBusy   Kind = 6
	KindKill   Kind = 7
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "Query"
	case KindResult:
		return "Result"
	case KindTrace:
		return "Trace"
	case KindFault:
		return "Fault"
	case KindAccept:
		return "Accept"
	case KindBusy:
		return "Busy"
	case KindKill:
		return "Kill"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is implemented by every message type.
type Message interface {
	Kind() Kind
}

// Query asks a node to answer one instance of a seed.
type Query struct {
	Seed       InstanceKey
	Instance   InstanceKey
	QueryType  int32  // registry id of the stored procedure
	TargetNode int64  // anchor node id
	Payload    []byte // serialized input
	ClientAddr string // where results, traces and faults go
	ReplyPort  int32  // set by the sending kernel just before transmission
	Attempt    int32  // 1-based delivery attempt of the hop, echoed in Busy
}

func (*Query) Kind() Kind { return KindQuery }

// SpawnNextGeneration derives the next hop: same seed, query type and client, fresh
// instance, new target and payload.
func (q *Query) SpawnNextGeneration(instance InstanceKey, target int64, payload []byte) *Query {
	return &Query{
		Seed:       q.Seed,
		Instance:   instance,
		QueryType:  q.QueryType,
		TargetNode: target,
		Payload:    payload,
		ClientAddr: q.ClientAddr,
	}
}

func (q *Query) String() string {
	return fmt.Sprintf("Query{seed=%s instance=%s type=%d target=%d}", q.Seed, q.Instance, q.QueryType, q.TargetNode)
}

// Result carries one serialized result back to the client.
// A nil Payload is a placeholder and is never decoded.
type Result struct {
	Seed     InstanceKey
	Instance InstanceKey
	Host     string // node that produced the result
	Payload  []byte
}

func (*Result) Kind() Kind { return KindResult }

// Trace is the final record an instance sends to its client.
type Trace struct {
	Seed        InstanceKey
	Instance    InstanceKey
	Host        string
	ResultCount int32
	Spawned     []InstanceKey // instances forwarded by this one
	Arrived     int64         // Unix milliseconds, 0 when unknown
	Started     int64
	Finished    int64
}

func (*Trace) Kind() Kind { return KindTrace }

// FaultCode classifies why an instance terminated without a Trace.
type FaultCode int32

const (
	FaultUnknown FaultCode = iota
	FaultForwardingExhausted
	FaultUnknownQueryType
	FaultAnchorNotFound
	FaultDecodeFailed
	FaultExecutionFailed
	FaultKilled
)

func (c FaultCode) String() string {
	switch c {
	case FaultForwardingExhausted:
		return "forwarding_exhausted"
	case FaultUnknownQueryType:
		return "unknown_query_type"
	case FaultAnchorNotFound:
		return "anchor_not_found"
	case FaultDecodeFailed:
		return "decode_failed"
	case FaultExecutionFailed:
		return "execution_failed"
	case FaultKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Fault is the terminal record of an instance that could not be answered.
type Fault struct {
	Seed     InstanceKey
	Instance InstanceKey
	Host     string
	Code     FaultCode
	Message  string
}

func (*Fault) Kind() Kind { return KindFault }

func (f *Fault) Error() string {
	return fmt.Sprintf("%s on %s: %s", f.Code, f.Instance, f.Message)
}

// Accept acknowledges that a node took an instance.
type Accept struct {
	Instance InstanceKey
}

func (*Accept) Kind() Kind { return KindAccept }

// Busy tells the sender that a node refused an instance for lack of capacity.
type Busy struct {
	Instance InstanceKey
	Attempt  int32 // attempt being refused
}

func (*Busy) Kind() Kind { return KindBusy }

// Kill marks a seed as refused on the receiving node.
type Kill struct {
	Seed InstanceKey
}

func (*Kill) Kind() Kind { return KindKill }
