package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/thinkaurelius/titan-kernel/internal/graph"
)

// Serializer encodes query payloads and results.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSONSerializer) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// ResultCollector receives decoded results.
type ResultCollector interface {
	Add(result any)
}

// ResultFunc adapts a function to ResultCollector.
type ResultFunc func(result any)

func (f ResultFunc) Add(result any) { f(result) }

// QueryType is a registered stored procedure. Implementations are normally
// built with Define, which fixes the input and result types.
type QueryType interface {
	Name() string
	DecodeInput(s Serializer, raw []byte) (any, error)
	DecodeResult(s Serializer, raw []byte) (any, error)
	Answer(ctx context.Context, tx graph.Transaction, anchor graph.Node, input any, results ResultCollector) error
}

// Procedure is the typed body of a stored procedure.
type Procedure[In, Out any] func(ctx context.Context, tx graph.Transaction, anchor graph.Node, in In, emit func(Out)) error

// Define builds a QueryType whose input decodes into In and whose results
// decode into Out.
func Define[In, Out any](name string, proc Procedure[In, Out]) QueryType {
	return &typedQuery[In, Out]{name: name, proc: proc}
}

type typedQuery[In, Out any] struct {
	name string
	proc Procedure[In, Out]
}

func (q *typedQuery[In, Out]) Name() string { return q.name }

func (q *typedQuery[In, Out]) DecodeInput(s Serializer, raw []byte) (any, error) {
	var in In
	if err := s.Decode(raw, &in); err != nil {
		return nil, fmt.Errorf("decode %s input: %w", q.name, err)
	}
	return in, nil
}

func (q *typedQuery[In, Out]) DecodeResult(s Serializer, raw []byte) (any, error) {
	var out Out
	if err := s.Decode(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", q.name, err)
	}
	return out, nil
}

func (q *typedQuery[In, Out]) Answer(ctx context.Context, tx graph.Transaction, anchor graph.Node, input any, results ResultCollector) error {
	in, ok := input.(In)
	if !ok {
		return fmt.Errorf("%s: input has type %T", q.name, input)
	}
	return q.proc(ctx, tx, anchor, in, func(out Out) { results.Add(out) })
}
