package worker

import (
	"context"
)

// Task is one unit of work run by the pool.
type Task struct {
	Name string                          // used in logs and failure hooks
	Run  func(ctx context.Context) error // ctx is cancelled when shutdown gives up waiting
}

// Hooks observe task failures. Both fields are optional.
type Hooks struct {
	OnError func(name string, err error)
	OnPanic func(name string, recovered any)
}
