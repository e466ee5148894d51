// Package task defines the capability record through which users extend
// the crawler: a struct of function values supplied once at startup,
// instead of the subclassing the original implementation relied on (see
// DESIGN.md's "inheritance-heavy user extension" decision).
package task

import (
	"golang.org/x/net/html"
)

// RuntimeContext is the shared, cross-worker-process state described in
// spec.md §3: the adaptive controller's current budget, the terminate
// flag, and the in-flight job count. The Adaptive Controller writes
// Budget; workers update WorkingCnt around each fetch and set Terminate
// on a fatal store error, as the Scheduler does on shutdown.
type RuntimeContext struct {
	Budget     *AtomicFloat
	Terminate  *AtomicBool
	WorkingCnt *AtomicInt
}

// NewRuntimeContext builds a RuntimeContext seeded at threadNum.
func NewRuntimeContext(threadNum int) *RuntimeContext {
	rc := &RuntimeContext{
		Budget:     NewAtomicFloat(float64(threadNum)),
		Terminate:  NewAtomicBool(false),
		WorkingCnt: NewAtomicInt(0),
	}
	return rc
}

// Capabilities is the user-supplied extension point. Every field is
// optional except Prepare and Parse; nil optional hooks fall back to
// framework defaults described alongside each field.
type Capabilities struct {
	// Prepare seeds the crawl. It returns the list of seed URLs
	// (relative to BaseURL) to push onto the Work Queue.
	Prepare func(ctx *UserContext, rc *RuntimeContext, args map[string]string) ([]string, error)

	// Parse receives a fetched, parsed HTML document for a URL and may
	// call back into push and emit. A parser panic is
	// recovered by the Parse Dispatcher and counted as an error; the
	// URL is never reprocessed (it is already marked done).
	Parse func(rc *RuntimeContext, doc *html.Node, url string, push PushFunc, emit EmitFunc) error

	// CollectResults persists one parser-emitted record. Called
	// exactly once per record, always from the single Result Collector
	// goroutine, so implementations need no internal synchronization.
	CollectResults func(ctx *UserContext, record any) error

	// Monitor returns extra fields folded into each adaptive-controller
	// stats line (spec.md §4.8). May be nil.
	Monitor func() map[string]any

	// HandleError classifies a non-200 response into how many fetch
	// attempts it should consume (spec.md §4.4 step 2c). Returning 0
	// wastes no attempt; the default is 1.
	HandleError func(statusCode int) int
}

// PushFunc matches WorkQueue.Push's (url, retry, front) signature so
// user Parse hooks can enqueue discovered URLs without importing the
// queue package directly.
type PushFunc func(url string, retry int, front bool) error

// EmitFunc hands one result record to the Result Collector's channel.
type EmitFunc func(record any) error

// UserContext is the opaque state the single Result Collector goroutine
// owns exclusively; the framework never inspects it.
type UserContext struct {
	Data map[string]any
}

// NewUserContext returns an empty UserContext.
func NewUserContext() *UserContext {
	return &UserContext{Data: make(map[string]any)}
}

// DefaultHandleError implements the spec's default: any non-200 response
// consumes exactly one attempt.
func DefaultHandleError(statusCode int) int {
	return 1
}
