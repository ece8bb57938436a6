package definition

import "sync"

// Invoker spawns goroutines on behalf of a component so tests can wait for
// every spawned goroutine to finish on shutdown. Mirrors the teacher's
// Invoker/InvokerInstance (pkg/mcast/core/peer.go), but is instantiated per
// component instead of as a process-wide singleton, so each component's
// test harness can wait on exactly its own goroutines.
type Invoker interface {
	// Spawn runs f on a new goroutine tracked by this invoker.
	Spawn(f func())

	// Stop blocks until every goroutine spawned by this invoker returns.
	Stop()
}

// WaitGroupInvoker is the default Invoker, backed by a sync.WaitGroup.
type WaitGroupInvoker struct {
	group sync.WaitGroup
}

// NewInvoker returns a ready-to-use WaitGroupInvoker.
func NewInvoker() *WaitGroupInvoker {
	return &WaitGroupInvoker{}
}

func (w *WaitGroupInvoker) Spawn(f func()) {
	w.group.Add(1)
	go func() {
		defer w.group.Done()
		f()
	}()
}

func (w *WaitGroupInvoker) Stop() {
	w.group.Wait()
}
