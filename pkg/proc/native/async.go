package native

import (
	"os"
	"os/signal"
	"sync"

	sys "golang.org/x/sys/unix"
)

// asyncNotifier tells an event loop that Wait may have something to
// report. It is marked by SIGCHLD and by the dispatcher itself.
type asyncNotifier struct {
	ch      chan struct{}
	sigch   chan os.Signal
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Once
}

func newAsyncNotifier() *asyncNotifier {
	n := &asyncNotifier{
		ch:    make(chan struct{}, 1),
		sigch: make(chan os.Signal, 1),
		done:  make(chan struct{}),
	}
	signal.Notify(n.sigch, sys.SIGCHLD)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-n.sigch:
				n.Mark()
			case <-n.done:
				return
			}
		}
	}()
	return n
}

// C returns the channel that receives a value when the notifier is
// marked.
func (n *asyncNotifier) C() <-chan struct{} {
	return n.ch
}

// Mark sets the notifier. Marking a set notifier does nothing.
func (n *asyncNotifier) Mark() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Flush clears the notifier.
func (n *asyncNotifier) Flush() {
	select {
	case <-n.ch:
	default:
	}
}

// Close stops listening for SIGCHLD.
func (n *asyncNotifier) Close() {
	n.closeMu.Do(func() {
		signal.Stop(n.sigch)
		close(n.done)
		n.wg.Wait()
	})
}

// SetAsync enables or disables async mode. In async mode the returned
// channel receives a value whenever Wait may return an event without
// blocking. Disabling returns nil.
func (t *Target) SetAsync(enable bool) <-chan struct{} {
	if !enable {
		if t.async != nil {
			t.async.Close()
			t.async = nil
		}
		return nil
	}
	if t.async == nil {
		t.async = newAsyncNotifier()
		// There may already be pending events.
		if len(t.pendingEvents) > 0 || len(t.pendingVforkDone) > 0 {
			t.async.Mark()
		}
	}
	return t.async.C()
}

// Close releases the resources of t and of its tracer.
func (t *Target) Close() {
	t.SetAsync(false)
	t.tracer.Close()
}
