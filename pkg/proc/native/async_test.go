package native

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/proc"
)

func ready(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestAsyncNotifier(t *testing.T) {
	n := newAsyncNotifier()
	defer n.Close()

	require.False(t, ready(n.C()))
	n.Mark()
	n.Mark()
	require.True(t, ready(n.C()))
	require.False(t, ready(n.C()))

	n.Mark()
	n.Flush()
	require.False(t, ready(n.C()))
	n.Flush()
}

func TestAsyncNotifierSIGCHLD(t *testing.T) {
	n := newAsyncNotifier()
	defer n.Close()

	require.NoError(t, sys.Kill(os.Getpid(), sys.SIGCHLD))
	select {
	case <-n.C():
	case <-time.After(5 * time.Second):
		t.Fatal("SIGCHLD did not mark the notifier")
	}
}

func TestAsyncNotifierDoubleClose(t *testing.T) {
	n := newAsyncNotifier()
	n.Close()
	n.Close()
}

func TestSetAsyncWithPendingEvent(t *testing.T) {
	ft := newFakeTracer()
	tgt := attachTarget(t, ft, testOptions(), nil, 100, 101, 102)
	defer tgt.Close()

	ft.queueStop(100, 102, sys.SIGUSR1, _PL_FLAG_SI)
	ft.queueTrap(100, 101, _TRAP_TRACE, 0)
	require.NoError(t, tgt.Resume(proc.LwpPtid(100, 101), true, 0))
	_, _, err := tgt.Wait(proc.MinusOnePtid, WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, tgt.PendingEvents())

	ch := tgt.SetAsync(true)
	require.NotNil(t, ch)
	require.True(t, ready(ch))
	require.Equal(t, ch, tgt.SetAsync(true))

	require.NoError(t, tgt.Resume(proc.MinusOnePtid, false, 0))
	wptid, ws, err := tgt.Wait(proc.MinusOnePtid, WaitOptions{NoHang: true})
	require.NoError(t, err)
	require.Equal(t, proc.LwpPtid(100, 102), wptid)
	require.Equal(t, proc.Stopped(sys.SIGUSR1), ws)
	require.False(t, ready(ch))

	require.Nil(t, tgt.SetAsync(false))
}
