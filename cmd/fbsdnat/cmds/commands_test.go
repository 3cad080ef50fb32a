package cmds

import (
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/fbsdnat/pkg/config"
)

func TestCommandTree(t *testing.T) {
	root := New()
	for _, name := range []string{"attach", "exec", "version", "log"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, cmd.Name())
	}
	for _, flag := range []string{"log", "log-output", "log-dest", "metrics-listen", "show-debug-regs", "legacy-setstep", "async", "catch-syscall"} {
		require.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
	exec, _, _ := root.Find([]string{"exec"})
	for _, flag := range []string{"tty", "wd", "disable-aslr"} {
		require.NotNil(t, exec.Flags().Lookup(flag), flag)
	}
}

func TestTargetFlags(t *testing.T) {
	defer func() {
		metricsListen, catchSyscalls, legacySetStep = "", nil, false
	}()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addTargetFlags(fs)
	require.NoError(t, fs.Parse([]string{"--catch-syscall=4,5", "--legacy-setstep", "--metrics-listen", "127.0.0.1:9000"}))
	require.Equal(t, []int{4, 5}, catchSyscalls)
	require.True(t, legacySetStep)
	require.Equal(t, "127.0.0.1:9000", metricsListen)
}

func TestApplyFlags(t *testing.T) {
	defer func() {
		showDebugRegs, legacySetStep, disableASLR, asyncMode, catchSyscalls = false, false, false, false, nil
	}()

	c := &config.Config{CatchSyscalls: []int{1}}
	applyFlags(c)
	require.Equal(t, config.Config{CatchSyscalls: []int{1}}, *c)

	showDebugRegs, legacySetStep, disableASLR, asyncMode, catchSyscalls = true, true, true, true, []int{4, 5}
	applyFlags(c)
	require.True(t, c.Async)
	require.True(t, c.ShowDebugRegs)
	require.True(t, c.LegacySetStep)
	require.True(t, c.DisableASLR)
	require.Equal(t, []int{4, 5}, c.CatchSyscalls)

	opts := targetOptions(c)
	require.True(t, opts.LegacySetStep)
	require.True(t, opts.ShowDebugRegs)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "fbsdnat_test_total", Help: "test"}).Inc()

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "fbsdnat_test_total 1")
}

func TestNewPty(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "freebsd" {
		t.Skip("pseudo terminals not tested on " + runtime.GOOS)
	}
	p, err := newPty(io.Discard)
	if err != nil {
		t.Skipf("no pseudo terminal available: %v", err)
	}
	require.True(t, strings.HasPrefix(p.Name(), "/dev/"))
	require.NoError(t, p.Close())
}
