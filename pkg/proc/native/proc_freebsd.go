package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/logflags"
)

// Kernel versions (kern.osreldate) introducing the features used by the
// dispatcher.
const (
	osreldateVforkEvents  = 1200033
	osreldateLwpContinue  = 1200052
	osreldateUnknownValue = 0
)

// HostTracer returns the Tracer of the running kernel.
func HostTracer() (Tracer, error) {
	return NewPtraceTracer(), nil
}

// DetectKernelOptions sets the options that depend on the version of the
// running kernel.
func DetectKernelOptions(opts *Options) {
	rel, err := sys.SysctlUint32("kern.osreldate")
	if err != nil || rel == osreldateUnknownValue {
		logflags.WriteWarning("could not read kern.osreldate: %v", err)
		return
	}
	if rel < osreldateVforkEvents {
		opts.NoVforkEvents = true
	}
	if rel < osreldateLwpContinue {
		opts.LegacySetStep = true
	}
}
