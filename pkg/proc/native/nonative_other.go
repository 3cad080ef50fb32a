//go:build !freebsd

package native

import "errors"

// ErrNativeBackendDisabled is returned by HostTracer on systems other
// than FreeBSD.
var ErrNativeBackendDisabled = errors.New("native backend only available on FreeBSD")

// HostTracer returns ErrNativeBackendDisabled.
func HostTracer() (Tracer, error) {
	return nil, ErrNativeBackendDisabled
}

// DetectKernelOptions does nothing.
func DetectKernelOptions(opts *Options) {}
