//go:build freebsd && !amd64 && !arm64

package native

import "errors"

var errPCUnsupported = errors.New("program counter access not implemented for this architecture")

func (pt *ptraceTracer) GetPC(lwp int) (uint64, error) {
	return 0, errPCUnsupported
}

func (pt *ptraceTracer) SetPC(lwp int, pc uint64) error {
	return errPCUnsupported
}
