package native

import sys "golang.org/x/sys/unix"

func (pt *ptraceTracer) GetPC(lwp int) (uint64, error) {
	var regs sys.Reg
	var err error
	pt.execPtraceFunc(func() { err = sys.PtraceGetRegs(lwp, &regs) })
	return regs.Elr, err
}

func (pt *ptraceTracer) SetPC(lwp int, pc uint64) error {
	var regs sys.Reg
	var err error
	pt.execPtraceFunc(func() {
		if err = sys.PtraceGetRegs(lwp, &regs); err != nil {
			return
		}
		regs.Elr = pc
		err = sys.PtraceSetRegs(lwp, &regs)
	})
	return err
}
