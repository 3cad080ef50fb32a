package proc

// Thread is an entry of the thread list.
type Thread struct {
	Ptid Ptid
	// PendingFollow holds a fork event reported for this thread that has
	// not been followed yet.
	PendingFollow *WaitStatus
}

// Inferior is a process known to the debugger.
type Inferior struct {
	Pid      int
	ExecPath string
	// Attached is true if the process was attached to rather than started.
	Attached bool
}

// Registry is the thread and inferior list consumed by the native
// backend.
type Registry interface {
	AddThread(ptid Ptid) *Thread
	DeleteThread(ptid Ptid)
	FindThread(ptid Ptid) *Thread
	InThreadList(ptid Ptid) bool
	// ThreadChangePtid renames a thread, used when the first stop of a
	// process reveals the LWP id of its initial thread.
	ThreadChangePtid(old, new Ptid)
	// NonExitedThreads returns the threads matching filter in the order
	// they were added.
	NonExitedThreads(filter Ptid) []*Thread

	AddInferior(pid int) *Inferior
	FindInferior(pid int) *Inferior
	NonExitedInferiors() []*Inferior
	// RemoveInferior removes the inferior and all its threads.
	RemoveInferior(pid int)

	// Current returns the thread in focus.
	Current() Ptid
	SwitchTo(ptid Ptid)
}

// ThreadList is an in-memory Registry.
type ThreadList struct {
	threads   []*Thread
	inferiors []*Inferior
	current   Ptid
}

// NewThreadList returns an empty ThreadList.
func NewThreadList() *ThreadList {
	return &ThreadList{}
}

func (tl *ThreadList) AddThread(ptid Ptid) *Thread {
	if th := tl.FindThread(ptid); th != nil {
		return th
	}
	th := &Thread{Ptid: ptid}
	tl.threads = append(tl.threads, th)
	return th
}

// DeleteThread removes ptid. If ptid was the current thread another thread
// of the same process, or of any process, becomes current.
func (tl *ThreadList) DeleteThread(ptid Ptid) {
	for i, th := range tl.threads {
		if th.Ptid == ptid {
			tl.threads = append(tl.threads[:i], tl.threads[i+1:]...)
			break
		}
	}
	if tl.current != ptid {
		return
	}
	tl.current = NullPtid
	for _, th := range tl.threads {
		if th.Ptid.Pid == ptid.Pid {
			tl.current = th.Ptid
			return
		}
	}
	if len(tl.threads) > 0 {
		tl.current = tl.threads[0].Ptid
	}
}

func (tl *ThreadList) FindThread(ptid Ptid) *Thread {
	for _, th := range tl.threads {
		if th.Ptid == ptid {
			return th
		}
	}
	return nil
}

func (tl *ThreadList) InThreadList(ptid Ptid) bool {
	return tl.FindThread(ptid) != nil
}

func (tl *ThreadList) ThreadChangePtid(old, new Ptid) {
	th := tl.FindThread(old)
	if th == nil {
		return
	}
	th.Ptid = new
	if tl.current == old {
		tl.current = new
	}
}

func (tl *ThreadList) NonExitedThreads(filter Ptid) []*Thread {
	var r []*Thread
	for _, th := range tl.threads {
		if th.Ptid.Matches(filter) {
			r = append(r, th)
		}
	}
	return r
}

func (tl *ThreadList) AddInferior(pid int) *Inferior {
	if inf := tl.FindInferior(pid); inf != nil {
		return inf
	}
	inf := &Inferior{Pid: pid}
	tl.inferiors = append(tl.inferiors, inf)
	return inf
}

func (tl *ThreadList) FindInferior(pid int) *Inferior {
	for _, inf := range tl.inferiors {
		if inf.Pid == pid {
			return inf
		}
	}
	return nil
}

func (tl *ThreadList) NonExitedInferiors() []*Inferior {
	r := make([]*Inferior, len(tl.inferiors))
	copy(r, tl.inferiors)
	return r
}

func (tl *ThreadList) RemoveInferior(pid int) {
	for i, inf := range tl.inferiors {
		if inf.Pid == pid {
			tl.inferiors = append(tl.inferiors[:i], tl.inferiors[i+1:]...)
			break
		}
	}
	threads := tl.threads[:0]
	for _, th := range tl.threads {
		if th.Ptid.Pid != pid {
			threads = append(threads, th)
		}
	}
	tl.threads = threads
	if tl.current.Pid == pid {
		tl.current = NullPtid
		if len(tl.threads) > 0 {
			tl.current = tl.threads[0].Ptid
		}
	}
}

func (tl *ThreadList) Current() Ptid {
	return tl.current
}

func (tl *ThreadList) SwitchTo(ptid Ptid) {
	tl.current = ptid
}
