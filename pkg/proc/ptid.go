package proc

import "fmt"

// Ptid identifies a process, a single LWP of a process, or a set of
// processes.
//
// A Ptid with a zero Lwp and Tid addresses every LWP of process Pid.
type Ptid struct {
	Pid int
	Lwp int
	Tid int64
}

var (
	// NullPtid addresses nothing.
	NullPtid = Ptid{}
	// MinusOnePtid addresses every LWP of every process.
	MinusOnePtid = Ptid{Pid: -1}
)

// PidPtid returns the Ptid addressing every LWP of pid.
func PidPtid(pid int) Ptid {
	return Ptid{Pid: pid}
}

// LwpPtid returns the Ptid of a single LWP.
func LwpPtid(pid, lwp int) Ptid {
	return Ptid{Pid: pid, Lwp: lwp}
}

// IsPid returns true if p addresses a whole process.
func (p Ptid) IsPid() bool {
	return p != NullPtid && p != MinusOnePtid && p.Lwp == 0 && p.Tid == 0
}

// LwpP returns true if p carries an LWP id.
func (p Ptid) LwpP() bool {
	return p.Lwp != 0
}

// Matches returns true if p is selected by filter.
func (p Ptid) Matches(filter Ptid) bool {
	switch {
	case filter == MinusOnePtid:
		return true
	case filter.IsPid():
		return p.Pid == filter.Pid
	default:
		return p == filter
	}
}

func (p Ptid) String() string {
	switch {
	case p == NullPtid:
		return "null"
	case p == MinusOnePtid:
		return "-1"
	case p.LwpP():
		return fmt.Sprintf("%d.%d", p.Pid, p.Lwp)
	default:
		return fmt.Sprintf("%d", p.Pid)
	}
}
