package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	breakCmds
	runCmds
	dataCmds
	threadCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Running the program", runCmds},
	{"Manipulating hardware breakpoints and watchpoints", breakCmds},
	{"Viewing memory and debug registers", dataCmds},
	{"Listing and switching between threads and processes", threadCmds},
	{"Other commands", otherCmds},
}
