package job

// State is a job's position in the lifecycle. Kill is deliberately not
// a member of this type: "kill" is only ever a directory name holding
// empty marker files, never a value a job record transitions through.
// See killDirName and Paths.KillDir.
type State int

const (
	StateUnknown State = iota
	StateHold
	StatePend
	StateRun
	StateTied
	StateDone
)

const killDirName = "kill"

var stateDirNames = map[State]string{
	StateHold: "hold",
	StatePend: "pend",
	StateRun:  "run",
	StateTied: "tied",
	StateDone: "done",
}

var dirNameStates = func() map[string]State {
	m := make(map[string]State, len(stateDirNames))
	for s, n := range stateDirNames {
		m[n] = s
	}
	return m
}()

func (s State) dirName() string {
	if n, ok := stateDirNames[s]; ok {
		return n
	}
	return "unk"
}

func (s State) String() string { return s.dirName() }

// StateFromDirName maps a state directory name back to a State. The
// "kill" directory never maps to a valid State — it holds markers, not
// job files, and scanning it must never be confused with scanning a
// lifecycle state directory.
func StateFromDirName(name string) (State, bool) {
	if name == killDirName {
		return StateUnknown, false
	}
	s, ok := dirNameStates[name]
	return s, ok
}

// StateDirs lists the lifecycle state directories a queue contains,
// in the order they are scanned for work (hold is last: scheduler
// activities don't drive held jobs forward on their own).
func StateDirs() []State {
	return []State{StatePend, StateRun, StateTied, StateDone, StateHold}
}
