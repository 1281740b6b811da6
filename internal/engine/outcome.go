package engine

// outcome is the control decision one launch attempt hands back to the state
// machine loop in Launch.Run.
type outcome int

const (
	// outcomeDone means every byte was fetched; the task can be completed.
	outcomeDone outcome = iota
	// outcomeReconnect repeats the first connect with the same profile.
	outcomeReconnect
	// outcomeRestart re-probes from scratch after resume state was wiped.
	outcomeRestart
	// outcomeDiscard stops the task silently; whatever had to be reported was reported.
	outcomeDiscard
	outcomePaused
	outcomeFail
)

func (o outcome) String() string {
	switch o {
	case outcomeDone:
		return "done"
	case outcomeReconnect:
		return "reconnect"
	case outcomeRestart:
		return "restart"
	case outcomeDiscard:
		return "discard"
	case outcomePaused:
		return "paused"
	case outcomeFail:
		return "fail"
	}
	return "unknown"
}

type step struct {
	kind outcome
	err  error
}
