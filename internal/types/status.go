package types

// Status is the lifecycle state of a download task.
type Status int8

const (
	StatusPending Status = iota + 1
	StatusStarted
	StatusConnected
	StatusProgress
	StatusRetry
	StatusCompleted
	StatusPaused
	StatusError
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusStarted:   "started",
	StatusConnected: "connected",
	StatusProgress:  "progress",
	StatusRetry:     "retry",
	StatusCompleted: "completed",
	StatusPaused:    "paused",
	StatusError:     "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus is the inverse of String. Unknown names yield 0.
func ParseStatus(name string) Status {
	for s, n := range statusNames {
		if n == name {
			return s
		}
	}
	return 0
}

// IsTerminal reports whether no further transition happens without a new start.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusPaused || s == StatusError
}

// legal transitions; a terminal status only leaves through a new start (pending)
var transitions = map[Status][]Status{
	0:               {StatusPending},
	StatusPending:   {StatusStarted, StatusPaused, StatusError, StatusCompleted},
	StatusStarted:   {StatusConnected, StatusRetry, StatusPaused, StatusError, StatusCompleted},
	StatusConnected: {StatusConnected, StatusProgress, StatusRetry, StatusCompleted, StatusPaused, StatusError},
	StatusProgress:  {StatusProgress, StatusConnected, StatusRetry, StatusCompleted, StatusPaused, StatusError},
	StatusRetry:     {StatusRetry, StatusConnected, StatusProgress, StatusCompleted, StatusPaused, StatusError},
	StatusCompleted: {StatusPending},
	StatusPaused:    {StatusPending},
	StatusError:     {StatusPending},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
