package save

// State is the persistence state of a view. Exactly one value holds at a
// time, so overlapping saves cannot be represented.
type State int

const (
	// Idle means no timer is armed and no commit is running.
	Idle State = iota
	// Scheduled means an autosave timer is armed.
	Scheduled
	// Saving means a commit cycle is in flight.
	Saving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Saving:
		return "saving"
	default:
		return "unknown"
	}
}

// Trigger records what started a commit cycle.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerAutosave Trigger = "autosave"
)
