package delivery

// State is the processor's position in its drain cycle.
type State int

const (
	// Idle means no drain is running.
	Idle State = iota
	// Draining means a pass over the queue is in progress.
	Draining
	// Backoff means the head message failed and the processor is waiting
	// before retrying it.
	Backoff
	// Exhausted means the head message used up its retries and is being
	// handed to the user.
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Backoff:
		return "backoff"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of the processor.
type Status struct {
	State       State  `json:"state"`
	Attempt     int    `json:"attempt,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Online      bool   `json:"online"`
	QueueLength int    `json:"queueLength"`
}
