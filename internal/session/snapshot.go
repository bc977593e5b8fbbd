package session

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	// Version increases with every state change.
	Version    uint64
	UserID     string
	Transcript []Message
	// Draft is the partial reply of the turn in flight.
	Draft    string
	State    State
	ThreadID string
	JobID    string
	// Thinking is true while a turn is in flight and no text has arrived.
	Thinking bool
}

// Busy reports whether a turn is in flight, i.e. input should be disabled.
func (s Snapshot) Busy() bool {
	return s.State == StateSubmitting || s.State == StateStreaming
}

// Last returns the last transcript entry, if any.
func (s Snapshot) Last() (Message, bool) {
	if len(s.Transcript) == 0 {
		return Message{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}
