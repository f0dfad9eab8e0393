package contracts

// RetryState tracks retries consumed by a batch (atomic) or by the function at
// the cursor (non-atomic), and when the next attempt becomes eligible.
type RetryState struct {
	Attempts     int   `json:"attempts"`
	NextEligible Bound `json:"next_eligible"`
}

// PendingConfirmation is the external confirmation a parked non-atomic batch
// waits for.
type PendingConfirmation struct {
	FunctionIndex int    `json:"function_index"`
	Sender        string `json:"sender"`
	Payload       []byte `json:"payload,omitempty"`
}

// MessageBatch is the unit of queueing: the messages of one accepted request
// together with a snapshot of the subroutine that governs them.
type MessageBatch struct {
	ID             uint64      `json:"id"`
	Label          string      `json:"label"`
	Messages       []Message   `json:"messages"`
	Subroutine     Subroutine  `json:"subroutine"`
	Priority       Priority    `json:"priority"`
	ExpirationTime Bound       `json:"expiration_time"`
	Retry          *RetryState `json:"retry,omitempty"`

	// Non-atomic only.
	Cursor  int                  `json:"cursor,omitempty"`
	Pending *PendingConfirmation `json:"pending,omitempty"`
}

// Domain returns the domain the batch executes on.
func (b MessageBatch) Domain() string { return b.Subroutine.Domain() }

// ExecutedCount is the number of functions whose effects are committed.
func (b MessageBatch) ExecutedCount() int {
	if b.Subroutine.Kind == Atomic {
		return 0
	}
	return b.Cursor
}

// Clone deep-copies the batch so that queue owners never share mutable state.
func (b MessageBatch) Clone() MessageBatch {
	out := b
	out.Messages = CloneMessages(b.Messages)
	out.Subroutine = b.Subroutine.Clone()
	if b.Retry != nil {
		r := *b.Retry
		out.Retry = &r
	}
	if b.Pending != nil {
		p := *b.Pending
		p.Payload = append([]byte(nil), b.Pending.Payload...)
		out.Pending = &p
	}
	return out
}
