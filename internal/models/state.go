package models

// TaskState represents the lifecycle state of an upload task.
type TaskState string

const (
	StateCreated      TaskState = "created"       // Handle returned, waiting for a global slot
	StateHashing      TaskState = "hashing"       // Computing the file fingerprint
	StateProbingDedup TaskState = "probing_dedup" // Asking the service for identical content
	StateListing      TaskState = "listing"       // Registering the task and fetching stored chunks
	StateUploading    TaskState = "uploading"     // Transferring chunks
	StatePaused       TaskState = "paused"        // Dispatch stopped by the caller
	StateMerging      TaskState = "merging"       // Asking the service to assemble the object
	StateCompleted    TaskState = "completed"     // Object available on the service
	StateFailed       TaskState = "failed"        // Stopped by an unrecoverable error
	StateCanceled     TaskState = "canceled"      // Stopped by the caller
)

// transitions lists every legal edge of the task state machine. Cancel is
// legal from any non-terminal state and is handled in CanTransition.
var transitions = map[TaskState][]TaskState{
	StateCreated:      {StateHashing},
	StateHashing:      {StateProbingDedup, StateFailed},
	StateProbingDedup: {StateCompleted, StateListing, StateFailed},
	StateListing:      {StateUploading, StateFailed},
	StateUploading:    {StateMerging, StatePaused, StateListing, StateFailed},
	StatePaused:       {StateListing},
	StateMerging:      {StateCompleted, StateListing, StateFailed},
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// CanTransition reports whether moving from s to next is legal.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateCanceled {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ChunkStatus is the transfer status of a single chunk.
type ChunkStatus string

const (
	ChunkPending  ChunkStatus = "pending"
	ChunkInFlight ChunkStatus = "in_flight"
	ChunkAcked    ChunkStatus = "acked"
	ChunkFailed   ChunkStatus = "failed"
)

// CanTransition reports whether a chunk may move from s to next within one
// dispatch round. Failed chunks re-enter InFlight on retry; Acked is final.
func (s ChunkStatus) CanTransition(next ChunkStatus) bool {
	switch s {
	case ChunkPending, ChunkFailed:
		return next == ChunkInFlight
	case ChunkInFlight:
		return next == ChunkAcked || next == ChunkFailed
	default:
		return false
	}
}
