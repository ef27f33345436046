package state

import (
	"sync"

	"github.com/google/uuid"
)

// holders tracks the locks taken by this process. Every coordinator in the
// process shares the PID written to a lock file or row, so in-process
// exclusivity is decided here.
type holders struct {
	mu     sync.Mutex
	tokens map[string]string // lock identity -> token of the current holder
}

var inProcess = &holders{tokens: make(map[string]string)}

// acquire returns a fresh token for id, or false when another holder in this
// process has it.
func (h *holders) acquire(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, held := h.tokens[id]; held {
		return "", false
	}
	token := uuid.NewString()
	h.tokens[id] = token
	return token, true
}

// release drops id only if token still owns it.
func (h *holders) release(id, token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tokens[id] == token {
		delete(h.tokens, id)
	}
}
