package engine

import (
	"sync"

	"github.com/stayflow/concierge/internal/concierge/intent"
)

// historyDepth is how many prior turns are kept per conversation, counting
// guest and assistant messages separately.
const historyDepth = 10

// History is a bounded in-memory transcript per conversation. It feeds the
// classifier's context window and the handoff summary; it is a cache, not a
// record, and starts empty after a restart.
type History struct {
	mu    sync.Mutex
	turns map[string][]intent.HistoryMessage
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{turns: map[string][]intent.HistoryMessage{}}
}

// Recent returns a copy of the conversation's remembered turns, oldest first.
func (h *History) Recent(conversationID string) []intent.HistoryMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := h.turns[conversationID]
	out := make([]intent.HistoryMessage, len(turns))
	copy(out, turns)
	return out
}

// Append records one turn, evicting the oldest beyond the depth limit.
func (h *History) Append(conversationID, role, content string) {
	if content == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := append(h.turns[conversationID], intent.HistoryMessage{Role: role, Content: content})
	if len(turns) > historyDepth {
		turns = turns[len(turns)-historyDepth:]
	}
	h.turns[conversationID] = turns
}

// Drop forgets a conversation, freeing its memory after handoff.
func (h *History) Drop(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.turns, conversationID)
}
