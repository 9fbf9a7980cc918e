// Package transcript holds the conversation history for one narrative run.
//
// The whole transcript is resent on every model call, so the store is
// append-only: a system message opens the conversation, then user and
// assistant messages alternate. A restart wipes the history and re-arms
// system-prompt injection for the next call.
package transcript

import (
	"sync"

	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
)

// Transcript is safe for concurrent use.
type Transcript struct {
	mu         sync.Mutex
	msgs       []chat.Message
	systemSent bool
}

// New returns an empty transcript.
func New() *Transcript {
	return &Transcript{}
}

// Reset drops all history and re-arms system-prompt injection.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = t.msgs[:0]
	t.systemSent = false
}

// PrepareSystem installs the system prompt as the sole message unless a
// previous call already committed one. Call before appending the user turn.
func (t *Transcript) PrepareSystem(prompt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.systemSent {
		return
	}
	t.msgs = t.msgs[:0]
	t.msgs = append(t.msgs, chat.Message{Role: chat.RoleSystem, Content: prompt})
}

// AppendUser adds a user message.
func (t *Transcript) AppendUser(content string) {
	t.append(chat.Message{Role: chat.RoleUser, Content: content})
}

// AppendAssistant adds an assistant message.
func (t *Transcript) AppendAssistant(content string) {
	t.append(chat.Message{Role: chat.RoleAssistant, Content: content})
}

func (t *Transcript) append(msg chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, msg)
}

// MarkSystemSent records that the model has accepted the current system
// prompt. Until then every call rebuilds the opening message, so a failed
// first request does not pin a stale prompt.
func (t *Transcript) MarkSystemSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.systemSent = true
}

// SystemSent reports whether the system prompt has been committed.
func (t *Transcript) SystemSent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.systemSent
}

// Messages returns a snapshot of the history in order.
func (t *Transcript) Messages() []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chat.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len reports the number of stored messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}
