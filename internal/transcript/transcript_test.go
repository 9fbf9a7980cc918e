package transcript

import (
	"testing"

	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
)

func TestFirstTurnSequence(t *testing.T) {
	tr := New()
	tr.PrepareSystem("be the game master")
	tr.AppendUser("START")

	msgs := tr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != chat.RoleSystem || msgs[1].Role != chat.RoleUser {
		t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}

	tr.MarkSystemSent()
	tr.AppendAssistant(`{"sceneDescr": "..."}`)
	if tr.Len() != 3 {
		t.Errorf("len after first reply = %d, want 3", tr.Len())
	}
}

func TestPrepareSystemRebuildsUntilCommitted(t *testing.T) {
	tr := New()
	tr.PrepareSystem("prompt v1")
	tr.AppendUser("1")

	// First call failed, so the system prompt was never committed. The next
	// call rebuilds the opening message and the stale user turn is dropped.
	tr.PrepareSystem("prompt v2")
	msgs := tr.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
	if msgs[0].Content != "prompt v2" {
		t.Errorf("system content = %q, want prompt v2", msgs[0].Content)
	}

	tr.MarkSystemSent()
	tr.PrepareSystem("prompt v3")
	if got := tr.Messages()[0].Content; got != "prompt v2" {
		t.Errorf("committed prompt replaced: %q", got)
	}
}

func TestResetRearmsSystem(t *testing.T) {
	tr := New()
	tr.PrepareSystem("prompt")
	tr.AppendUser("1")
	tr.MarkSystemSent()
	tr.AppendAssistant("reply")

	tr.Reset()
	if tr.Len() != 0 {
		t.Errorf("len after reset = %d, want 0", tr.Len())
	}
	if tr.SystemSent() {
		t.Error("reset must re-arm system prompt injection")
	}

	tr.PrepareSystem("fresh prompt")
	if got := tr.Messages()[0].Content; got != "fresh prompt" {
		t.Errorf("content = %q", got)
	}
}

func TestMessagesSnapshotIsolation(t *testing.T) {
	tr := New()
	tr.PrepareSystem("prompt")
	snap := tr.Messages()
	snap[0].Content = "mutated"
	if tr.Messages()[0].Content != "prompt" {
		t.Error("snapshot mutation leaked into the transcript")
	}
}
