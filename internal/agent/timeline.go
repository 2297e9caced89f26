package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

// maxTimelineEntries bounds per-agent timeline retention; the oldest entries
// are dropped first.
const maxTimelineEntries = 5000

// timeline is the ordered sequence of enriched updates for one agent. It also
// owns message id minting: chunked agent message and thought entries share a
// stable message id until a turn boundary (tool_call or user_message_chunk)
// resets it, so downstream consumers can coalesce streamed chunks
// idempotently.
//
// timeline is not safe for concurrent use; the owning agent's lock guards it.
type timeline struct {
	entries          []api.TimelineUpdate
	currentMessageID string
}

// append records an update, stamping chunked entries with the current turn's
// message id and resetting it at turn boundaries.
func (t *timeline) append(update api.TimelineUpdate) api.TimelineUpdate {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}

	switch update.Type {
	case api.UpdateAgentMessageChunk, api.UpdateAgentThoughtChunk:
		if t.currentMessageID == "" {
			t.currentMessageID = uuid.New().String()
		}
		update.MessageID = t.currentMessageID

	case api.UpdateToolCall:
		t.currentMessageID = ""

	case api.UpdateUserMessageChunk:
		t.currentMessageID = ""
		if update.MessageID == "" {
			update.MessageID = uuid.New().String()
		}
	}

	t.entries = append(t.entries, update)
	if len(t.entries) > maxTimelineEntries {
		t.entries = t.entries[len(t.entries)-maxTimelineEntries:]
	}
	return update
}

// snapshot returns a copy of the timeline entries.
func (t *timeline) snapshot() []api.TimelineUpdate {
	out := make([]api.TimelineUpdate, len(t.entries))
	copy(out, t.entries)
	return out
}
