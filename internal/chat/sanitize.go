package chat

// Sanitize projects a session log into the form the model provider will
// accept. The input is never modified and the relative order of surviving
// messages is preserved.
//
// Two kinds of entries are excluded from the projection:
//
//   - tool messages whose ToolCallID does not match a call issued by the
//     immediately preceding assistant message (orphans, typically left
//     behind by a crash or cancellation mid-dispatch), and
//   - assistant messages whose tool calls are not yet fully answered by
//     the directly following tool messages. These are held back together
//     with their partial responses; they reappear once every call has a
//     response appended to the log.
//
// The projection is idempotent: Sanitize(Sanitize(log)) equals
// Sanitize(log) element for element.
func Sanitize(log []Message) []Message {
	out := make([]Message, 0, len(log))

	for i := 0; i < len(log); i++ {
		msg := log[i]

		switch {
		case msg.HasToolCalls():
			// Collect the run of tool messages that follows.
			j := i + 1
			for j < len(log) && log[j].Role == RoleTool {
				j++
			}
			run := log[i+1 : j]

			ids := msg.callIDs()
			answered := make(map[string]bool, len(ids))
			for _, tm := range run {
				if ids[tm.ToolCallID] {
					answered[tm.ToolCallID] = true
				}
			}

			if len(answered) == len(ids) {
				out = append(out, msg)
				// Keep exactly one response per call id, drop orphans
				// and duplicates inside the run.
				seen := make(map[string]bool, len(ids))
				for _, tm := range run {
					if ids[tm.ToolCallID] && !seen[tm.ToolCallID] {
						seen[tm.ToolCallID] = true
						out = append(out, tm)
					}
				}
			}
			// Incomplete chains are held back wholesale: emitting the
			// assistant message without all responses, or a response
			// without its assistant message, would violate the pairing
			// rule downstream.
			i = j - 1

		case msg.Role == RoleTool:
			// A tool message not directly behind an assistant call run
			// is an orphan.

		default:
			out = append(out, msg)
		}
	}

	return out
}
