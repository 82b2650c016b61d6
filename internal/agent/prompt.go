package agent

import (
	"context"
	"fmt"
	"strings"

	"homepilot/internal/gateway"
)

const basePrompt = `You are homepilot, an assistant for a smart-home configuration host.

You can inspect entity states, call services, render templates, and read
configuration files under the managed root (%s). You never write files
directly: to change configuration, call propose_config_changes with the
full desired content of each file. The proposal is shown to the user as a
diff and only applied after they approve it; tell the user a proposal is
awaiting their approval rather than claiming the change is done.

Keep answers short. When a tool returns an error, explain it and adjust
instead of repeating the same call.`

// NewPromptBuilder returns the per-turn system prompt builder. Entity
// counts are appended when the gateway can report them.
func NewPromptBuilder(gw gateway.Gateway, root string) func(ctx context.Context) string {
	return func(ctx context.Context) string {
		var sb strings.Builder
		fmt.Fprintf(&sb, basePrompt, root)

		// A bare directory has no live host to count entities on; prompt
		// assembly never fails a turn.
		states, err := gw.States(ctx)
		if err != nil {
			return sb.String()
		}

		domains := make(map[string]int)
		for _, st := range states {
			if i := strings.IndexByte(st.EntityID, '.'); i > 0 {
				domains[st.EntityID[:i]]++
			}
		}
		fmt.Fprintf(&sb, "\n\nThe host currently reports %d entities", len(states))
		if n := domains["light"] + domains["switch"]; n > 0 {
			fmt.Fprintf(&sb, ", including %d lights and switches", n)
		}
		sb.WriteString(".")
		return sb.String()
	}
}
