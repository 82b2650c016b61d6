package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"homepilot/internal/gateway"
)

func TestPromptBuilderLocalGateway(t *testing.T) {
	root := t.TempDir()
	gw, err := gateway.NewLocal(root, "", nil)
	require.NoError(t, err)

	prompt := NewPromptBuilder(gw, root)(context.Background())
	require.True(t, strings.Contains(prompt, root))
	require.True(t, strings.Contains(prompt, "propose_config_changes"))
	// No live host: the entity summary is omitted.
	require.False(t, strings.Contains(prompt, "entities"))
}
