package budget

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// msg builds a message of exactly n estimated tokens.
func msg(role canonical.Role, n int) canonical.Message {
	return canonical.Message{Role: role, Content: canonical.Text(strings.Repeat("x", n*4))}
}

func TestInputBudget(t *testing.T) {
	assert.Equal(t, 8000, InputBudget(0, 2000, 10000))
	assert.Equal(t, 5000, InputBudget(5000, 2000, 10000))
	assert.Equal(t, 7000, InputBudget(9000, 3000, 10000))
	assert.Equal(t, 10000, InputBudget(20000, 0, 10000))
}

func TestBuildContextWindow_DropsOldestToFit(t *testing.T) {
	history := []canonical.Message{
		msg(canonical.RoleUser, 1800),
		msg(canonical.RoleAssistant, 1800),
		msg(canonical.RoleUser, 1800),
		msg(canonical.RoleAssistant, 1800),
		msg(canonical.RoleUser, 1800),
	}
	require.Equal(t, 9000, canonical.CountMessages(history))

	out, err := BuildContextWindow("", history, 0, 2000, 10000)
	require.NoError(t, err)

	assert.Len(t, out, 4)
	assert.LessOrEqual(t, canonical.CountMessages(out), 8000)
	assert.Equal(t, history[1:], out)
	assert.Equal(t, canonical.RoleUser, out[len(out)-1].Role)
}

func TestBuildContextWindow_SystemFirstExactlyOnce(t *testing.T) {
	history := []canonical.Message{
		{Role: canonical.RoleSystem, Content: canonical.Text("be terse")},
		msg(canonical.RoleUser, 10),
		msg(canonical.RoleAssistant, 10),
		{Role: canonical.RoleSystem, Content: canonical.Text("use metric units")},
		msg(canonical.RoleUser, 10),
	}

	out, err := BuildContextWindow("you are a helper", history, 0, 100, 1000)
	require.NoError(t, err)

	require.Len(t, out, 4)
	assert.Equal(t, canonical.RoleSystem, out[0].Role)
	assert.Equal(t, "you are a helper\n\nbe terse\n\nuse metric units", out[0].Content.Text())
	for _, m := range out[1:] {
		assert.NotEqual(t, canonical.RoleSystem, m.Role)
	}
}

func TestBuildContextWindow_SystemReservedBeforeHistory(t *testing.T) {
	system := strings.Repeat("s", 400) // 100 tokens
	history := []canonical.Message{
		msg(canonical.RoleUser, 50),
		msg(canonical.RoleAssistant, 50),
		msg(canonical.RoleUser, 50),
	}

	out, err := BuildContextWindow(system, history, 0, 100, 310)
	require.NoError(t, err)

	// 210 input tokens: 100 system + two most recent turns.
	require.Len(t, out, 3)
	assert.Equal(t, canonical.RoleSystem, out[0].Role)
	assert.Equal(t, history[1:], out[1:])
}

func TestBuildContextWindow_DropsOrphanToolResult(t *testing.T) {
	history := []canonical.Message{
		msg(canonical.RoleUser, 10),
		{
			Role:      canonical.RoleAssistant,
			Content:   canonical.Text(strings.Repeat("a", 400)),
			ToolCalls: []canonical.ToolCall{{ID: "t1", Name: "f", Arguments: "{}"}},
		},
		{Role: canonical.RoleTool, Content: canonical.Blocks(canonical.ToolResultBlock("t1", "ok", false))},
		msg(canonical.RoleUser, 10),
	}

	out, err := BuildContextWindow("", history, 0, 0, 30)
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, canonical.RoleUser, out[0].Role)
}

func TestBuildContextWindow_Errors(t *testing.T) {
	_, err := BuildContextWindow(strings.Repeat("s", 4000), nil, 0, 100, 500)
	assert.True(t, errors.Is(err, canonical.ErrTokenBudgetExceeded))

	_, err = BuildContextWindow("", []canonical.Message{msg(canonical.RoleUser, 600)}, 0, 100, 500)
	var budgetErr *canonical.TokenBudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, 700, budgetErr.Required)
	assert.Equal(t, 500, budgetErr.Available)

	_, err = BuildContextWindow("", []canonical.Message{msg(canonical.RoleUser, 1)}, 0, 600, 500)
	assert.True(t, errors.Is(err, canonical.ErrTokenBudgetExceeded))
}

func TestBuildContextWindow_NeverExceedsContext(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	roles := []canonical.Role{canonical.RoleUser, canonical.RoleAssistant, canonical.RoleTool}

	for i := 0; i < 500; i++ {
		var history []canonical.Message
		for j := rng.Intn(12); j > 0; j-- {
			history = append(history, msg(roles[rng.Intn(len(roles))], rng.Intn(400)))
		}
		system := strings.Repeat("s", rng.Intn(800))
		contextTokens := 200 + rng.Intn(2000)
		maxOut := rng.Intn(contextTokens)
		maxIn := rng.Intn(3000)

		out, err := BuildContextWindow(system, history, maxIn, maxOut, contextTokens)
		if err != nil {
			assert.True(t, errors.Is(err, canonical.ErrTokenBudgetExceeded))
			continue
		}
		assert.LessOrEqual(t, canonical.CountMessages(out)+maxOut, contextTokens)
		if maxIn > 0 {
			assert.LessOrEqual(t, canonical.CountMessages(out), maxIn)
		}
		if system != "" {
			require.NotEmpty(t, out)
			assert.Equal(t, canonical.RoleSystem, out[0].Role)
		}
	}
}
