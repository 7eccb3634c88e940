package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tom-mart/chatbot-base/internal/logging"
)

func init() {
	logging.Disable()
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionRoundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	temp := 0.3
	topK := 40
	sess := &Session{
		Title:        "Math help",
		Model:        "qwen3",
		SystemPrompt: "You are helpful.",
		Temperature:  &temp,
		TopK:         &topK,
		ToolsEnabled: []string{"calculator"},
	}
	require.NoError(t, store.CreateSession(ctx, sess))
	require.NotEmpty(t, sess.ID)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Math help", got.Title)
	assert.Equal(t, "qwen3", got.Model)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.3, *got.Temperature)
	require.NotNil(t, got.TopK)
	assert.Equal(t, 40, *got.TopK)
	assert.Nil(t, got.TopP, "unset parameters stay unset")
	assert.Equal(t, []string{"calculator"}, got.ToolsEnabled)
}

func TestGetSessionNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := &Session{Title: "a", Model: "m"}
	b := &Session{Title: "b", Model: "m"}
	require.NoError(t, store.CreateSession(ctx, a))
	require.NoError(t, store.CreateSession(ctx, b))

	// Touch a by adding a message; it should float to the top.
	require.NoError(t, store.AddMessage(ctx, &Message{SessionID: a.ID, Role: "user", Content: "hi"}))

	got, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestMessagesAndWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess := &Session{Model: "m"}
	require.NoError(t, store.CreateSession(ctx, sess))

	for _, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, store.AddMessage(ctx, &Message{
			SessionID: sess.ID,
			Role:      "user",
			Content:   content,
		}))
	}

	all, err := store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "one", all[0].Content)
	assert.Equal(t, "four", all[3].Content)

	recent, err := store.RecentMessages(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].Content, "window keeps the newest, oldest first")
	assert.Equal(t, "four", recent[1].Content)
}

func TestDeleteSessionCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess := &Session{Model: "m"}
	require.NoError(t, store.CreateSession(ctx, sess))

	msg := &Message{SessionID: sess.ID, Role: "assistant", Content: "84"}
	require.NoError(t, store.AddMessage(ctx, msg))
	require.NoError(t, store.SaveSteps(ctx, sess.ID, msg.ID, []StepRecord{
		{StepNumber: 1, Action: "calculator", ActionInput: `"12 * 7"`, Observation: "84"},
	}))

	require.NoError(t, store.DeleteSession(ctx, sess.ID))

	_, err := store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	steps, err := store.GetSteps(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	assert.ErrorIs(t, store.DeleteSession(ctx, sess.ID), ErrNotFound)
}

func TestSaveAndGetSteps(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess := &Session{Model: "m"}
	require.NoError(t, store.CreateSession(ctx, sess))
	msg := &Message{SessionID: sess.ID, Role: "assistant", Content: "done"}
	require.NoError(t, store.AddMessage(ctx, msg))

	require.NoError(t, store.SaveSteps(ctx, sess.ID, msg.ID, []StepRecord{
		{StepNumber: 1, Thought: "use the tool", Action: "calculator", ActionInput: `"2+2"`, Observation: "4"},
		{StepNumber: 2, Thought: "I know the answer"},
	}))

	steps, err := store.GetSteps(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].StepNumber)
	assert.Equal(t, "calculator", steps[0].Action)
	assert.Equal(t, "4", steps[0].Observation)
	assert.Equal(t, "I know the answer", steps[1].Thought)
}
