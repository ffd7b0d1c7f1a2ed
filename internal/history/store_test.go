package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, maxRows int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), maxRows)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "m1", "user", "hello"))
	require.NoError(t, s.Append(ctx, "m2", "assistant", "hi there"))

	messages, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	// Oldest first.
	assert.Equal(t, "m1", messages[0].MessageID)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "m2", messages[1].MessageID)
	assert.NotEmpty(t, messages[0].ID)
	assert.NotEqual(t, messages[0].ID, messages[1].ID)
}

func TestRecentLimit(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, fmt.Sprintf("m%d", i), "user", fmt.Sprintf("msg %d", i)))
	}

	messages, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	// The newest two, still oldest first.
	assert.Equal(t, "m3", messages[0].MessageID)
	assert.Equal(t, "m4", messages[1].MessageID)
}

func TestPruneBeyondMaxRows(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(ctx, fmt.Sprintf("m%d", i), "user", "x"))
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	messages, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "m7", messages[0].MessageID)
	assert.Equal(t, "m9", messages[2].MessageID)
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "history.db")
	s, err := Open(path, 10)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(context.Background(), "m1", "user", "hello"))
}

func TestEmptyStore(t *testing.T) {
	s := openTestStore(t, 10)

	messages, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, messages)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
