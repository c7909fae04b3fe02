package ocbot

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestUserKeys_ChatAllowed(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	u := &UserKeys{ID: "u1"}
	assert.ErrorIs(t, u.chatAllowed(now, 5), ErrMissingKey)

	u.APIKey = "key"
	u.MessagesUsed = 5
	u.LastReset = "2026-03-01"
	assert.NoError(t, u.chatAllowed(now, 5))
	assert.Equal(t, 0, u.MessagesUsed)
	assert.Equal(t, "2026-03-02", u.LastReset)

	u.MessagesUsed = 5
	assert.ErrorIs(t, u.chatAllowed(now, 5), ErrDailyLimit)
	assert.ErrorIs(t, u.chatAllowed(now, 0), ErrDailyLimit)
}

func TestUserKeys_VoiceAllowed(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)

	u := &UserKeys{ID: "u1"}
	assert.ErrorIs(t, u.voiceAllowed(now, 5), ErrMissingKey)

	u.TTSKey = "key"
	u.VoiceUsedToday = 5
	u.VoiceLastReset = "2026-03-02"
	assert.ErrorIs(t, u.voiceAllowed(now, 5), ErrDailyLimit)

	assert.NoError(t, u.voiceAllowed(now.Add(time.Minute), 5))
	assert.Equal(t, 0, u.VoiceUsedToday)
	assert.Equal(t, "2026-03-03", u.VoiceLastReset)
	assert.False(t, u.resetDailyVoice(now.Add(time.Minute)))
}

func TestDailyResetDate(t *testing.T) {
	t.Parallel()
	est := time.FixedZone("EST", -5*60*60)
	assert.Equal(t, "2026-03-03", dailyResetDate(time.Date(2026, 3, 2, 22, 0, 0, 0, est)))
}

func TestEstimatedMessages(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 3, estimatedMessages(1500, 500))
	assert.Equal(t, 0, estimatedMessages(-10, 500))
	assert.Equal(t, 10, estimatedMessages(10, 0))
}

func TestUserKeys_Database(t *testing.T) {
	t.Parallel()
	gdb := setupTestDB(t)
	db := NewDatabase(gdb, nil, false)
	ctx := context.Background()

	keys, found, err := getUserKeys(ctx, gdb, "u1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "u1", keys.ID)

	keys.APIKey = "key"
	keys.QuotaTokens = 1000
	require.NoError(t, saveUserKeys(ctx, db, keys))

	keys, found, err = getUserKeys(ctx, gdb, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "key", keys.APIKey)
	assert.Equal(t, 1000, keys.QuotaTokens)
	assert.NotZero(t, keys.CreatedAt)

	deleted, err := deleteUserKeys(ctx, db, "u1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = deleteUserKeys(ctx, db, "u1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemory(t *testing.T) {
	t.Parallel()
	gdb := setupTestDB(t)
	db := NewDatabase(gdb, nil, false)
	ctx := context.Background()

	require.NoError(t, appendMemory(ctx, db))

	for i := 0; i < 5; i++ {
		require.NoError(
			t,
			appendMemory(
				ctx,
				db,
				&MemoryEntry{UserID: "u1", Role: memoryRoleUser, Content: fmt.Sprintf("q%d", i)},
				&MemoryEntry{UserID: "u1", Role: memoryRoleAssistant, Content: fmt.Sprintf("a%d", i)},
			),
		)
	}

	entries, err := recentMemory(ctx, gdb, 4)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	contents := make([]string, 0, len(entries))
	for _, e := range entries {
		contents = append(contents, e.Content)
	}
	assert.Equal(t, []string{"q3", "a3", "q4", "a4"}, contents)

	entries, err = recentMemory(ctx, gdb, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveUsage_KeepsSettings(t *testing.T) {
	t.Parallel()
	gdb := setupTestDB(t)
	db := NewDatabase(gdb, nil, false)
	ctx := context.Background()

	require.NoError(t, saveUserKeys(ctx, db, &UserKeys{ID: "u1", APIKey: "old", TTSKey: "tts"}))
	stale, _, err := getUserKeys(ctx, gdb, "u1")
	require.NoError(t, err)

	// `!key` runs while a chat request is in progress
	current, _, err := getUserKeys(ctx, gdb, "u1")
	require.NoError(t, err)
	current.APIKey = "new"
	require.NoError(t, saveUserKeys(ctx, db, current))

	stale.MessagesUsed = 3
	stale.TokensUsed = 120
	stale.LastReset = "2026-03-02"
	require.NoError(t, saveChatUsage(ctx, db, stale))

	stale.VoiceUsedToday = 2
	stale.VoiceLastReset = "2026-03-02"
	require.NoError(t, saveVoiceUsage(ctx, db, stale))

	got, _, err := getUserKeys(ctx, gdb, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.APIKey)
	assert.Equal(t, "tts", got.TTSKey)
	assert.Equal(t, 3, got.MessagesUsed)
	assert.Equal(t, 120, got.TokensUsed)
	assert.Equal(t, "2026-03-02", got.LastReset)
	assert.Equal(t, 2, got.VoiceUsedToday)
	assert.Equal(t, "2026-03-02", got.VoiceLastReset)
}
