package ocbot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

var (
	ErrMissingKey = errors.New("missing key")
	ErrDailyLimit = errors.New("daily limit reached")
)

const (
	columnUserKeysID     = "id"
	columnMessagesUsed   = "messages_used"
	columnTokensUsed     = "tokens_used"
	columnLastReset      = "last_reset"
	columnVoiceUsed      = "voice_used_today"
	columnVoiceLastReset = "voice_last_reset"
	columnMemoryCreated  = "created_at"
	memoryRoleUser       = "user"
	memoryRoleAssistant  = "assistant"
	ttsProviderOpenAI    = "openai"
	dailyResetDateLayout = "2006-01-02"
)

// UserKeys holds a Discord user's API keys, settings and usage counters.
//
//nolint:lll // struct tags can't be split
type UserKeys struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// APIKey is used for `!chat` requests
	APIKey string `json:"-" gorm:"column:api_key" log:"[redacted]"`

	// MessagesUsed is the number of `!chat` requests since LastReset
	MessagesUsed int `json:"messages_used" gorm:"column:messages_used;default:0"`

	// TokensUsed is the cumulative (estimated) token usage. It is not
	// reset daily, and is compared against QuotaTokens.
	TokensUsed int `json:"tokens_used" gorm:"column:tokens_used;default:0"`

	// QuotaTokens is the user's own token budget. Zero means unset.
	QuotaTokens int `json:"quota_tokens" gorm:"column:quota_tokens;default:0"`

	// LastReset is the date (YYYY-MM-DD, UTC) MessagesUsed was last reset
	LastReset string `json:"last_reset" gorm:"column:last_reset"`

	TTSKey         string `json:"-" gorm:"column:tts_key" log:"[redacted]"`
	TTSProvider    string `json:"tts_provider" gorm:"column:tts_provider"`
	TTSVoiceID     string `json:"tts_voice_id" gorm:"column:tts_voice_id"`
	VoiceUsedToday int    `json:"voice_used_today" gorm:"column:voice_used_today;default:0"`
	VoiceLastReset string `json:"voice_last_reset" gorm:"column:voice_last_reset"`

	ModelUnixTime
}

func (u UserKeys) LogValue() slog.Value {
	return structToSlogValue(u)
}

func dailyResetDate(t time.Time) string {
	return t.UTC().Format(dailyResetDateLayout)
}

// resetDailyChat zeroes MessagesUsed if it was last reset before today.
// Returns true if a reset happened.
func (u *UserKeys) resetDailyChat(now time.Time) bool {
	today := dailyResetDate(now)
	if u.LastReset == today {
		return false
	}
	u.MessagesUsed = 0
	u.LastReset = today
	return true
}

// resetDailyVoice zeroes VoiceUsedToday if it was last reset before today.
// Returns true if a reset happened.
func (u *UserKeys) resetDailyVoice(now time.Time) bool {
	today := dailyResetDate(now)
	if u.VoiceLastReset == today {
		return false
	}
	u.VoiceUsedToday = 0
	u.VoiceLastReset = today
	return true
}

// chatAllowed resets the daily chat counter if needed, then returns
// ErrMissingKey or ErrDailyLimit if a `!chat` request isn't allowed
func (u *UserKeys) chatAllowed(now time.Time, dailyLimit int) error {
	if u.APIKey == "" {
		return ErrMissingKey
	}
	u.resetDailyChat(now)
	if u.MessagesUsed >= dailyLimit {
		return ErrDailyLimit
	}
	return nil
}

// voiceAllowed resets the daily voice counter if needed, then returns
// ErrMissingKey or ErrDailyLimit if a `!voice` request isn't allowed
func (u *UserKeys) voiceAllowed(now time.Time, dailyLimit int) error {
	if u.TTSKey == "" {
		return ErrMissingKey
	}
	u.resetDailyVoice(now)
	if u.VoiceUsedToday >= dailyLimit {
		return ErrDailyLimit
	}
	return nil
}

// estimatedMessages returns the number of average-sized messages that
// fit in tokens
func estimatedMessages(tokens int, avgTokensPerMessage int) int {
	return max(0, tokens) / max(1, avgTokensPerMessage)
}

// getUserKeys returns the UserKeys for userID. If none exist, a new,
// unsaved UserKeys is returned along with found=false.
func getUserKeys(ctx context.Context, db *gorm.DB, userID string) (
	keys *UserKeys,
	found bool,
	err error,
) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var u UserKeys
	err = db.WithContext(ctx).Where(columnUserKeysID+" = ?", userID).Take(&u).Error
	switch {
	case err == nil:
		return &u, true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &UserKeys{ID: userID}, false, nil
	default:
		return nil, false, fmt.Errorf("error getting keys for user %s: %w", userID, err)
	}
}

func saveUserKeys(ctx context.Context, db DBI, u *UserKeys) error {
	if _, err := db.Save(ctx, u); err != nil {
		return fmt.Errorf("error saving keys for user %s: %w", u.ID, err)
	}
	return nil
}

// saveChatUsage writes only the chat usage columns of u, leaving keys
// and settings as they are in the database
func saveChatUsage(ctx context.Context, db DBI, u *UserKeys) error {
	_, err := db.Updates(
		ctx, u, map[string]any{
			columnMessagesUsed: u.MessagesUsed,
			columnTokensUsed:   u.TokensUsed,
			columnLastReset:    u.LastReset,
		},
	)
	if err != nil {
		return fmt.Errorf("error saving chat usage for user %s: %w", u.ID, err)
	}
	return nil
}

// saveVoiceUsage writes only the voice usage columns of u
func saveVoiceUsage(ctx context.Context, db DBI, u *UserKeys) error {
	_, err := db.Updates(
		ctx, u, map[string]any{
			columnVoiceUsed:      u.VoiceUsedToday,
			columnVoiceLastReset: u.VoiceLastReset,
		},
	)
	if err != nil {
		return fmt.Errorf("error saving voice usage for user %s: %w", u.ID, err)
	}
	return nil
}

// deleteUserKeys removes all keys and settings for userID. Returns
// false if there was nothing to delete.
func deleteUserKeys(ctx context.Context, db DBI, userID string) (bool, error) {
	rows, err := db.Delete(ctx, &UserKeys{}, columnUserKeysID+" = ?", userID)
	if err != nil {
		return false, fmt.Errorf("error deleting keys for user %s: %w", userID, err)
	}
	return rows > 0, nil
}

// MemoryEntry is a single conversation turn, used as context for
// subsequent `!chat` requests
type MemoryEntry struct {
	ModelUintID
	CreatedAt int64  `json:"created_at" gorm:"autoCreateTime:milli;index"`
	UserID    string `json:"user_id" gorm:"index"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

func appendMemory(ctx context.Context, db DBI, entries ...*MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if _, err := db.Create(ctx, entries); err != nil {
		return fmt.Errorf("error saving memory: %w", err)
	}
	return nil
}

// recentMemory returns the most recent entries (from all users), oldest
// first
func recentMemory(ctx context.Context, db *gorm.DB, limit int) ([]MemoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var entries []MemoryEntry
	err := db.WithContext(ctx).
		Order(columnMemoryCreated + " desc").
		Order("id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("error loading memory: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
