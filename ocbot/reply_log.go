package ocbot

import (
	"context"
	"fmt"
	"gorm.io/gorm"
	"time"
)

const (
	columnReplyLogAttempt = "attempt"
	columnReplyLogReason  = "reason"
)

// ReplyLog records the outcome of a single reply attempt
type ReplyLog struct {
	ModelUintID
	CreatedAt int64  `json:"created_at" gorm:"autoCreateTime:milli;index"`
	EventID   string `json:"event_id" gorm:"index"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	AuthorID  string `json:"author_id"`
	Command   string `json:"command"`
	Attempt   string `json:"attempt" gorm:"index"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Fallback  bool   `json:"fallback"`
	Error     string `json:"error,omitempty"`

	// Latency is the time between receiving the event and SendOnce
	// returning, in milliseconds
	Latency int64 `json:"latency"`
}

func newReplyLog(e Event, command string, result ReplyResult) *ReplyLog {
	rl := &ReplyLog{
		EventID:   e.ID,
		ChannelID: e.ChannelID,
		GuildID:   e.GuildID,
		AuthorID:  e.AuthorID,
		Command:   command,
		Attempt:   result.Attempt.String(),
		Reason:    string(result.Reason),
		MessageID: result.MessageID,
		Fallback:  result.Fallback,
	}
	if result.Err != nil {
		rl.Error = result.Err.Error()
	}
	if !e.ReceivedAt.IsZero() {
		rl.Latency = time.Since(e.ReceivedAt).Milliseconds()
	}
	return rl
}

// ReplyStats summarizes ReplyLog records
type ReplyStats struct {
	Total    int64            `json:"total"`
	Attempts map[string]int64 `json:"attempts"`
	Reasons  map[string]int64 `json:"reasons"`
}

type groupCount struct {
	Name  string
	Total int64
}

func replyStats(ctx context.Context, db *gorm.DB) (ReplyStats, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	stats := ReplyStats{
		Attempts: map[string]int64{},
		Reasons:  map[string]int64{},
	}

	for column, counts := range map[string]map[string]int64{
		columnReplyLogAttempt: stats.Attempts,
		columnReplyLogReason:  stats.Reasons,
	} {
		var rows []groupCount
		err := db.WithContext(ctx).Model(&ReplyLog{}).
			Select(column + " as name, count(*) as total").
			Where(column + " <> ''").
			Group(column).
			Scan(&rows).Error
		if err != nil {
			return stats, fmt.Errorf("error counting replies by %s: %w", column, err)
		}
		for _, r := range rows {
			counts[r.Name] = r.Total
		}
	}

	for _, c := range stats.Attempts {
		stats.Total += c
	}
	return stats, nil
}

// listReplyLogs returns up to limit records, newest first, with IDs
// less than beforeID (when beforeID > 0)
func listReplyLogs(
	ctx context.Context,
	db *gorm.DB,
	beforeID uint,
	limit int,
) ([]ReplyLog, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	q := db.WithContext(ctx).Order("id desc").Limit(limit)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var logs []ReplyLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("error listing replies: %w", err)
	}
	return logs, nil
}
