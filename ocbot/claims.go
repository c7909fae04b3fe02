package ocbot

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"time"
)

const (
	columnReplyClaimEventID   = "event_id"
	columnReplyClaimExpiresAt = "expires_at"
)

// ReplyClaim is a claim by one bot instance to reply to an event.
// While unexpired, other instances sharing the database won't reply.
type ReplyClaim struct {
	EventID   string `json:"event_id" gorm:"primaryKey;type:string"`
	OwnerID   string `json:"owner_id" gorm:"type:string;index"`
	ClaimedAt int64  `json:"claimed_at" gorm:"autoCreateTime:milli"`
	ExpiresAt int64  `json:"expires_at" gorm:"index"`
}

// dbClaimer implements ReplyClaimer with a ReplyClaim table
type dbClaimer struct {
	db      DBI
	ownerID string
	logger  *slog.Logger
	now     func() time.Time
}

func newDBClaimer(db DBI, logger *slog.Logger) *dbClaimer {
	if logger == nil {
		logger = slog.Default()
	}
	ownerID := uuid.NewString()
	return &dbClaimer{
		db:      db,
		ownerID: ownerID,
		logger:  logger.With(loggerNameKey, "claims", "owner_id", ownerID),
		now:     time.Now,
	}
}

// Claim inserts a ReplyClaim for eventID, after removing any expired
// claim for it. Returns false if a live claim by another owner exists.
// Claiming an event this owner already holds returns true.
func (c *dbClaimer) Claim(
	ctx context.Context,
	eventID string,
	ttl time.Duration,
) (bool, error) {
	now := c.now().UTC()
	claim := &ReplyClaim{
		EventID:   eventID,
		OwnerID:   c.ownerID,
		ClaimedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	var claimed bool
	err := c.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Where(
				columnReplyClaimEventID+" = ? AND "+columnReplyClaimExpiresAt+" <= ?",
				eventID,
				now.UnixMilli(),
			).Delete(&ReplyClaim{})
			if rv.Error != nil {
				return rv.Error
			}

			rv = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(claim)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 1 {
				claimed = true
				return nil
			}

			var existing ReplyClaim
			if err := tx.Where(columnReplyClaimEventID+" = ?", eventID).Take(&existing).Error; err != nil {
				return err
			}
			claimed = existing.OwnerID == c.ownerID
			return nil
		},
	)
	if err != nil {
		return false, fmt.Errorf("error claiming event %s: %w", eventID, err)
	}
	c.logger.DebugContext(ctx, "claim attempted", "event_id", eventID, "claimed", claimed)
	return claimed, nil
}

// PurgeExpired deletes all expired claims, returning the number deleted
func (c *dbClaimer) PurgeExpired(ctx context.Context) (int64, error) {
	rows, err := c.db.Delete(
		ctx,
		&ReplyClaim{},
		columnReplyClaimExpiresAt+" <= ?",
		c.now().UTC().UnixMilli(),
	)
	if err != nil {
		return rows, fmt.Errorf("error purging expired claims: %w", err)
	}
	return rows, nil
}

// runPurger calls PurgeExpired every interval until ctx is canceled
func (c *dbClaimer) runPurger(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rows, err := c.PurgeExpired(ctx)
			if err != nil {
				c.logger.ErrorContext(ctx, "error purging claims", tint.Err(err))
				continue
			}
			if rows > 0 {
				c.logger.InfoContext(ctx, "purged expired claims", "count", rows)
			}
		}
	}
}
