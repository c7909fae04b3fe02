package ocbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	postgresNotifyChannelReplySent = "ocbot_reply_sent"
	recordSeparator                = string(rune(30))
)

var (
	notifierRetryInterval = 5 * time.Second
)

// ReplyNotifier announces sent replies to other bot instances, and
// listens for their announcements.
type ReplyNotifier interface {
	// ID identifies this instance. Announcements carrying this ID are
	// ignored by Listen.
	ID() string

	// ReplySent announces that this instance replied to eventID
	ReplySent(ctx context.Context, eventID string) bool

	// Listen blocks until ctx is canceled, calling the notifier's
	// callback with each event ID announced by another instance
	Listen(ctx context.Context) error
}

// newReplyNotifier returns a postgres LISTEN/NOTIFY notifier when using
// postgres, otherwise a no-op notifier. onReply is called for each
// event another instance announces.
func newReplyNotifier(
	databaseType string,
	dsn string,
	db DBI,
	logger *slog.Logger,
	onReply func(eventID string),
) (ReplyNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	notifyID := uuid.NewString()
	logger = logger.With(loggerNameKey, "notifier", "notify_id", notifyID)

	switch databaseType {
	case dbTypeSQLite:
		return &localNotifier{id: notifyID, logger: logger}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			id:      notifyID,
			dsn:     dsn,
			db:      db,
			logger:  logger,
			onReply: onReply,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// localNotifier is used when there's no way to reach other instances
// (sqlite). Announcements are dropped.
type localNotifier struct {
	id     string
	logger *slog.Logger
}

func (n *localNotifier) ID() string {
	return n.id
}

func (n *localNotifier) ReplySent(_ context.Context, eventID string) bool {
	n.logger.Debug("reply sent (not announced)", "event_id", eventID)
	return false
}

func (n *localNotifier) Listen(ctx context.Context) error {
	n.logger.Debug("listener not supported, waiting for shutdown")
	<-ctx.Done()
	return nil
}

type postgresNotifier struct {
	id      string
	dsn     string
	db      DBI
	logger  *slog.Logger
	onReply func(eventID string)
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) ReplySent(ctx context.Context, eventID string) bool {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	err := p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelReplySent,
		replySentPayload(p.id, eventID),
	).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending reply notification",
			"event_id", eventID,
			tint.Err(err),
		)
		return false
	}
	p.logger.DebugContext(ctx, "sent reply notification", "event_id", eventID)
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	logger := p.logger.With("channel", postgresNotifyChannelReplySent)

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannelReplySent)
	if err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(notifierRetryInterval):
			}
			continue
		}

		notifierID, eventID, ok := parseReplySentPayload(notification.Payload)
		if !ok {
			logger.WarnContext(ctx, "invalid notification payload", "payload", notification.Payload)
			continue
		}
		if notifierID == p.id {
			continue
		}
		logger.InfoContext(
			ctx,
			"another instance replied",
			"event_id", eventID,
			"notifier_id", notifierID,
		)
		if p.onReply != nil {
			p.onReply(eventID)
		}
	}
	logger.InfoContext(ctx, "stopped listening")
	return nil
}

func replySentPayload(notifierID, eventID string) string {
	return notifierID + recordSeparator + eventID
}

func parseReplySentPayload(payload string) (notifierID string, eventID string, ok bool) {
	notifierID, eventID, ok = strings.Cut(payload, recordSeparator)
	if !ok || notifierID == "" || eventID == "" {
		return "", "", false
	}
	return notifierID, eventID, true
}
