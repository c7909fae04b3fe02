package ocbot

import (
	"bytes"
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReplyAttempt is the outcome of Reconciler.SendOnce
type ReplyAttempt int

const (
	ReplySucceeded ReplyAttempt = iota
	ReplySkippedDuplicate
	ReplyFailed
)

func (a ReplyAttempt) String() string {
	switch a {
	case ReplySucceeded:
		return "succeeded"
	case ReplySkippedDuplicate:
		return "skipped-duplicate"
	case ReplyFailed:
		return "failed"
	default:
		return fmt.Sprintf("ReplyAttempt(%d)", int(a))
	}
}

// SkipReason indicates which check caused a reply to be skipped
type SkipReason string

const (
	SkipInFlight         SkipReason = "in_flight"
	SkipExistingReply    SkipReason = "existing_reply"
	SkipReserved         SkipReason = "reserved"
	SkipClaimedElsewhere SkipReason = "claimed_elsewhere"
	SkipLateReply        SkipReason = "existing_reply_after_delay"
)

// Event is an inbound message which should get at most one reply
type Event struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channel_id"`
	GuildID    string    `json:"guild_id"`
	AuthorID   string    `json:"author_id"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewEvent returns an Event for the given discord message
func NewEvent(m *discordgo.Message) Event {
	e := Event{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		Content:    m.Content,
		ReceivedAt: time.Now().UTC(),
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user != nil {
		e.AuthorID = user.ID
	}
	return e
}

func (e Event) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", e.ID),
		slog.String("channel_id", e.ChannelID),
		slog.String("guild_id", e.GuildID),
		slog.String("author_id", e.AuthorID),
	)
}

// Reply is the content sent in response to an Event. File contents are
// held in memory so the same Reply can be sent more than once.
type Reply struct {
	Content         string
	Files           []ReplyFile
	Embeds          []*discordgo.MessageEmbed
	AllowedMentions *discordgo.MessageAllowedMentions
}

type ReplyFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// messageSend builds a new discordgo.MessageSend replying to the event
func (r Reply) messageSend(e Event, failIfNotExists bool) *discordgo.MessageSend {
	msg := &discordgo.MessageSend{
		Content:         r.Content,
		Embeds:          r.Embeds,
		AllowedMentions: r.AllowedMentions,
		Reference: &discordgo.MessageReference{
			MessageID:       e.ID,
			ChannelID:       e.ChannelID,
			GuildID:         e.GuildID,
			FailIfNotExists: &failIfNotExists,
		},
	}
	for _, f := range r.Files {
		msg.Files = append(
			msg.Files, &discordgo.File{
				Name:        f.Name,
				ContentType: f.ContentType,
				Reader:      bytes.NewReader(f.Data),
			},
		)
	}
	return msg
}

// ReplyResult describes a single call to Reconciler.SendOnce
type ReplyResult struct {
	Attempt ReplyAttempt
	Reason  SkipReason

	// MessageID is the ID of the sent message, if any
	MessageID string

	// Fallback is true if the primary send failed and the fallback
	// send was attempted
	Fallback bool

	// Err is the last send error, if any
	Err error
}

func (r ReplyResult) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("attempt", r.Attempt.String())}
	if r.Reason != "" {
		attrs = append(attrs, slog.String("reason", string(r.Reason)))
	}
	if r.MessageID != "" {
		attrs = append(attrs, slog.String("message_id", r.MessageID))
	}
	if r.Fallback {
		attrs = append(attrs, slog.Bool("fallback", true))
	}
	if r.Err != nil {
		attrs = append(attrs, slog.String("error", r.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// ChannelHistory looks up recent messages in a channel
type ChannelHistory interface {
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
}

// ReplySender sends a message to a channel
type ReplySender interface {
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// ReplySession is the part of a discord session the Reconciler needs
type ReplySession interface {
	ChannelHistory
	ReplySender
}

// ReplyClaimer atomically claims an event for this process, across
// every process sharing the claimer's backing store. Claim returns
// false if another process holds a live claim for the event.
type ReplyClaimer interface {
	Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// Reconciler sends at most one reply per Event (best-effort across
// processes). Within a process, duplicates are prevented by an
// IntakeGuard and a ReservationStore. Across processes, the channel's
// recent history is checked for an existing reply before and after a
// grace delay, and optionally a ReplyClaimer is consulted.
type Reconciler struct {
	session      ReplySession
	guard        *IntakeGuard
	reservations *ReservationStore
	claimer      ReplyClaimer
	config       *DedupeConfig
	logger       *slog.Logger
	botUserID    atomic.Value
}

// NewReconciler returns a Reconciler using the given components.
// claimer may be nil.
func NewReconciler(
	session ReplySession,
	guard *IntakeGuard,
	reservations *ReservationStore,
	claimer ReplyClaimer,
	config *DedupeConfig,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		session:      session,
		guard:        guard,
		reservations: reservations,
		claimer:      claimer,
		config:       config,
		logger:       logger,
	}
	r.botUserID.Store("")
	return r
}

// SetBotUserID sets the user ID replies are authored by. This is only
// known once the gateway sends its Ready event.
func (r *Reconciler) SetBotUserID(userID string) {
	r.botUserID.Store(userID)
}

// BotUserID returns the user ID set by SetBotUserID
func (r *Reconciler) BotUserID() string {
	return r.botUserID.Load().(string)
}

// Replied returns true if the event is reserved in this process
// (including replies announced by other instances), or the channel
// already has a reply to it. The reservation is checked first, without
// a history lookup.
func (r *Reconciler) Replied(ctx context.Context, e Event) bool {
	if r.reservations.IsReserved(e.ID) {
		return true
	}
	return r.HasExistingReply(ctx, e)
}

// HasExistingReply returns true if one of the most recent messages in the
// event's channel was sent by the bot, as a reply to the event.
//
// If the history can't be retrieved, this returns false, unless
// DedupeConfig.FailClosed is set.
func (r *Reconciler) HasExistingReply(ctx context.Context, e Event) bool {
	logger := r.logger.With("event", e)

	messages, err := r.session.ChannelMessages(
		e.ChannelID,
		r.config.HistoryLimit,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(
			ctx,
			"error fetching channel history",
			tint.Err(err),
			"fail_closed", r.config.FailClosed,
		)
		return r.config.FailClosed
	}

	botUserID := r.BotUserID()
	for _, m := range messages {
		if m == nil || m.Author == nil || m.Author.ID != botUserID {
			continue
		}
		if referencedMessageID(m) == e.ID {
			logger.InfoContext(ctx, "found existing reply", "reply_id", m.ID)
			return true
		}
	}
	return false
}

// referencedMessageID returns the ID of the message m replies to, if any
func referencedMessageID(m *discordgo.Message) string {
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		return m.MessageReference.MessageID
	}
	if m.ReferencedMessage != nil {
		return m.ReferencedMessage.ID
	}
	return ""
}

// SendOnce sends reply in response to e, unless this or another process
// has already replied (or is about to).
//
//  1. The event is skipped if it's already in-flight in this process
//  2. The event is skipped if the channel already has a reply to it
//  3. The event is skipped if it's already reserved in this process
//  4. The event is reserved (and claimed, if a ReplyClaimer is set)
//  5. Wait for DedupeConfig.GraceDelay
//  6. The event is skipped if the channel now has a reply to it
//  7. The reply is sent. If that fails, it's sent once more,
//     unconditionally.
//
// The event is always released from the IntakeGuard before returning.
func (r *Reconciler) SendOnce(
	ctx context.Context,
	e Event,
	reply Reply,
) (result ReplyResult) {
	logger := r.logger.With("event", e)

	if !r.guard.TryBeginProcessing(e.ID) {
		logger.InfoContext(ctx, "reply already in progress, skipping")
		return ReplyResult{Attempt: ReplySkippedDuplicate, Reason: SkipInFlight}
	}
	defer func() {
		r.guard.EndProcessing(e.ID)
		logger.DebugContext(ctx, "finished reply", "result", result)
	}()

	if r.HasExistingReply(ctx, e) {
		return ReplyResult{Attempt: ReplySkippedDuplicate, Reason: SkipExistingReply}
	}

	if r.reservations.IsReserved(e.ID) {
		logger.InfoContext(ctx, "reply already reserved, skipping")
		return ReplyResult{Attempt: ReplySkippedDuplicate, Reason: SkipReserved}
	}

	r.reservations.Reserve(e.ID, r.config.ReservationTTL)

	if r.claimer != nil {
		claimed, err := r.claimer.Claim(ctx, e.ID, r.config.ClaimTTL)
		switch {
		case err != nil:
			logger.ErrorContext(
				ctx,
				"error claiming reply",
				tint.Err(err),
				"fail_closed", r.config.FailClosed,
			)
			if r.config.FailClosed {
				return ReplyResult{
					Attempt: ReplySkippedDuplicate,
					Reason:  SkipClaimedElsewhere,
					Err:     err,
				}
			}
		case !claimed:
			logger.InfoContext(ctx, "reply claimed by another instance, skipping")
			return ReplyResult{Attempt: ReplySkippedDuplicate, Reason: SkipClaimedElsewhere}
		}
	}

	if delay := r.config.GraceDelay; delay > 0 {
		timer := time.NewTimer(delay)
		<-timer.C
	}

	if r.HasExistingReply(ctx, e) {
		return ReplyResult{Attempt: ReplySkippedDuplicate, Reason: SkipLateReply}
	}

	msg, err := r.session.ChannelMessageSendComplex(
		e.ChannelID,
		reply.messageSend(e, true),
	)
	if err == nil {
		return ReplyResult{Attempt: ReplySucceeded, MessageID: msg.ID}
	}

	logger.ErrorContext(ctx, "error sending reply, attempting fallback", tint.Err(err))
	msg, err = r.session.ChannelMessageSendComplex(
		e.ChannelID,
		reply.messageSend(e, false),
	)
	if err != nil {
		logger.ErrorContext(ctx, "fallback reply failed", tint.Err(err))
		return ReplyResult{Attempt: ReplyFailed, Fallback: true, Err: err}
	}
	return ReplyResult{Attempt: ReplySucceeded, Fallback: true, MessageID: msg.ID}
}
