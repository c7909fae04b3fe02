package ocbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/xander1211-1/ocbot/ocbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var ErrStopTimeout = errors.New("timed out sending stop signal")

// Bot is the OCbot discord bot: it parses commands from incoming
// messages, and replies (at most once per message) via its Reconciler.
type Bot struct {
	config *Config

	// db is used for reads. Writes go through writeDB.
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger

	discord *Discord

	// handlerGuard drops redelivered messages while the first
	// delivery is still being handled. The Reconciler has its own
	// guard for the reply itself.
	handlerGuard *IntakeGuard
	reservations *ReservationStore
	reconciler   *Reconciler
	claimer      *dbClaimer
	notifier     ReplyNotifier

	chat    *Chat
	voice   *Voice
	actions *Actions
	http    *HTTPServer

	handlers map[string]commandHandler

	signalStop chan struct{}
	startedAt  time.Time
	runMu      sync.Mutex
}

// New returns a Bot for the given Config. The database and discord
// session aren't opened until Run.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	config.Discord.httpClient = config.HTTPClient

	b := &Bot{
		config:       config,
		logger:       newComponentLogger(config.LogLevel, "ocbot"),
		handlerGuard: NewIntakeGuard(config.Dedupe.HandlingTimeout),
		reservations: NewReservationStore(),
		signalStop:   make(chan struct{}, 1),
		startedAt:    time.Now(),
	}
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	b.discord = newDiscord(config.Discord, newComponentLogger(config.Discord.LogLevel, "discord"))
	b.discord.onReady = b.setBotUserID

	b.chat = newChat(config.Chat, config.HTTPClient, newComponentLogger(config.Chat.LogLevel, "chat"))
	b.voice = newVoice(config.Voice, config.HTTPClient, newComponentLogger(config.Voice.LogLevel, "voice"))
	b.actions = newActions(
		config.Actions,
		config.HTTPClient,
		newComponentLogger(config.Actions.LogLevel, "actions"),
	)
	if config.HTTP.Enabled {
		b.http = newHTTPServer(b, config.HTTP, config.Development)
	}
	b.handlers = b.commandHandlers()

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// ctxLogger returns the logger from ctx, or the bot's logger
func (b *Bot) ctxLogger(ctx context.Context) *slog.Logger {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		return b.logger
	}
	return logger
}

func (b *Bot) setBotUserID(userID string) {
	if b.reconciler != nil {
		b.reconciler.SetBotUserID(userID)
	}
}

// Stop signals Run to shut down
func (b *Bot) Stop(ctx context.Context) error {
	select {
	case b.signalStop <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrStopTimeout
	}
}

// initDB opens and migrates the configured database
func (b *Bot) initDB(ctx context.Context) error {
	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)

	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if err = prepareDB(ctx, db, b.config.DatabaseType); err != nil {
		return err
	}
	if err = migrateDB(ctx, db); err != nil {
		return err
	}
	b.setDB(db)
	return nil
}

func (b *Bot) setDB(db *gorm.DB) {
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
}

// initDedupe creates the claimer (if enabled), the reply notifier and
// the Reconciler. The discord session must already be set.
func (b *Bot) initDedupe() error {
	dedupeLogger := newComponentLogger(b.config.Dedupe.LogLevel, "dedupe")

	var claimer ReplyClaimer
	if b.config.Dedupe.SharedClaims {
		b.claimer = newDBClaimer(b.writeDB, dedupeLogger)
		claimer = b.claimer
	}

	notifier, err := newReplyNotifier(
		b.config.DatabaseType,
		b.config.Database,
		b.writeDB,
		dedupeLogger,
		func(eventID string) {
			b.reservations.Reserve(eventID, b.config.Dedupe.ReservationTTL)
		},
	)
	if err != nil {
		return fmt.Errorf("error creating reply notifier: %w", err)
	}
	b.notifier = notifier

	b.reconciler = NewReconciler(
		b.discord.session,
		NewIntakeGuard(b.config.Dedupe.HandlingTimeout),
		b.reservations,
		claimer,
		b.config.Dedupe,
		dedupeLogger,
	)
	return nil
}

// initDiscordSession creates the session (unless one was already set)
// and registers the gateway event handlers
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)
	b.discord.session.AddHandler(b.discord.handlerConnect())
	b.discord.session.AddHandler(b.discord.handlerDisconnect())
	b.discord.session.AddHandler(b.discord.handlerReady())
	b.discord.session.AddHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			runtimeWG.Add(1)
			go func() {
				defer runtimeWG.Done()
				b.handleMessage(ctx, m)
			}()
		},
	)
	return nil
}

// handleMessage parses m as a command, runs the command's handler, and
// sends its reply via the Reconciler. Messages from bots, and messages
// that aren't known commands, are ignored.
func (b *Bot) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.Bot || m.Author.ID == b.reconciler.BotUserID() {
		return
	}

	name, args, ok := parseCommand(b.config.Discord.CommandPrefix, m.Content)
	if !ok {
		return
	}
	handler, ok := b.handlers[name]
	if !ok {
		return
	}
	b.discord.metricMessages.Add(1)

	e := NewEvent(m.Message)
	logger := b.logger.With("event", e, "command", name)
	ctx = WithLogger(ctx, logger)

	if !b.handlerGuard.TryBeginProcessing(e.ID) {
		logger.InfoContext(ctx, "message already being handled, ignoring")
		return
	}
	defer b.handlerGuard.EndProcessing(e.ID)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	logger.InfoContext(ctx, "handling command", messageLogAttrs(m.Message)...)
	cmd := &command{
		Name:     name,
		Args:     args,
		Event:    e,
		Message:  m.Message,
		Username: m.Author.Username,
	}
	reply, ok := handler(ctx, cmd)
	if !ok {
		logger.InfoContext(ctx, "no reply needed")
		return
	}
	b.reply(ctx, cmd, reply)
}

// reply sends r via the Reconciler, announces it to other instances
// on success, and records the outcome as a ReplyLog
func (b *Bot) reply(ctx context.Context, cmd *command, r Reply) ReplyResult {
	logger := b.ctxLogger(ctx)
	r.Content = shortenString(r.Content, discordMaxMessageLength)

	result := b.reconciler.SendOnce(ctx, cmd.Event, r)
	switch result.Attempt {
	case ReplySucceeded:
		logger.InfoContext(ctx, "replied", "result", result)
		if b.notifier != nil {
			b.notifier.ReplySent(ctx, cmd.Event.ID)
		}
	case ReplySkippedDuplicate:
		logger.InfoContext(ctx, "skipped duplicate reply", "result", result)
	default:
		logger.ErrorContext(ctx, "reply failed", "result", result)
	}

	if b.writeDB != nil {
		if _, err := b.writeDB.Create(ctx, newReplyLog(cmd.Event, cmd.Name, result)); err != nil {
			logger.WarnContext(ctx, "error saving reply log", tint.Err(err))
		}
	}
	return result
}

func (b *Bot) handleRecover(ctx context.Context, rc any) {
	logger := b.ctxLogger(ctx)
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(nerr), "stack_trace", stackTrace)
		return
	}
	logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
}

// Run starts the bot, and blocks until ctx is canceled or Stop is
// called. In-flight messages are given ShutdownTimeout to finish.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if b.db == nil {
		if err := b.initDB(startCtx); err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
	}

	runtimeWG := &sync.WaitGroup{}
	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		return err
	}
	if err := b.initDedupe(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if b.http != nil {
		g.Go(
			func() error {
				return b.http.Serve(gctx)
			},
		)
	}

	if b.claimer != nil {
		g.Go(
			func() error {
				return b.claimer.runPurger(gctx, b.config.Dedupe.ClaimPurgeInterval)
			},
		)
	}

	g.Go(
		func() error {
			if err := b.notifier.Listen(gctx); err != nil {
				logger.ErrorContext(gctx, "reply notifier stopped", tint.Err(err))
			}
			return nil
		},
	)

	openErr := make(chan error, 1)
	go func() {
		openErr <- b.discord.session.Open()
	}()
	select {
	case <-startCtx.Done():
		cancel()
		return errors.Join(
			errors.New("startup cancelled or timed out"),
			b.shutdown(runtimeWG),
			g.Wait(),
		)
	case err := <-openErr:
		if err != nil {
			logger.ErrorContext(ctx, "error opening discord session", tint.Err(err))
			cancel()
			return errors.Join(
				fmt.Errorf("error opening discord session: %w", err),
				b.shutdown(runtimeWG),
				g.Wait(),
			)
		}
	}
	logger.InfoContext(ctx, "discord session open")

	// blocks until ctx is canceled, or a background service fails
	<-gctx.Done()

	return errors.Join(b.shutdown(runtimeWG), g.Wait())
}

// shutdown closes the discord session and HTTP server, then waits up
// to ShutdownTimeout for in-flight messages
func (b *Bot) shutdown(runtimeWG *sync.WaitGroup) error {
	logger := b.logger
	logger.Warn("shutting down", "shutdown_timeout", b.config.ShutdownTimeout)

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error
	if err := b.discord.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
	}
	if b.http != nil {
		if err := b.http.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down http server: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("in-flight messages finished")
	case <-closeCtx.Done():
		errs = append(errs, errors.New("in-flight messages did not finish in time"))
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if e := sqlDB.Close(); e != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", e))
			}
		}
	}
	return errors.Join(errs...)
}
