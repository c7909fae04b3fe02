package ocbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strconv"
	"strings"
	"time"
)

const (
	commandCommands = "commands"
	commandKey      = "key"
	commandSetQuota = "setquota"
	commandVoiceKey = "voicekey"
	commandVoice    = "voice"
	commandDelKey   = "delkey"
	commandActions  = "actions"
	commandInfo     = "info"
	commandChat     = "chat"

	subcommandInfo     = "info"
	subcommandSetVoice = "setvoice"
	subcommandList     = "list"
)

// command is a parsed `!<name> <args>` message
type command struct {
	// Name is the lowercased command name, without the prefix
	Name string

	// Args is everything after the command name, trimmed
	Args string

	Event   Event
	Message *discordgo.Message

	// Username is the author's username, used in replies and as the
	// chat memory speaker
	Username string
}

// subcommand returns the lowercased first word of Args and the rest
func (c *command) subcommand() (string, string) {
	first, rest, _ := strings.Cut(c.Args, " ")
	return strings.ToLower(first), strings.TrimSpace(rest)
}

// parseCommand parses content as a command with the given prefix.
// Returns false if content isn't a command.
func parseCommand(prefix string, content string) (name string, args string, ok bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", "", false
	}
	content = strings.TrimPrefix(content, prefix)
	name, args, _ = strings.Cut(content, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}
	return name, strings.Join(strings.Fields(args), " "), true
}

// commandHandler returns the reply to send, or false if no reply
// should be sent
type commandHandler func(ctx context.Context, cmd *command) (Reply, bool)

func (b *Bot) commandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		commandCommands: b.commandCommands,
		commandKey:      b.commandKey,
		commandSetQuota: b.commandSetQuota,
		commandVoiceKey: b.commandVoiceKey,
		commandVoice:    b.commandVoice,
		commandDelKey:   b.commandDelKey,
		commandActions:  b.commandActions,
		commandInfo:     b.commandInfo,
		commandChat:     b.commandChat,
	}
}

func textReply(format string, args ...any) Reply {
	if len(args) == 0 {
		return Reply{Content: format}
	}
	return Reply{Content: fmt.Sprintf(format, args...)}
}

func (b *Bot) commandCommands(ctx context.Context, _ *command) (Reply, bool) {
	p := b.config.Discord.CommandPrefix
	var sb strings.Builder
	sb.WriteString("📜 OCbot commands:\n")
	for _, line := range [][2]string{
		{commandChat + " <message>", "chat (use " + p + commandKey + " to set chat key)"},
		{commandKey + " <chatKey>", "save chat API key"},
		{commandSetQuota + " <tokens>", "set token quota for chat key"},
		{commandVoice + " <text>", "generate voice clip (use " + p + commandVoiceKey + " to set OpenAI key)"},
		{commandVoiceKey + " <key>", "save OpenAI key for TTS"},
		{commandVoice + " " + subcommandSetVoice + " <id>", "optional voice id"},
		{commandVoice + " " + subcommandInfo, "show voice usage"},
		{commandActions + " <action> @user", "perform action (auto-detected GIFs)"},
		{commandDelKey, "remove all your keys and settings"},
		{commandInfo, "show quota & estimated messages left"},
	} {
		fmt.Fprintf(&sb, "`%s%s` - %s\n", p, line[0], line[1])
	}

	actions := "No actions detected"
	if names := b.actions.Names(ctx); len(names) > 0 {
		actions = strings.Join(names, ", ")
	}
	fmt.Fprintf(&sb, "\nAvailable actions: %s", actions)
	return Reply{Content: sb.String()}, true
}

// loadKeys gets the author's UserKeys, logging and replying with a
// generic error on failure
func (b *Bot) loadKeys(ctx context.Context, cmd *command) (*UserKeys, *Reply) {
	keys, _, err := getUserKeys(ctx, b.db, cmd.Event.AuthorID)
	if err != nil {
		b.ctxLogger(ctx).ErrorContext(ctx, "error loading user keys", tint.Err(err))
		r := textReply("⚠️ Something went wrong loading your settings. Try again later.")
		return nil, &r
	}
	return keys, nil
}

func (b *Bot) saveKeys(ctx context.Context, keys *UserKeys) *Reply {
	if err := saveUserKeys(ctx, b.writeDB, keys); err != nil {
		b.ctxLogger(ctx).ErrorContext(ctx, "error saving user keys", tint.Err(err))
		r := textReply("⚠️ Something went wrong saving your settings. Try again later.")
		return &r
	}
	return nil
}

func (b *Bot) commandKey(ctx context.Context, cmd *command) (Reply, bool) {
	key, _, _ := strings.Cut(cmd.Args, " ")
	if key == "" {
		return textReply("Usage: `%s%s <chatKey>`", b.config.Discord.CommandPrefix, commandKey), true
	}
	keys, errReply := b.loadKeys(ctx, cmd)
	if errReply != nil {
		return *errReply, true
	}
	keys.APIKey = key
	if keys.LastReset == "" {
		keys.LastReset = dailyResetDate(time.Now())
	}
	if errReply = b.saveKeys(ctx, keys); errReply != nil {
		return *errReply, true
	}
	return textReply("✅ Chat key saved (for %s%s usage).", b.config.Discord.CommandPrefix, commandChat), true
}

func (b *Bot) commandSetQuota(ctx context.Context, cmd *command) (Reply, bool) {
	arg, _, _ := strings.Cut(cmd.Args, " ")
	quota, err := strconv.Atoi(arg)
	if err != nil || quota <= 0 {
		return textReply(
			"Usage: `%s%s <tokens>` (e.g. 100000)",
			b.config.Discord.CommandPrefix,
			commandSetQuota,
		), true
	}
	keys, errReply := b.loadKeys(ctx, cmd)
	if errReply != nil {
		return *errReply, true
	}
	keys.QuotaTokens = quota
	if errReply = b.saveKeys(ctx, keys); errReply != nil {
		return *errReply, true
	}
	return textReply("✅ Quota set to %d tokens.", quota), true
}

func (b *Bot) commandVoiceKey(ctx context.Context, cmd *command) (Reply, bool) {
	if strings.EqualFold(cmd.Args, subcommandInfo) {
		return b.voiceInfo(ctx, cmd), true
	}
	if cmd.Args == "" {
		return textReply("Usage: `%s%s <openai_key>`", b.config.Discord.CommandPrefix, commandVoiceKey), true
	}
	keys, errReply := b.loadKeys(ctx, cmd)
	if errReply != nil {
		return *errReply, true
	}
	keys.TTSKey = cmd.Args
	keys.TTSProvider = ttsProviderOpenAI
	if keys.VoiceLastReset == "" {
		keys.VoiceLastReset = dailyResetDate(time.Now())
	}
	if errReply = b.saveKeys(ctx, keys); errReply != nil {
		return *errReply, true
	}
	return textReply("✅ Voice key saved (OpenAI TTS)."), true
}

func (b *Bot) voiceInfo(ctx context.Context, cmd *command) Reply {
	keys, errReply := b.loadKeys(ctx, cmd)
	if errReply != nil {
		return *errReply
	}
	if keys.TTSKey == "" {
		return textReply("🔊 No voice key set. Use `%s%s <key>`.", b.config.Discord.CommandPrefix, commandVoiceKey)
	}
	keys.resetDailyVoice(time.Now())
	voice := keys.TTSVoiceID
	if voice == "" {
		voice = b.config.Voice.DefaultVoice
	}
	left := max(b.config.Voice.DailyLimit-keys.VoiceUsedToday, 0)
	return textReply(
		"Voice key present (%s). Voice: %s. Today used: %d. Remaining voice uses today: %d",
		maskKey(keys.TTSKey),
		voice,
		keys.VoiceUsedToday,
		left,
	)
}

func (b *Bot) commandVoice(ctx context.Context, cmd *command) (Reply, bool) {
	sub, rest := cmd.subcommand()
	switch {
	case sub == subcommandInfo && rest == "":
		return b.voiceInfo(ctx, cmd), true
	case sub == subcommandSetVoice:
		return b.setVoice(ctx, cmd, rest), true
	default:
		return b.speak(ctx, cmd)
	}
}

func (b *Bot) setVoice(ctx context.Context, cmd *command, voiceID string) Reply {
	if voiceID == "" {
		return textReply(
			"Usage: `%s%s %s <voiceId>`",
			b.config.Discord.CommandPrefix,
			commandVoice,
			subcommandSetVoice,
		)
	}
	keys, errReply := b.loadKeys(ctx, cmd)
	if errReply != nil {
		return *errReply
	}
	keys.TTSVoiceID = voiceID
	if errReply = b.saveKeys(ctx, keys); errReply != nil {
		return *errReply
	}
	return textReply("✅ Voice id set to %s", voiceID)
}

func (b *Bot) speak(ctx context.Context, cmd *command) (Reply, bool) {
	keys, errReply := b.loadKeys(ctx, cmd)
	if errReply != nil {
		return *errReply, true
	}
	switch err := keys.voiceAllowed(time.Now(), b.config.Voice.DailyLimit); {
	case errors.Is(err, ErrMissingKey):
		return textReply(
			"🔊 Add your OpenAI key first with `%s%s <key>`.",
			b.config.Discord.CommandPrefix,
			commandVoiceKey,
		), true
	case errors.Is(err, ErrDailyLimit):
		return textReply("🚫 You've hit daily voice limit (%d).", b.config.Voice.DailyLimit), true
	}
	if cmd.Args == "" {
		return textReply("Usage: `%s%s <text>`", b.config.Discord.CommandPrefix, commandVoice), true
	}

	// don't spend the user's quota if another instance already answered
	if b.reconciler.Replied(ctx, cmd.Event) {
		return Reply{}, false
	}
	b.typing(ctx, cmd.Event.ChannelID)

	file, err := b.voice.Synthesize(ctx, keys.TTSKey, keys.TTSVoiceID, cmd.Args)
	if err != nil {
		b.ctxLogger(ctx).ErrorContext(ctx, "voice synthesis failed", tint.Err(err))
		return textReply("⚠️ TTS failed: %s", err.Error()), true
	}

	keys.VoiceUsedToday++
	if err = saveVoiceUsage(ctx, b.writeDB, keys); err != nil {
		b.ctxLogger(ctx).WarnContext(ctx, "voice usage not saved", tint.Err(err))
	}
	return Reply{
		Content: fmt.Sprintf("%s says:", cmd.Username),
		Files:   []ReplyFile{file},
	}, true
}

func (b *Bot) commandDelKey(ctx context.Context, cmd *command) (Reply, bool) {
	if _, err := deleteUserKeys(ctx, b.writeDB, cmd.Event.AuthorID); err != nil {
		b.ctxLogger(ctx).ErrorContext(ctx, "error deleting user keys", tint.Err(err))
		return textReply("⚠️ Something went wrong removing your settings. Try again later."), true
	}
	return textReply("✅ All your keys and settings removed from the database."), true
}

func (b *Bot) commandActions(ctx context.Context, cmd *command) (Reply, bool) {
	action, _ := cmd.subcommand()
	if action == "" || action == subcommandList {
		names := b.actions.Names(ctx)
		if len(names) == 0 {
			return textReply("No actions detected in the repo."), true
		}
		return textReply("Available actions: %s", strings.Join(names, ", ")), true
	}

	gifURL, err := b.actions.GIF(ctx, action)
	if err != nil {
		return textReply("No GIFs found for %q.", action), true
	}

	target := "the air"
	for _, u := range cmd.Message.Mentions {
		if u != nil {
			target = u.Username
			break
		}
	}
	return Reply{
		Content: fmt.Sprintf("*%s %ss %s!*", cmd.Username, action, target),
		Embeds: []*discordgo.MessageEmbed{
			{Image: &discordgo.MessageEmbedImage{URL: gifURL}},
		},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, true
}

func (b *Bot) commandInfo(ctx context.Context, cmd *command) (Reply, bool) {
	keys, errReply := b.loadKeys(ctx, cmd)
	if errReply != nil {
		return *errReply, true
	}
	p := b.config.Discord.CommandPrefix
	if keys.APIKey == "" {
		return textReply("You have no chat key set. Use `%s%s <chatKey>`.", p, commandKey), true
	}
	avg := b.config.Chat.AvgTokensPerMessage
	if keys.QuotaTokens <= 0 {
		return textReply(
			"Estimated tokens used: %d. Estimated messages used: %d. Set a quota with `%s%s <tokens>`.",
			keys.TokensUsed,
			estimatedMessages(keys.TokensUsed, avg),
			p,
			commandSetQuota,
		), true
	}
	remaining := max(0, keys.QuotaTokens-keys.TokensUsed)
	return textReply(
		"Quota: %d tokens. Tokens used: %d. Estimated messages left: %d.",
		keys.QuotaTokens,
		keys.TokensUsed,
		estimatedMessages(remaining, avg),
	), true
}

func (b *Bot) commandChat(ctx context.Context, cmd *command) (Reply, bool) {
	keys, errReply := b.loadKeys(ctx, cmd)
	if errReply != nil {
		return *errReply, true
	}
	p := b.config.Discord.CommandPrefix
	switch err := keys.chatAllowed(time.Now(), b.config.Chat.DailyLimit); {
	case errors.Is(err, ErrMissingKey):
		return textReply("🔑 Add a chat key first with `%s%s <chatKey>`.", p, commandKey), true
	case errors.Is(err, ErrDailyLimit):
		return textReply("🚫 You've hit daily chat limit (%d).", b.config.Chat.DailyLimit), true
	}

	if b.reconciler.Replied(ctx, cmd.Event) {
		return Reply{}, false
	}
	if cmd.Args == "" {
		return textReply("Please provide a message with `%s%s <message>`.", p, commandChat), true
	}
	b.typing(ctx, cmd.Event.ChannelID)

	history, err := recentMemory(ctx, b.db, b.config.Chat.MemoryLimit)
	if err != nil {
		b.ctxLogger(ctx).WarnContext(ctx, "continuing without chat memory", tint.Err(err))
	}
	result, err := b.chat.Complete(ctx, keys.APIKey, history, cmd.Username, cmd.Args)
	if err != nil {
		b.ctxLogger(ctx).ErrorContext(ctx, "chat failed", tint.Err(err))
		return textReply("⚠️ Chat failed: %s", err.Error()), true
	}

	keys.TokensUsed += result.Tokens
	keys.MessagesUsed++
	if err = saveChatUsage(ctx, b.writeDB, keys); err != nil {
		b.ctxLogger(ctx).WarnContext(ctx, "chat usage not saved", tint.Err(err))
	}
	if err = appendMemory(
		ctx,
		b.writeDB,
		&MemoryEntry{UserID: cmd.Event.AuthorID, Role: memoryRoleUser, Content: cmd.Args},
		&MemoryEntry{UserID: cmd.Event.AuthorID, Role: memoryRoleAssistant, Content: result.Reply},
	); err != nil {
		b.ctxLogger(ctx).WarnContext(ctx, "chat memory not saved", tint.Err(err))
	}

	return Reply{Content: result.Reply}, true
}

// typing shows the typing indicator. Errors are only logged.
func (b *Bot) typing(ctx context.Context, channelID string) {
	if err := b.discord.session.ChannelTyping(
		channelID,
		discordgo.WithContext(ctx),
	); err != nil {
		b.ctxLogger(ctx).DebugContext(ctx, "error sending typing indicator", tint.Err(err))
	}
}
