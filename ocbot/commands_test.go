package ocbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type mockChatClient struct {
	reply  string
	tokens int
	err    error

	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
}

func (m *mockChatClient) CreateChatCompletion(
	_ context.Context,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return openai.ChatCompletionResponse{
		ID: fmt.Sprintf("chatcmpl-%d", len(m.requests)),
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.reply}},
		},
		Usage: openai.Usage{TotalTokens: m.tokens},
	}, nil
}

type mockSpeechClient struct {
	audio string
	err   error

	mu       sync.Mutex
	requests []openai.CreateSpeechRequest
}

func (m *mockSpeechClient) CreateSpeech(
	_ context.Context,
	req openai.CreateSpeechRequest,
) (openai.RawResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return openai.RawResponse{}, m.err
	}
	return openai.RawResponse{ReadCloser: io.NopCloser(strings.NewReader(m.audio))}, nil
}

// newGitHubServer returns a server listing the given file names as the
// contents of "owner/gifs", and a func returning the number of requests
// made
func newGitHubServer(t testing.TB, files ...string) (*httptest.Server, func() int) {
	t.Helper()
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				requests++
				mu.Unlock()
				if r.URL.Path != "/repos/owner/gifs/contents/" {
					http.NotFound(w, r)
					return
				}
				contents := make([]githubContent, 0, len(files)+1)
				for _, f := range files {
					contents = append(contents, githubContent{Name: f, Path: f, Type: githubContentTypeFile})
				}
				contents = append(contents, githubContent{Name: "subdir", Path: "subdir", Type: "dir"})
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(contents)
			},
		),
	)
	t.Cleanup(srv.Close)
	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return requests
	}
}

func newTestCommand(bot *Bot, id string, authorID string, content string) (*command, bool) {
	m := newMessageCreate(id, authorID, content)
	name, args, ok := parseCommand(bot.config.Discord.CommandPrefix, content)
	if !ok {
		return nil, false
	}
	return &command{
		Name:     name,
		Args:     args,
		Event:    NewEvent(m.Message),
		Message:  m.Message,
		Username: m.Author.Username,
	}, true
}

// runCommand runs content through its handler, without sending a reply
func runCommand(t testing.TB, bot *Bot, id string, authorID string, content string) (Reply, bool) {
	t.Helper()
	cmd, ok := newTestCommand(bot, id, authorID, content)
	require.True(t, ok, "not a command: %q", content)
	handler, ok := bot.handlers[cmd.Name]
	require.True(t, ok, "unknown command: %q", cmd.Name)
	return handler(context.Background(), cmd)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		content  string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{content: "!chat hello there", wantName: "chat", wantArgs: "hello there", wantOK: true},
		{content: "  !CHAT   hello    there  ", wantName: "chat", wantArgs: "hello there", wantOK: true},
		{content: "!info", wantName: "info", wantOK: true},
		{content: "!", wantOK: false},
		{content: "! chat", wantOK: false},
		{content: "chat hello", wantOK: false},
		{content: "", wantOK: false},
	}
	for _, tc := range tests {
		name, args, ok := parseCommand("!", tc.content)
		assert.Equal(t, tc.wantOK, ok, tc.content)
		assert.Equal(t, tc.wantName, name, tc.content)
		assert.Equal(t, tc.wantArgs, args, tc.content)
	}

	_, _, ok := parseCommand("", "!chat")
	assert.False(t, ok)
}

func TestCommand_Subcommand(t *testing.T) {
	t.Parallel()
	cmd := &command{Args: "SetVoice nova"}
	sub, rest := cmd.subcommand()
	assert.Equal(t, "setvoice", sub)
	assert.Equal(t, "nova", rest)

	cmd = &command{}
	sub, rest = cmd.subcommand()
	assert.Equal(t, "", sub)
	assert.Equal(t, "", rest)
}

func TestCommandKey(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	reply, ok := runCommand(t, bot, "m1", "u1", "!key")
	require.True(t, ok)
	assert.Contains(t, reply.Content, "Usage")

	reply, ok = runCommand(t, bot, "m2", "u1", "!key sk-test-1234567890")
	require.True(t, ok)
	assert.Contains(t, reply.Content, "Chat key saved")

	keys, found, err := getUserKeys(ctx, bot.db, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sk-test-1234567890", keys.APIKey)
	assert.Equal(t, dailyResetDate(time.Now()), keys.LastReset)
}

func TestCommandSetQuota(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	for _, content := range []string{"!setquota", "!setquota abc", "!setquota -5", "!setquota 0"} {
		reply, ok := runCommand(t, bot, "m1", "u1", content)
		require.True(t, ok)
		assert.Contains(t, reply.Content, "Usage", content)
	}

	reply, ok := runCommand(t, bot, "m2", "u1", "!setquota 100000")
	require.True(t, ok)
	assert.Equal(t, "✅ Quota set to 100000 tokens.", reply.Content)

	keys, found, err := getUserKeys(ctx, bot.db, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 100000, keys.QuotaTokens)
}

func TestCommandInfo(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	reply, _ := runCommand(t, bot, "m1", "u1", "!info")
	assert.Contains(t, reply.Content, "no chat key set")

	require.NoError(
		t,
		saveUserKeys(ctx, bot.writeDB, &UserKeys{ID: "u1", APIKey: "key", TokensUsed: 1500}),
	)
	reply, _ = runCommand(t, bot, "m2", "u1", "!info")
	assert.Equal(
		t,
		"Estimated tokens used: 1500. Estimated messages used: 3. Set a quota with `!setquota <tokens>`.",
		reply.Content,
	)

	require.NoError(
		t,
		saveUserKeys(
			ctx,
			bot.writeDB,
			&UserKeys{ID: "u1", APIKey: "key", TokensUsed: 1500, QuotaTokens: 10000},
		),
	)
	reply, _ = runCommand(t, bot, "m3", "u1", "!info")
	assert.Equal(t, "Quota: 10000 tokens. Tokens used: 1500. Estimated messages left: 17.", reply.Content)
}

func TestCommandDelKey(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	require.NoError(t, saveUserKeys(ctx, bot.writeDB, &UserKeys{ID: "u1", APIKey: "key", TTSKey: "tts"}))

	reply, ok := runCommand(t, bot, "m1", "u1", "!delkey")
	require.True(t, ok)
	assert.Contains(t, reply.Content, "removed")

	_, found, err := getUserKeys(ctx, bot.db, "u1")
	require.NoError(t, err)
	assert.False(t, found)

	// deleting again is fine
	reply, _ = runCommand(t, bot, "m2", "u1", "!delkey")
	assert.Contains(t, reply.Content, "removed")
}

func TestCommandChat(t *testing.T) {
	t.Parallel()
	bot, session := newTestBot(t)
	ctx := context.Background()

	client := &mockChatClient{reply: "hi there!", tokens: 42}
	bot.chat.newClient = func(apiKey string) ChatClient {
		assert.Equal(t, "sk-user", apiKey)
		return client
	}

	reply, _ := runCommand(t, bot, "m1", "u1", "!chat hello")
	assert.Contains(t, reply.Content, "Add a chat key first")

	require.NoError(t, saveUserKeys(ctx, bot.writeDB, &UserKeys{ID: "u1", APIKey: "sk-user"}))

	reply, ok := runCommand(t, bot, "m2", "u1", "!chat")
	require.True(t, ok)
	assert.Contains(t, reply.Content, "Please provide a message")

	reply, ok = runCommand(t, bot, "m3", "u1", "!chat hello")
	require.True(t, ok)
	assert.Equal(t, "hi there!", reply.Content)

	session.mu.Lock()
	assert.Equal(t, 1, session.typingCalls)
	session.mu.Unlock()

	keys, _, err := getUserKeys(ctx, bot.db, "u1")
	require.NoError(t, err)
	assert.Equal(t, 42, keys.TokensUsed)
	assert.Equal(t, 1, keys.MessagesUsed)

	memory, err := recentMemory(ctx, bot.db, 10)
	require.NoError(t, err)
	require.Len(t, memory, 2)
	assert.Equal(t, "hello", memory[0].Content)
	assert.Equal(t, memoryRoleUser, memory[0].Role)
	assert.Equal(t, "hi there!", memory[1].Content)
	assert.Equal(t, memoryRoleAssistant, memory[1].Role)

	// the next request includes the stored conversation
	_, _ = runCommand(t, bot, "m4", "u1", "!chat again")
	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.requests, 2)
	messages := client.requests[1].Messages
	require.Len(t, messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, messages[0].Role)
	assert.Equal(t, "hello", messages[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, messages[2].Role)
	assert.Equal(t, "user_u1: again", messages[3].Content)
}

func TestCommandChat_DailyLimit(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()
	bot.config.Chat.DailyLimit = 1

	client := &mockChatClient{reply: "ok"}
	bot.chat.newClient = func(string) ChatClient {
		return client
	}
	require.NoError(t, saveUserKeys(ctx, bot.writeDB, &UserKeys{ID: "u1", APIKey: "sk-user"}))

	reply, _ := runCommand(t, bot, "m1", "u1", "!chat one")
	assert.Equal(t, "ok", reply.Content)

	reply, _ = runCommand(t, bot, "m2", "u1", "!chat two")
	assert.Contains(t, reply.Content, "daily chat limit (1)")

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Len(t, client.requests, 1)
}

func TestCommandChat_Error(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	bot.chat.newClient = func(string) ChatClient {
		return &mockChatClient{err: errors.New("bad key")}
	}
	require.NoError(t, saveUserKeys(ctx, bot.writeDB, &UserKeys{ID: "u1", APIKey: "sk-user"}))

	reply, ok := runCommand(t, bot, "m1", "u1", "!chat hello")
	require.True(t, ok)
	assert.Contains(t, reply.Content, "Chat failed")
	assert.Contains(t, reply.Content, "bad key")

	keys, _, err := getUserKeys(ctx, bot.db, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, keys.MessagesUsed)
}

func TestCommandChat_ExistingReply(t *testing.T) {
	t.Parallel()
	bot, session := newTestBot(t)
	ctx := context.Background()

	client := &mockChatClient{reply: "ok"}
	bot.chat.newClient = func(string) ChatClient {
		return client
	}
	require.NoError(t, saveUserKeys(ctx, bot.writeDB, &UserKeys{ID: "u1", APIKey: "sk-user"}))

	// another instance already answered
	session.addReply("c1", testBotUserID, "m1")

	_, ok := runCommand(t, bot, "m1", "u1", "!chat hello")
	assert.False(t, ok)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.requests)
}

func TestCommandChat_Reserved(t *testing.T) {
	t.Parallel()
	bot, session := newTestBot(t)
	ctx := context.Background()

	client := &mockChatClient{reply: "ok", tokens: 10}
	bot.chat.newClient = func(string) ChatClient {
		return client
	}
	require.NoError(t, saveUserKeys(ctx, bot.writeDB, &UserKeys{ID: "u1", APIKey: "sk-user"}))

	// another instance announced its reply, which isn't in the channel
	// history yet
	bot.reservations.Reserve("m1", time.Minute)

	_, ok := runCommand(t, bot, "m1", "u1", "!chat hello")
	assert.False(t, ok)
	assert.Equal(t, 0, session.historyCallCount())

	client.mu.Lock()
	assert.Empty(t, client.requests)
	client.mu.Unlock()

	keys, _, err := getUserKeys(ctx, bot.db, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, keys.MessagesUsed)
	assert.Equal(t, 0, keys.TokensUsed)

	memory, err := recentMemory(ctx, bot.db, 10)
	require.NoError(t, err)
	assert.Empty(t, memory)
}

func TestCommandVoice_Reserved(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()
	bot.config.Voice.TempDir = t.TempDir()

	client := &mockSpeechClient{audio: "mp3 bytes"}
	bot.voice.newClient = func(string) SpeechClient {
		return client
	}
	require.NoError(t, saveUserKeys(ctx, bot.writeDB, &UserKeys{ID: "u1", TTSKey: "sk-voice"}))
	bot.reservations.Reserve("m1", time.Minute)

	_, ok := runCommand(t, bot, "m1", "u1", "!voice hello")
	assert.False(t, ok)

	client.mu.Lock()
	assert.Empty(t, client.requests)
	client.mu.Unlock()

	keys, _, err := getUserKeys(ctx, bot.db, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, keys.VoiceUsedToday)
}

func TestCommandVoice(t *testing.T) {
	t.Parallel()
	bot, session := newTestBot(t)
	ctx := context.Background()
	bot.config.Voice.TempDir = t.TempDir()

	client := &mockSpeechClient{audio: "mp3 bytes"}
	bot.voice.newClient = func(apiKey string) SpeechClient {
		assert.Equal(t, "sk-voice", apiKey)
		return client
	}

	reply, _ := runCommand(t, bot, "m1", "u1", "!voice hello")
	assert.Contains(t, reply.Content, "Add your OpenAI key first")

	reply, _ = runCommand(t, bot, "m2", "u1", "!voicekey")
	assert.Contains(t, reply.Content, "Usage")

	reply, _ = runCommand(t, bot, "m3", "u1", "!voicekey sk-voice")
	assert.Contains(t, reply.Content, "Voice key saved")

	reply, _ = runCommand(t, bot, "m4", "u1", "!voice setvoice nova")
	assert.Equal(t, "✅ Voice id set to nova", reply.Content)

	reply, ok := runCommand(t, bot, "m5", "u1", "!voice hello world")
	require.True(t, ok)
	assert.Equal(t, "user_u1 says:", reply.Content)
	require.Len(t, reply.Files, 1)
	assert.Equal(t, []byte("mp3 bytes"), reply.Files[0].Data)
	assert.Equal(t, voiceFileContentType, reply.Files[0].ContentType)

	client.mu.Lock()
	require.Len(t, client.requests, 1)
	assert.Equal(t, "hello world", client.requests[0].Input)
	assert.Equal(t, openai.SpeechVoice("nova"), client.requests[0].Voice)
	client.mu.Unlock()

	keys, _, err := getUserKeys(ctx, bot.db, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, keys.VoiceUsedToday)
	assert.Equal(t, ttsProviderOpenAI, keys.TTSProvider)

	reply, _ = runCommand(t, bot, "m6", "u1", "!voice info")
	assert.Contains(t, reply.Content, "Voice: nova")
	assert.Contains(t, reply.Content, "Today used: 1")
	assert.Contains(t, reply.Content, fmt.Sprintf("Remaining voice uses today: %d", bot.config.Voice.DailyLimit-1))
	assert.NotContains(t, reply.Content, "sk-voice")

	reply, _ = runCommand(t, bot, "m7", "u1", "!voicekey info")
	assert.Contains(t, reply.Content, "Today used: 1")

	session.mu.Lock()
	assert.Equal(t, 1, session.typingCalls)
	session.mu.Unlock()
}

func TestCommandVoice_Errors(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()
	bot.config.Voice.TempDir = t.TempDir()
	bot.config.Voice.DailyLimit = 1

	bot.voice.newClient = func(string) SpeechClient {
		return &mockSpeechClient{err: errors.New("quota exceeded")}
	}
	require.NoError(t, saveUserKeys(ctx, bot.writeDB, &UserKeys{ID: "u1", TTSKey: "sk-voice"}))

	reply, _ := runCommand(t, bot, "m1", "u1", "!voice")
	assert.Contains(t, reply.Content, "Usage")

	reply, _ = runCommand(t, bot, "m2", "u1", "!voice hi")
	assert.Contains(t, reply.Content, "TTS failed")

	require.NoError(
		t,
		saveUserKeys(
			ctx,
			bot.writeDB,
			&UserKeys{
				ID:             "u1",
				TTSKey:         "sk-voice",
				VoiceUsedToday: 1,
				VoiceLastReset: dailyResetDate(time.Now()),
			},
		),
	)
	reply, _ = runCommand(t, bot, "m3", "u1", "!voice hi")
	assert.Contains(t, reply.Content, "daily voice limit (1)")

	reply, _ = runCommand(t, bot, "m4", "u1", "!voice setvoice")
	assert.Contains(t, reply.Content, "Usage")
}

func TestCommandActions(t *testing.T) {
	t.Parallel()
	srv, _ := newGitHubServer(t, "hug_1.gif", "Hug-02.gif", "slap.GIF", "readme.md")

	cfg := DefaultTestConfig(t)
	cfg.Actions.Repo = "owner/gifs"
	cfg.Actions.APIURL = srv.URL
	cfg.Actions.RawURL = "https://raw.example.com"
	bot, _ := newTestBotWithConfig(t, cfg)

	reply, ok := runCommand(t, bot, "m1", "u1", "!actions")
	require.True(t, ok)
	assert.Equal(t, "Available actions: hug, slap", reply.Content)

	reply, _ = runCommand(t, bot, "m2", "u1", "!actions list")
	assert.Equal(t, "Available actions: hug, slap", reply.Content)

	reply, _ = runCommand(t, bot, "m3", "u1", "!actions dance")
	assert.Equal(t, `No GIFs found for "dance".`, reply.Content)

	cmd, ok := newTestCommand(bot, "m4", "u1", "!actions hug @friend")
	require.True(t, ok)
	cmd.Message.Mentions = []*discordgo.User{{ID: "u2", Username: "friend"}}
	reply, ok = bot.commandActions(context.Background(), cmd)
	require.True(t, ok)
	assert.Equal(t, "*user_u1 hugs friend!*", reply.Content)
	require.Len(t, reply.Embeds, 1)
	assert.Contains(
		t,
		[]string{
			"https://raw.example.com/owner/gifs/main/hug_1.gif",
			"https://raw.example.com/owner/gifs/main/Hug-02.gif",
		},
		reply.Embeds[0].Image.URL,
	)
	require.NotNil(t, reply.AllowedMentions)
	assert.Empty(t, reply.AllowedMentions.Parse)

	reply, _ = runCommand(t, bot, "m5", "u1", "!actions slap")
	assert.Equal(t, "*user_u1 slaps the air!*", reply.Content)

	reply, _ = runCommand(t, bot, "m6", "u1", "!commands")
	assert.Contains(t, reply.Content, "Available actions: hug, slap")
}

func TestCommandActions_Disabled(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)

	reply, _ := runCommand(t, bot, "m1", "u1", "!actions")
	assert.Equal(t, "No actions detected in the repo.", reply.Content)

	reply, _ = runCommand(t, bot, "m2", "u1", "!actions hug")
	assert.Equal(t, `No GIFs found for "hug".`, reply.Content)
}

func TestCommandCommands(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)

	reply, ok := runCommand(t, bot, "m1", "u1", "!commands")
	require.True(t, ok)
	for name := range bot.handlers {
		if name == commandCommands {
			continue
		}
		assert.Contains(t, reply.Content, "`!"+name, name)
	}
}
