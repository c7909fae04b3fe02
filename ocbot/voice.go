package ocbot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"io"
	"log/slog"
	"net/http"
	"os"
)

const voiceFileContentType = "audio/mpeg"

// SpeechClient is the subset of the go-openai client used for `!voice`
type SpeechClient interface {
	CreateSpeech(
		ctx context.Context,
		request openai.CreateSpeechRequest,
	) (response openai.RawResponse, err error)
}

// Voice synthesizes speech for `!voice`, using each user's own
// OpenAI key
type Voice struct {
	config     *VoiceConfig
	logger     *slog.Logger
	httpClient *http.Client
	newClient  func(apiKey string) SpeechClient
}

func newVoice(config *VoiceConfig, httpClient *http.Client, logger *slog.Logger) *Voice {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Voice{config: config, logger: logger, httpClient: httpClient}
	v.newClient = v.openaiClient
	return v
}

func (v *Voice) openaiClient(apiKey string) SpeechClient {
	clientCfg := openai.DefaultConfig(apiKey)
	if v.config.BaseURL != "" {
		clientCfg.BaseURL = v.config.BaseURL
	}
	if v.httpClient != nil {
		clientCfg.HTTPClient = v.httpClient
	}
	return openai.NewClientWithConfig(clientCfg)
}

// Synthesize converts text to mp3 audio. The audio is staged in a temp
// file (removed before returning) and returned as a ReplyFile.
func (v *Voice) Synthesize(
	ctx context.Context,
	apiKey string,
	voice string,
	text string,
) (ReplyFile, error) {
	if apiKey == "" {
		return ReplyFile{}, ErrNoAPIKey
	}
	if text == "" {
		return ReplyFile{}, ErrEmptyMessage
	}
	if voice == "" {
		voice = v.config.DefaultVoice
	}
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = v.logger
	}

	if v.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.config.RequestTimeout)
		defer cancel()
	}

	logger.InfoContext(ctx, "requesting speech", "model", v.config.Model, "voice", voice)
	resp, err := v.newClient(apiKey).CreateSpeech(
		ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(v.config.Model),
			Input:          text,
			Voice:          openai.SpeechVoice(voice),
			ResponseFormat: openai.SpeechResponseFormatMp3,
		},
	)
	if err != nil {
		return ReplyFile{}, fmt.Errorf("speech request failed: %w", err)
	}
	defer func() {
		if e := resp.Close(); e != nil {
			logger.WarnContext(ctx, "error closing speech response", tint.Err(e))
		}
	}()

	f, err := os.CreateTemp(v.config.TempDir, "ocbot_tts_*.mp3")
	if err != nil {
		return ReplyFile{}, fmt.Errorf("error creating temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		if e := os.Remove(f.Name()); e != nil {
			logger.WarnContext(ctx, "error removing temp file", "file", f.Name(), tint.Err(e))
		}
	}()

	if _, err = io.Copy(f, resp); err != nil {
		return ReplyFile{}, fmt.Errorf("error writing audio: %w", err)
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return ReplyFile{}, fmt.Errorf("error reading audio: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ReplyFile{}, fmt.Errorf("error reading audio: %w", err)
	}
	logger.InfoContext(ctx, "synthesized speech", "bytes", len(data))

	return ReplyFile{
		Name:        "voice.mp3",
		ContentType: voiceFileContentType,
		Data:        data,
	}, nil
}
