package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"voicepipe/internal/upstream/openai"
)

// Client is the subset of the upstream client the stage needs. The fallback
// tier pairs a plain transcription with a chat-completion translation.
type Client interface {
	Translate(ctx context.Context, file io.Reader, fileName, model string) (string, error)
	Transcribe(ctx context.Context, file io.Reader, fileName, model string) (string, error)
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Audio is a staged payload that supports one independent read per attempt.
type Audio interface {
	Open() (io.ReadCloser, error)
	Name() string
}

type Source string

const (
	SourceTranslation Source = "translation"
	SourceFallback    Source = "fallback"
)

type Result struct {
	Text   string
	Source Source
}

type Service struct {
	client     Client
	audioModel string
	chatModel  string
	timeout    time.Duration
}

func New(client Client, audioModel, chatModel string, timeout time.Duration) *Service {
	return &Service{
		client:     client,
		audioModel: strings.TrimSpace(audioModel),
		chatModel:  strings.TrimSpace(chatModel),
		timeout:    timeout,
	}
}

// Transcribe converts staged audio into English text. The primary tier is
// the backend's direct speech-to-English translation; any primary failure
// falls back to source-language transcription followed by an LLM
// translation. Only both tiers failing is an error.
func (s *Service) Transcribe(ctx context.Context, audio Audio) (Result, error) {
	text, primaryErr := s.translateAudio(ctx, audio)
	if primaryErr == nil {
		return Result{Text: text, Source: SourceTranslation}, nil
	}

	text, fallbackErr := s.transcribeAndTranslate(ctx, audio)
	if fallbackErr != nil {
		return Result{}, fmt.Errorf("transcription failed: %w", errors.Join(primaryErr, fallbackErr))
	}
	return Result{Text: text, Source: SourceFallback}, nil
}

func (s *Service) translateAudio(ctx context.Context, audio Audio) (string, error) {
	file, err := audio.Open()
	if err != nil {
		return "", err
	}
	defer file.Close()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.client.Translate(ctx, file, audio.Name(), s.audioModel)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (s *Service) transcribeAndTranslate(ctx context.Context, audio Audio) (string, error) {
	file, err := audio.Open()
	if err != nil {
		return "", err
	}
	defer file.Close()

	transcribeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.Transcribe(transcribeCtx, file, audio.Name(), s.audioModel)
	if err != nil {
		return "", err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	chatCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.ChatCompletion(chatCtx, openai.ChatCompletionRequest{
		Model:       s.chatModel,
		Temperature: 0.0,
		Messages: []openai.ChatMessage{
			{Role: "user", Content: "Translate to natural English, preserve meaning:\n\n" + raw},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
