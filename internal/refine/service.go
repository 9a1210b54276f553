package refine

import (
	"context"
	"errors"
	"strings"
	"time"

	"voicepipe/internal/upstream/openai"
)

const SystemPrompt = `You rewrite raw voice transcripts into clean, unambiguous instructions.

Rules:
- Preserve the speaker's meaning exactly.
- If the input is not in English, translate it to natural English.
- Remove filler and hesitation words (um, uh, you know, like) while keeping every essential detail.
- Never add content the speaker did not say.
- Output ONLY the rewritten text, with no commentary.`

type ChatClient interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Result is the refinement outcome. Degraded marks the fail-open path where
// Prompt is the untouched input transcript.
type Result struct {
	Prompt   string
	Degraded bool
	Cause    error
}

type Service struct {
	client       ChatClient
	defaultModel string
	timeout      time.Duration
}

func New(client ChatClient, defaultModel string, timeout time.Duration) *Service {
	return &Service{
		client:       client,
		defaultModel: strings.TrimSpace(defaultModel),
		timeout:      timeout,
	}
}

// Refine normalizes a transcript into an instruction prompt. It never fails
// the request: backend errors and whitespace-only completions fall open to
// the original transcript.
func (s *Service) Refine(ctx context.Context, transcript string) Result {
	if strings.TrimSpace(transcript) == "" {
		return Result{Prompt: transcript}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.defaultModel,
		Temperature: 0.0,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		return Result{Prompt: transcript, Degraded: true, Cause: err}
	}

	refined := strings.TrimSpace(resp.Content)
	if refined == "" {
		return Result{Prompt: transcript, Degraded: true, Cause: errors.New("empty refinement output")}
	}
	return Result{Prompt: refined}
}
