package execute

import (
	"context"
	"errors"
	"strings"
	"time"

	"voicepipe/internal/upstream/openai"
)

// ErrorMarker prefixes failure text that is delivered as content instead of
// an HTTP fault. By this stage the transcript and prompt are already worth
// returning, so execution failures degrade rather than abort.
const ErrorMarker = "[error]"

type Client interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, req openai.ChatCompletionRequest, onDelta func(delta string) error) error
}

type FragmentKind int

const (
	FragmentChunk FragmentKind = iota
	FragmentEnd
	FragmentError
)

// Fragment is one element of a streamed execution: a text chunk, a clean
// end, or a terminal error. Error never follows End.
type Fragment struct {
	Kind FragmentKind
	Text string
	Err  error
}

type Service struct {
	client        Client
	timeout       time.Duration
	streamTimeout time.Duration
}

func New(client Client, timeout, streamTimeout time.Duration) *Service {
	return &Service{
		client:        client,
		timeout:       timeout,
		streamTimeout: streamTimeout,
	}
}

// Run executes the prompt and returns the full completion. A backend failure
// yields a visible marker string, never an error.
func (s *Service) Run(ctx context.Context, model, prompt string) string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0.0,
		Messages: []openai.ChatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return ErrorMarker + " " + describe(err)
	}
	return strings.TrimSpace(resp.Content)
}

// RunStream executes the prompt as an incremental completion. The returned
// channel delivers chunks in order and terminates with exactly one End or
// Error fragment; it is closed afterwards. A disconnected consumer (context
// cancellation) stops the upstream pull.
func (s *Service) RunStream(parent context.Context, model, prompt string) <-chan Fragment {
	out := make(chan Fragment)

	go func() {
		defer close(out)

		ctx, cancel := context.WithTimeout(parent, s.streamTimeout)
		defer cancel()

		err := s.client.StreamChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Temperature: 0.0,
			Messages: []openai.ChatMessage{
				{Role: "user", Content: prompt},
			},
		}, func(delta string) error {
			select {
			case out <- Fragment{Kind: FragmentChunk, Text: delta}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		// Terminal fragments bail out only against the parent context: when
		// the derived stream deadline fires, its Done is already closed and
		// selecting on it would race away the Error fragment the consumer
		// is still waiting for.
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Consumer is gone; nobody is reading the channel.
				return
			}
			select {
			case out <- Fragment{Kind: FragmentError, Err: err}:
			case <-parent.Done():
			}
			return
		}

		select {
		case out <- Fragment{Kind: FragmentEnd}:
		case <-parent.Done():
		}
	}()

	return out
}

func describe(err error) string {
	var upstreamErr *openai.Error
	if errors.As(err, &upstreamErr) && upstreamErr.Body != "" {
		return err.Error() + ": " + upstreamErr.Body
	}
	return err.Error()
}
