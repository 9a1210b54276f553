// Package pipeline composes the voice-to-answer stages: stage the upload,
// transcribe it, refine the transcript, execute the prompt. Staging and
// transcription failures abort the request; refinement and execution degrade
// in place.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"

	"voicepipe/internal/execute"
	"voicepipe/internal/refine"
	"voicepipe/internal/staging"
	"voicepipe/internal/transcription"
)

type Stager interface {
	Stage(payload io.Reader, contentType string) (*staging.Upload, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio transcription.Audio) (transcription.Result, error)
}

type Refiner interface {
	Refine(ctx context.Context, transcript string) refine.Result
}

type Executor interface {
	Run(ctx context.Context, model, prompt string) string
	RunStream(ctx context.Context, model, prompt string) <-chan execute.Fragment
}

type Service struct {
	stager       Stager
	transcriber  Transcriber
	refiner      Refiner
	executor     Executor
	defaultModel string
}

type ProcessInput struct {
	Audio       io.Reader
	ContentType string
	Model       string
}

type Result struct {
	Raw      string
	Refined  string
	Response string

	TranscriptionSource transcription.Source
	RefinementDegraded  bool
}

// StreamResult carries the metadata fixed before streaming begins plus the
// lazy fragment sequence. Fragments is finite and closed by the producer.
type StreamResult struct {
	Raw       string
	Refined   string
	Fragments <-chan execute.Fragment

	TranscriptionSource transcription.Source
	RefinementDegraded  bool
}

func New(stager Stager, transcriber Transcriber, refiner Refiner, executor Executor, defaultModel string) *Service {
	return &Service{
		stager:       stager,
		transcriber:  transcriber,
		refiner:      refiner,
		executor:     executor,
		defaultModel: strings.TrimSpace(defaultModel),
	}
}

// Process runs the buffered flow.
func (s *Service) Process(ctx context.Context, in ProcessInput) (Result, error) {
	raw, refined, source, degraded, err := s.prepare(ctx, in)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Raw:                 raw,
		Refined:             refined,
		Response:            s.executor.Run(ctx, s.model(in.Model), refined),
		TranscriptionSource: source,
		RefinementDegraded:  degraded,
	}, nil
}

// ProcessStream runs the streamed flow. The staged upload is released before
// this returns; execution only needs the refined prompt.
func (s *Service) ProcessStream(ctx context.Context, in ProcessInput) (StreamResult, error) {
	raw, refined, source, degraded, err := s.prepare(ctx, in)
	if err != nil {
		return StreamResult{}, err
	}

	return StreamResult{
		Raw:                 raw,
		Refined:             refined,
		Fragments:           s.executor.RunStream(ctx, s.model(in.Model), refined),
		TranscriptionSource: source,
		RefinementDegraded:  degraded,
	}, nil
}

// prepare covers the stages both flows share: stage, transcribe, refine.
// The upload lives exactly as long as this call, on every path.
func (s *Service) prepare(ctx context.Context, in ProcessInput) (raw, refined string, source transcription.Source, degraded bool, err error) {
	upload, err := s.stager.Stage(in.Audio, in.ContentType)
	if err != nil {
		return "", "", "", false, fmt.Errorf("stage upload: %w", err)
	}
	defer upload.Release()

	transcript, err := s.transcriber.Transcribe(ctx, upload)
	if err != nil {
		return "", "", "", false, err
	}

	refinement := s.refiner.Refine(ctx, transcript.Text)
	return transcript.Text, refinement.Prompt, transcript.Source, refinement.Degraded, nil
}

func (s *Service) model(requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	return s.defaultModel
}
