package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"voicepipe/internal/execute"
	"voicepipe/internal/refine"
	"voicepipe/internal/staging"
	"voicepipe/internal/transcription"
)

type fakeTranscriber struct {
	result transcription.Result
	err    error
	body   string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio transcription.Audio) (transcription.Result, error) {
	r, err := audio.Open()
	if err != nil {
		return transcription.Result{}, err
	}
	defer r.Close()
	body, _ := io.ReadAll(r)
	f.body = string(body)
	return f.result, f.err
}

type fakeRefiner struct {
	result refine.Result
	input  string
}

func (f *fakeRefiner) Refine(_ context.Context, transcript string) refine.Result {
	f.input = transcript
	if f.result.Prompt == "" && !f.result.Degraded {
		return refine.Result{Prompt: transcript}
	}
	return f.result
}

type fakeExecutor struct {
	response  string
	fragments []execute.Fragment
	model     string
	prompt    string
	runCalls  int
}

func (f *fakeExecutor) Run(_ context.Context, model, prompt string) string {
	f.runCalls++
	f.model = model
	f.prompt = prompt
	return f.response
}

func (f *fakeExecutor) RunStream(_ context.Context, model, prompt string) <-chan execute.Fragment {
	f.model = model
	f.prompt = prompt
	out := make(chan execute.Fragment, len(f.fragments))
	for _, frag := range f.fragments {
		out <- frag
	}
	close(out)
	return out
}

func newTestService(t *testing.T, tr *fakeTranscriber, rf *fakeRefiner, ex *fakeExecutor) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	return New(staging.New(dir), tr, rf, ex, "gpt-4o-mini"), dir
}

func stagedFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	return len(entries)
}

func TestProcessHappyPath(t *testing.T) {
	tr := &fakeTranscriber{result: transcription.Result{Text: "turn on the lights", Source: transcription.SourceTranslation}}
	rf := &fakeRefiner{}
	ex := &fakeExecutor{response: "Lights turned on."}
	svc, dir := newTestService(t, tr, rf, ex)

	res, err := svc.Process(context.Background(), ProcessInput{
		Audio:       strings.NewReader("audio-bytes"),
		ContentType: "audio/webm",
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Raw != "turn on the lights" || res.Refined != "turn on the lights" || res.Response != "Lights turned on." {
		t.Fatalf("unexpected result: %+v", res)
	}
	if tr.body != "audio-bytes" {
		t.Fatalf("transcriber read %q from staged upload", tr.body)
	}
	if ex.model != "gpt-4o-mini" {
		t.Fatalf("default model not applied: %q", ex.model)
	}
	if n := stagedFiles(t, dir); n != 0 {
		t.Fatalf("staged upload not released, %d files remain", n)
	}
}

func TestProcessUsesRequestedModel(t *testing.T) {
	tr := &fakeTranscriber{result: transcription.Result{Text: "hi"}}
	ex := &fakeExecutor{response: "ok"}
	svc, _ := newTestService(t, tr, &fakeRefiner{}, ex)

	_, err := svc.Process(context.Background(), ProcessInput{
		Audio: strings.NewReader("a"),
		Model: " gpt-4o ",
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if ex.model != "gpt-4o" {
		t.Fatalf("requested model not applied: %q", ex.model)
	}
}

func TestProcessAbortsOnTranscriptionFailure(t *testing.T) {
	tr := &fakeTranscriber{err: errors.New("both tiers failed")}
	ex := &fakeExecutor{}
	svc, dir := newTestService(t, tr, &fakeRefiner{}, ex)

	_, err := svc.Process(context.Background(), ProcessInput{Audio: strings.NewReader("a")})
	if err == nil {
		t.Fatal("expected fatal error from transcription")
	}
	if ex.runCalls != 0 {
		t.Fatal("execution must not run after a fatal transcription failure")
	}
	if n := stagedFiles(t, dir); n != 0 {
		t.Fatalf("staged upload not released on error path, %d files remain", n)
	}
}

func TestProcessForwardsDegradedRefinement(t *testing.T) {
	tr := &fakeTranscriber{result: transcription.Result{Text: "raw text", Source: transcription.SourceFallback}}
	rf := &fakeRefiner{result: refine.Result{Prompt: "raw text", Degraded: true, Cause: errors.New("boom")}}
	ex := &fakeExecutor{response: "answer"}
	svc, _ := newTestService(t, tr, rf, ex)

	res, err := svc.Process(context.Background(), ProcessInput{Audio: strings.NewReader("a")})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !res.RefinementDegraded {
		t.Fatal("degraded refinement not reported")
	}
	if res.TranscriptionSource != transcription.SourceFallback {
		t.Fatalf("unexpected source: %q", res.TranscriptionSource)
	}
	if ex.prompt != "raw text" {
		t.Fatalf("execution should receive the fail-open prompt, got %q", ex.prompt)
	}
}

func TestProcessStreamFixesMetadataBeforeFragments(t *testing.T) {
	tr := &fakeTranscriber{result: transcription.Result{Text: "turn on the lights", Source: transcription.SourceTranslation}}
	ex := &fakeExecutor{fragments: []execute.Fragment{
		{Kind: execute.FragmentChunk, Text: "Lights "},
		{Kind: execute.FragmentChunk, Text: "on."},
		{Kind: execute.FragmentEnd},
	}}
	svc, dir := newTestService(t, tr, &fakeRefiner{}, ex)

	res, err := svc.ProcessStream(context.Background(), ProcessInput{Audio: strings.NewReader("a")})
	if err != nil {
		t.Fatalf("ProcessStream() error = %v", err)
	}

	// Metadata is complete before any fragment is consumed, and the upload
	// is already released.
	if res.Raw != "turn on the lights" || res.Refined != "turn on the lights" {
		t.Fatalf("unexpected metadata: %+v", res)
	}
	if n := stagedFiles(t, dir); n != 0 {
		t.Fatalf("staged upload should be released before streaming, %d files remain", n)
	}

	var text strings.Builder
	deadline := time.After(2 * time.Second)
	for {
		var frag execute.Fragment
		var ok bool
		select {
		case frag, ok = <-res.Fragments:
		case <-deadline:
			t.Fatal("timed out draining fragments")
		}
		if !ok {
			break
		}
		if frag.Kind == execute.FragmentChunk {
			text.WriteString(frag.Text)
		}
	}
	if text.String() != "Lights on." {
		t.Fatalf("unexpected streamed text: %q", text.String())
	}
}

func TestProcessStreamAbortsOnTranscriptionFailure(t *testing.T) {
	tr := &fakeTranscriber{err: errors.New("nope")}
	svc, dir := newTestService(t, tr, &fakeRefiner{}, &fakeExecutor{})

	if _, err := svc.ProcessStream(context.Background(), ProcessInput{Audio: strings.NewReader("a")}); err == nil {
		t.Fatal("expected fatal error")
	}
	if n := stagedFiles(t, dir); n != 0 {
		t.Fatalf("staged upload not released, %d files remain", n)
	}
}
