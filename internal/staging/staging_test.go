package staging

import (
	"io"
	"os"
	"strings"
	"testing"
)

func TestSuffixFor(t *testing.T) {
	cases := map[string]string{
		"audio/webm":             ".webm",
		"AUDIO/WEBM;codecs=opus": ".webm",
		" audio/webm ":           ".webm",
		"audio/ogg":              ".wav",
		"application/foo":        ".wav",
		"":                       ".wav",
	}
	for in, want := range cases {
		if got := suffixFor(in); got != want {
			t.Fatalf("suffixFor(%q): got %q want %q", in, got, want)
		}
	}
}

func TestStageSupportsRepeatedReads(t *testing.T) {
	s := New(t.TempDir())

	up, err := s.Stage(strings.NewReader("audio-bytes"), "audio/webm")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	defer up.Release()

	if !strings.HasSuffix(up.Name(), ".webm") {
		t.Fatalf("unexpected staged name: %q", up.Name())
	}

	for i := 0; i < 2; i++ {
		r, err := up.Open()
		if err != nil {
			t.Fatalf("Open() attempt %d error = %v", i+1, err)
		}
		body, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			t.Fatalf("read attempt %d error = %v", i+1, err)
		}
		if string(body) != "audio-bytes" {
			t.Fatalf("attempt %d read %q", i+1, body)
		}
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := New(t.TempDir())

	up, err := s.Stage(strings.NewReader("x"), "audio/wav")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	up.Release()
	if _, err := os.Stat(up.path); !os.IsNotExist(err) {
		t.Fatalf("staged file still present after Release: %v", err)
	}
	// Second release of a gone file must be a no-op.
	up.Release()
}

func TestStageFailsOnUnwritableDir(t *testing.T) {
	s := New("/nonexistent-dir-for-staging-test")

	if _, err := s.Stage(strings.NewReader("x"), "audio/webm"); err == nil {
		t.Fatal("expected error staging into missing directory")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestStageRemovesFileOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if _, err := s.Stage(failingReader{}, "audio/webm"); err == nil {
		t.Fatal("expected error from failing payload reader")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover files, found %d", len(entries))
	}
}
