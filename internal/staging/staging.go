// Package staging materializes inbound audio payloads as uniquely named
// temporary files so downstream stages can re-read them.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type Stager struct {
	dir string
}

// Upload is an on-disk staged payload. It is owned by the request that
// created it and must be released exactly once the pipeline is done with it.
type Upload struct {
	path string
}

func New(dir string) *Stager {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Stager{dir: dir}
}

// Stage writes the payload to a fresh temp file. The suffix is chosen from
// the declared content type; it is advisory for the transcription backend,
// not validation.
func (s *Stager) Stage(payload io.Reader, contentType string) (*Upload, error) {
	path := filepath.Join(s.dir, "voicepipe-"+uuid.NewString()+suffixFor(contentType))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged upload: %w", err)
	}
	if _, err := io.Copy(f, payload); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write staged upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close staged upload: %w", err)
	}
	return &Upload{path: path}, nil
}

// Open returns a fresh reader over the staged payload. Each transcription
// attempt opens its own reader.
func (u *Upload) Open() (io.ReadCloser, error) {
	return os.Open(u.path)
}

// Name is the base filename, carrying the advisory suffix.
func (u *Upload) Name() string {
	return filepath.Base(u.path)
}

// Release removes the staged file. It is idempotent and never fails on an
// already-removed file; the OS temp dir is the backstop for anything a
// failed remove leaves behind.
func (u *Upload) Release() {
	_ = os.Remove(u.path)
}

func suffixFor(contentType string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "audio/webm") {
		return ".webm"
	}
	return ".wav"
}
