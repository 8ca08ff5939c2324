package signer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultGracePeriod is how long a provider waits for a capability that
	// attaches after startup.
	DefaultGracePeriod = 500 * time.Millisecond

	// DefaultKeyFile is where keygen writes and where the key file provider
	// looks when no path is configured.
	DefaultKeyFile = "~/.herald/key"
)

const defaultPollInterval = 50 * time.Millisecond

// KeyFileProvider detects a signer from a key file. The file may appear after
// the process starts (for example when a user runs "herald keygen" in another
// shell), so detection polls for up to GracePeriod before giving up.
type KeyFileProvider struct {
	Path         string
	GracePeriod  time.Duration
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Detect implements Provider.
func (p *KeyFileProvider) Detect(ctx context.Context) (Signer, bool) {
	path, err := expandHome(p.Path)
	if err != nil || path == "" {
		return nil, false
	}

	interval := p.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	deadline := time.NewTimer(p.GracePeriod)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s, retry := p.load(path)
		if s != nil {
			return s, true
		}
		if !retry {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			p.Logger.Debug().Str("path", path).Msg("No key file within grace period")
			return nil, false
		case <-ticker.C:
		}
	}
}

// load returns the signer, or whether it is worth polling again.
func (p *KeyFileProvider) load(path string) (Signer, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, true
		}
		p.Logger.Debug().Err(err).Str("path", path).Msg("Failed to read key file")
		return nil, false
	}

	s, err := NewKeySigner(firstLine(string(data)))
	if err != nil {
		p.Logger.Debug().Err(err).Str("path", path).Msg("Key file does not hold a usable key")
		return nil, false
	}
	return s, true
}

// EnvProvider detects a signer from a secret key held in an environment variable.
type EnvProvider struct {
	Var    string
	Logger zerolog.Logger

	// lookup overrides os.LookupEnv in tests
	lookup func(string) (string, bool)
}

// Detect implements Provider.
func (p *EnvProvider) Detect(ctx context.Context) (Signer, bool) {
	if p.Var == "" {
		return nil, false
	}

	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	value, ok := lookup(p.Var)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, false
	}

	s, err := NewKeySigner(value)
	if err != nil {
		p.Logger.Debug().Err(err).Str("var", p.Var).Msg("Environment key is not usable")
		return nil, false
	}
	return s, true
}

// Chain tries each provider in order and returns the first detected signer.
type Chain []Provider

// Detect implements Provider.
func (c Chain) Detect(ctx context.Context) (Signer, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if s, ok := p.Detect(ctx); ok {
			return s, true
		}
	}
	return nil, false
}

// Static always yields the same result. A nil Signer means "none".
type Static struct {
	Signer Signer
}

// Detect implements Provider.
func (s Static) Detect(ctx context.Context) (Signer, bool) {
	return s.Signer, s.Signer != nil
}

// WriteKeyFile stores the signer's nsec at path with owner-only permissions.
func WriteKeyFile(path string, s *KeySigner) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	nsec, err := s.NSec()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(nsec+"\n"), 0600)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
