package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/common/logger"
)

// Provider supplies the gateway connection port and shared auth token.
//
// The gateway can generate or rotate the token during its own startup, so
// Token must return a fresh value on each call rather than a cached one.
type Provider interface {
	Token() string
	Port() int
}

// FileProvider reads the token from the gateway's token file on every call
// and reports rotations observed via fsnotify.
type FileProvider struct {
	cfg    *Config
	logger *logger.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	rotated chan struct{}
}

// NewFileProvider creates a Provider backed by the configured token file.
func NewFileProvider(cfg *Config, log *logger.Logger) *FileProvider {
	return &FileProvider{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "config-provider")),
		rotated: make(chan struct{}, 1),
	}
}

// Token reads the token file fresh. A missing or unreadable file yields an
// empty token, which the protocol client sends as an empty auth object.
func (p *FileProvider) Token() string {
	data, err := os.ReadFile(p.cfg.Gateway.TokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Port returns the configured gateway port.
func (p *FileProvider) Port() int {
	return p.cfg.Gateway.Port
}

// Rotated signals whenever the token file changes on disk. The channel has a
// buffer of one; consumers that miss intermediate rotations still observe the
// latest one.
func (p *FileProvider) Rotated() <-chan struct{} {
	return p.rotated
}

// Watch begins observing the token file's directory for rotations until ctx
// is cancelled. Watching the directory rather than the file survives the
// write-rename pattern the gateway uses when it regenerates the token.
func (p *FileProvider) Watch(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(p.cfg.Gateway.TokenFile)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	p.watcher = watcher

	tokenName := filepath.Base(p.cfg.Gateway.TokenFile)
	go func() {
		defer func() {
			_ = watcher.Close()
			p.mu.Lock()
			p.watcher = nil
			p.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != tokenName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				p.logger.Debug("token file changed", zap.String("op", event.Op.String()))
				select {
				case p.rotated <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("token watch error", zap.Error(err))
			}
		}
	}()
	return nil
}

// StaticProvider returns fixed values; used by tests as a fake collaborator.
type StaticProvider struct {
	TokenValue string
	PortValue  int
}

// Token returns the fixed token.
func (s *StaticProvider) Token() string { return s.TokenValue }

// Port returns the fixed port.
func (s *StaticProvider) Port() int { return s.PortValue }
