package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/common/logger"
)

func newProviderFixture(t *testing.T) (*FileProvider, string) {
	t.Helper()
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "gateway.token")
	cfg := &Config{Gateway: GatewayConfig{TokenFile: tokenFile, Port: 18789}}
	return NewFileProvider(cfg, logger.Default()), tokenFile
}

func TestTokenReadFreshEachCall(t *testing.T) {
	p, tokenFile := newProviderFixture(t)

	assert.Empty(t, p.Token(), "missing file yields empty token")

	require.NoError(t, os.WriteFile(tokenFile, []byte("  first-token \n"), 0o600))
	assert.Equal(t, "first-token", p.Token())

	// The gateway rotates the token; the next read sees the new value
	// without any cache invalidation step.
	require.NoError(t, os.WriteFile(tokenFile, []byte("second-token"), 0o600))
	assert.Equal(t, "second-token", p.Token())
}

func TestPort(t *testing.T) {
	p, _ := newProviderFixture(t)
	assert.Equal(t, 18789, p.Port())
}

func TestWatchSignalsRotation(t *testing.T) {
	p, tokenFile := newProviderFixture(t)
	require.NoError(t, os.WriteFile(tokenFile, []byte("initial"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx))
	// Watch is idempotent.
	require.NoError(t, p.Watch(ctx))

	require.NoError(t, os.WriteFile(tokenFile, []byte("rotated"), 0o600))

	select {
	case <-p.Rotated():
	case <-time.After(3 * time.Second):
		t.Fatal("rotation never signalled")
	}
	assert.Equal(t, "rotated", p.Token())
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	p, tokenFile := newProviderFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx))

	other := filepath.Join(filepath.Dir(tokenFile), "unrelated.txt")
	require.NoError(t, os.WriteFile(other, []byte("noise"), 0o600))

	select {
	case <-p.Rotated():
		t.Fatal("unrelated file must not signal rotation")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchSurvivesWriteRename(t *testing.T) {
	p, tokenFile := newProviderFixture(t)
	require.NoError(t, os.WriteFile(tokenFile, []byte("old"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx))

	// Write-rename, the pattern the gateway uses when regenerating.
	tmp := tokenFile + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("new"), 0o600))
	require.NoError(t, os.Rename(tmp, tokenFile))

	select {
	case <-p.Rotated():
	case <-time.After(3 * time.Second):
		t.Fatal("rename rotation never signalled")
	}
	assert.Equal(t, "new", p.Token())
}

func TestStaticProvider(t *testing.T) {
	p := &StaticProvider{TokenValue: "tok", PortValue: 1234}
	assert.Equal(t, "tok", p.Token())
	assert.Equal(t, 1234, p.Port())
}
