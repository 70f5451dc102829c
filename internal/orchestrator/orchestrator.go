package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// BrowserOrchestrator runs the headless browser containers that host messaging
// sessions. Each session gets one browser addressed by name and a profile
// volume that survives DeleteBrowser so a restarted session can reuse its
// pairing.
type BrowserOrchestrator interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	BackendName() string

	// EnsureBrowser creates or starts the browser and returns its automation
	// endpoint as host:port once it is reachable.
	EnsureBrowser(ctx context.Context, name string) (string, error)
	DeleteBrowser(ctx context.Context, name string) error
	GetBrowserStatus(ctx context.Context, name string) (string, error)
}

var ErrNoBackend = errors.New("no browser backend available")

const (
	labelManagedBy = "wagate"
	profileMount   = "/data/profile"
)

// BrowserName derives a container-safe name from a session seed. The seed
// carries the instance token, so only a digest of it is exposed.
func BrowserName(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return "wa-" + hex.EncodeToString(sum[:8])
}

// Active forwards to whichever backend is registered at call time.
type Active struct{}

func (Active) EnsureBrowser(ctx context.Context, name string) (string, error) {
	o := Get()
	if o == nil {
		return "", ErrNoBackend
	}
	return o.EnsureBrowser(ctx, name)
}

func (Active) DeleteBrowser(ctx context.Context, name string) error {
	o := Get()
	if o == nil {
		return ErrNoBackend
	}
	return o.DeleteBrowser(ctx, name)
}

func (Active) GetBrowserStatus(ctx context.Context, name string) (string, error) {
	o := Get()
	if o == nil {
		return "", ErrNoBackend
	}
	return o.GetBrowserStatus(ctx, name)
}
