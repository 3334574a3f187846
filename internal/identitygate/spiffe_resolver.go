package identitygate

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SPIFFEDecorator wraps another Resolver and additionally requires the
// engine's own SPIRE workload API source to yield an X.509 SVID on every
// lookup. When no SVID can be fetched, the lookup is downgraded to
// FingerprintError regardless of what the wrapped resolver reports. It does
// not inspect or verify any SVID presented by the caller.
type SPIFFEDecorator struct {
	inner  Resolver
	source *workloadapi.X509Source
}

// NewSPIFFEDecorator connects to the SPIRE agent at socketPath and wraps
// inner with the additional SVID check.
func NewSPIFFEDecorator(inner Resolver, socketPath string) (*SPIFFEDecorator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("identity: connect to SPIRE at %s: %w", socketPath, err)
	}

	slog.Info("identity: spiffe decorator connected", "socket_path", socketPath)
	return &SPIFFEDecorator{inner: inner, source: source}, nil
}

// Resolve defers to the inner resolver and additionally fetches the current
// SVID to confirm the workload identity socket is still healthy; a broken
// SPIRE connection converts any inner result into FingerprintError since the
// deployment configured SPIFFE as mandatory.
func (d *SPIFFEDecorator) Resolve(ctx context.Context, clientAddress string) (string, error) {
	fingerprint, err := d.inner.Resolve(ctx, clientAddress)
	if err != nil {
		return fingerprint, err
	}

	svid, err := d.source.GetX509SVID()
	if err != nil {
		slog.Error("identity: spiffe svid unavailable", "error", err)
		return FingerprintError, err
	}

	hash := sha256.Sum256(svid.Certificates[0].Raw)
	slog.Debug("identity: spiffe svid verified", "spiffe_id", svid.ID.String(), "hash", fmt.Sprintf("%x", hash[:8]))

	return fingerprint, nil
}

func (d *SPIFFEDecorator) Close() error { return d.source.Close() }
