// Package identity builds the mTLS client configuration the Upstream
// Adapter dials the provider with, sourced from a SPIFFE Workload API
// endpoint rather than a file on disk, so the gateway's own identity
// (and the certificate pool it trusts) rotates automatically as SPIRE
// reissues SVIDs.
//
// Adapted from the teacher's internal/identity.SPIFFEVerifier, cut
// down to the one thing internal/upstream needs: an mTLS *tls.Config
// built from the workload X.509 source. The teacher's SVID-hash
// verification and per-agent SPIFFE-ID generation served a multi-agent
// trust model with no analogue here, so they are dropped rather than
// carried along unused.
package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SPIFFESource holds an open connection to the local Workload API and
// produces mTLS configs from it.
type SPIFFESource struct {
	source *workloadapi.X509Source
}

// Dial connects to the Workload API at socketPath and fetches an
// initial X.509 SVID. A short timeout keeps a misconfigured or absent
// SPIRE agent from hanging gatewayd's startup indefinitely.
func Dial(socketPath string) (*SPIFFESource, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE workload API at %s: %w", socketPath, err)
	}
	return &SPIFFESource{source: source}, nil
}

// TLSConfig returns an mTLS client config presenting the gateway's own
// SVID and trusting any peer SVID issued by the same trust domain's
// bundle. internal/upstream hands this straight to its http.Transport.
func (s *SPIFFESource) TLSConfig() *tls.Config {
	return tlsconfig.MTLSClientConfig(s.source, s.source, tlsconfig.AuthorizeAny())
}

// Close releases the Workload API connection.
func (s *SPIFFESource) Close() error {
	return s.source.Close()
}
