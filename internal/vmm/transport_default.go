package vmm

import "github.com/karimyoussef91/privateer/internal/transport"

// newDefaultTransport selects the real userfaultfd-backed transport. On
// non-Linux platforms this always fails; callers needing a Manager there
// must inject transport.Fake via CreateConfig.Transport/OpenConfig.Transport.
func newDefaultTransport() (transport.Transport, error) {
	return transport.NewUFFD()
}
