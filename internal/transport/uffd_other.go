//go:build !linux

package transport

// UFFD is a stub on non-Linux platforms; userfaultfd(2) is Linux-only.
type UFFD struct{}

// NewUFFD always fails on non-Linux platforms.
func NewUFFD() (*UFFD, error) {
	return nil, ErrUnsupported
}

// Available always reports false on non-Linux platforms.
func Available() bool { return false }

func (t *UFFD) Reserve(addr uintptr, capacity uint64, fixed, readOnly bool) (uintptr, error) {
	return 0, ErrUnsupported
}

func (t *UFFD) Bind(base uintptr, capacity uint64, deliver Deliver) error { return ErrUnsupported }

func (t *UFFD) PopulateWP(dst uintptr, src []byte) error { return ErrUnsupported }

func (t *UFFD) WriteProtect(addr uintptr, length uint64, protect bool) error {
	return ErrUnsupported
}

func (t *UFFD) Wake(addr uintptr, length uint64) error { return ErrUnsupported }

func (t *UFFD) Unmap(addr uintptr, length uint64) error { return ErrUnsupported }

func (t *UFFD) Bytes() []byte { return nil }

func (t *UFFD) Touch(addr uintptr, length uint64, write bool) error { return ErrUnsupported }

func (t *UFFD) Close() error { return ErrUnsupported }

var _ Transport = (*UFFD)(nil)
