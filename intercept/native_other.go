//go:build !linux || !amd64

package intercept

import "github.com/pkg/errors"

// Native is unavailable here; every call fails with ErrUnsupported.
type Native struct{}

func NewNative(...Option) *Native {
	return &Native{}
}

func (*Native) Install(target, _ uintptr) (uintptr, error) {
	return 0, errors.Wrapf(ErrUnsupported, "target %s", hex(target))
}

func (*Native) Redirect(target, _ uintptr) error {
	return errors.Wrapf(ErrUnsupported, "target %s", hex(target))
}

func (*Native) Remove(target uintptr) error {
	return errors.Wrapf(ErrUnsupported, "target %s", hex(target))
}
