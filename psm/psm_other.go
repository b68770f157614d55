//go:build !windows

package psm

import "errors"

// OpenDevice always fails; the filter driver only exists on windows.
func OpenDevice(path string) (Device, error) {
	return nil, errors.ErrUnsupported
}
