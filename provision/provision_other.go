//go:build !windows

package provision

import (
	"errors"

	"github.com/google/uuid"
)

// RegistryFilters is unavailable on this platform.
type RegistryFilters struct{}

func (RegistryFilters) LowerFilters(uuid.UUID) ([]string, error)  { return nil, errors.ErrUnsupported }
func (RegistryFilters) SetLowerFilters(uuid.UUID, []string) error { return errors.ErrUnsupported }

// FileRepository is unavailable on this platform.
type FileRepository struct {
	Root string
}

func (FileRepository) Packages() ([]string, error) { return nil, errors.ErrUnsupported }
func (FileRepository) Remove(string) error         { return errors.ErrUnsupported }

// DiInstaller is unavailable on this platform.
type DiInstaller struct {
	Flags uint32
}

func (DiInstaller) Install(string) (bool, error) { return false, errors.ErrUnsupported }
