//go:build !windows

package radio

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

var _ Lifecycle = (*HostRadio)(nil)

// HostRadio is unavailable on this platform. Every operation fails with
// errors.ErrUnsupported and no radio is ever present.
type HostRadio struct {
	Log *slog.Logger
}

func NewHost(log *slog.Logger) *HostRadio { return &HostRadio{Log: log} }

func (r *HostRadio) Available() bool     { return false }
func (r *HostRadio) Restart() error      { return errors.ErrUnsupported }
func (r *HostRadio) EnableRadio() error  { return errors.ErrUnsupported }
func (r *HostRadio) DisableRadio() error { return errors.ErrUnsupported }

func (r *HostRadio) EnableService(uuid.UUID, string) error  { return errors.ErrUnsupported }
func (r *HostRadio) DisableService(uuid.UUID, string) error { return errors.ErrUnsupported }

func (r *HostRadio) Info() (Info, error) { return Info{}, errors.ErrUnsupported }

func (r *HostRadio) OnDeviceArrived(uuid.UUID, func(string)) (Subscription, error) {
	return nil, errors.ErrUnsupported
}
