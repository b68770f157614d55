package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeviceInterface is GUID_BTHPORT_DEVICE_INTERFACE, exposed by every host radio.
var DeviceInterface = uuid.MustParse("0850302a-b344-4fda-9be9-90576b8d46f0")

// DefaultTimeout bounds a single restart attempt.
const DefaultTimeout = 30 * time.Second

var (
	ErrNoRadio        = errors.New("no bluetooth host radio found")
	ErrRestartTimeout = errors.New("timed out waiting for the host radio to come back online")
)

// State is derived live from radio enumeration and never persisted.
type State int

const (
	Unavailable State = iota
	Available
)

func (s State) String() string {
	if s == Available {
		return "available"
	}
	return "unavailable"
}

// Subscription is a registered device arrival listener.
type Subscription interface {
	Unsubscribe() error
}

// Lifecycle controls the host radio and its local services. All methods
// block until the operating system has accepted the change.
type Lifecycle interface {
	Available() bool
	Restart() error
	EnableRadio() error
	DisableRadio() error
	EnableService(service uuid.UUID, name string) error
	DisableService(service uuid.UUID, name string) error
	// OnDeviceArrived calls fn when a device exposing iface arrives. fn may
	// be called from another goroutine and more than once.
	OnDeviceArrived(iface uuid.UUID, fn func(symlink string)) (Subscription, error)
}

// Info describes the host radio device node.
type Info struct {
	Present      bool
	Started      bool
	DriverLoaded bool
	Problem      bool
	Interfaces   []string // live GUID_BTHPORT_DEVICE_INTERFACE paths
}

// StateOf samples the current radio state.
func StateOf(l Lifecycle) State {
	if l.Available() {
		return Available
	}
	return Unavailable
}

// AwaitOptions tunes RestartAndAwait.
// A zero Timeout means DefaultTimeout and a nil After means time.After.
type AwaitOptions struct {
	Timeout time.Duration
	After   func(time.Duration) <-chan time.Time
	Log     *slog.Logger
}

// RestartAndAwait restarts the radio and blocks until its device interface
// arrives again, the timeout expires or ctx is done. The arrival listener is
// registered before the restart and removed on every return path.
func RestartAndAwait(ctx context.Context, l Lifecycle, opts AwaitOptions) (string, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.After == nil {
		opts.After = time.After
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	arrived := make(chan string, 1)
	var once sync.Once
	sub, err := l.OnDeviceArrived(DeviceInterface, func(symlink string) {
		once.Do(func() { arrived <- symlink })
	})
	if err != nil {
		return "", fmt.Errorf("register radio arrival: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.LogAttrs(ctx, slog.LevelWarn, "unregister radio arrival", slog.Any("err", err))
		}
	}()

	log.LogAttrs(ctx, slog.LevelInfo, "restarting radio device")
	if err := l.Restart(); err != nil {
		return "", fmt.Errorf("restart radio: %w", err)
	}
	log.LogAttrs(ctx, slog.LevelInfo, "waiting for radio device to come online", slog.Duration("timeout", opts.Timeout))

	select {
	case symlink := <-arrived:
		log.LogAttrs(ctx, slog.LevelInfo, "radio arrival event", slog.String("path", symlink))
		if !l.Available() {
			log.LogAttrs(ctx, slog.LevelWarn, "radio not available after wait period")
		} else {
			log.LogAttrs(ctx, slog.LevelInfo, "radio available after restart")
		}
		return symlink, nil
	case <-opts.After(opts.Timeout):
		return "", ErrRestartTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
