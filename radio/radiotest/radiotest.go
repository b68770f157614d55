// Package radiotest provides an in-memory radio.Lifecycle for tests.
package radiotest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/malivvan/bthps3/radio"
)

// DefaultSymlink is reported to arrival listeners unless Fake.Symlink is set.
const DefaultSymlink = `\\?\USB#VID_0A12&PID_0001#5&2a8b1234&0&2#{0850302a-b344-4fda-9be9-90576b8d46f0}`

var _ radio.Lifecycle = (*Fake)(nil)

// Fake records every lifecycle call. Restart fires arrival listeners
// synchronously unless OnRestart says otherwise.
type Fake struct {
	mu sync.Mutex

	Present bool
	Symlink string

	// OnRestart scripts the n-th restart (starting at 1). A nil hook fires
	// arrival once and succeeds.
	OnRestart func(n int) (fire int, err error)

	EnableRadioErr    error
	DisableRadioErr   error
	EnableServiceErr  error
	DisableServiceErr error
	SubscribeErr      error
	UnsubscribeErr    error

	Calls        []string
	Restarts     int
	Unsubscribed int

	listeners map[int]func(string)
	nextID    int
}

func (f *Fake) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Present
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	f.mu.Unlock()
}

func (f *Fake) Restart() error {
	f.mu.Lock()
	f.Calls = append(f.Calls, "restart")
	f.Restarts++
	n := f.Restarts
	hook := f.OnRestart
	f.mu.Unlock()

	fire, err := 1, error(nil)
	if hook != nil {
		fire, err = hook(n)
	}
	if err != nil {
		return err
	}
	f.Fire(fire)
	return nil
}

// Fire delivers n arrival events to every listener.
func (f *Fake) Fire(n int) {
	f.mu.Lock()
	symlink := f.Symlink
	if symlink == "" {
		symlink = DefaultSymlink
	}
	fns := make([]func(string), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for range n {
		for _, fn := range fns {
			fn(symlink)
		}
	}
}

func (f *Fake) EnableRadio() error {
	f.record("enableRadio")
	return f.EnableRadioErr
}

func (f *Fake) DisableRadio() error {
	f.record("disableRadio")
	return f.DisableRadioErr
}

func (f *Fake) EnableService(uuid.UUID, string) error {
	f.record("enableService")
	return f.EnableServiceErr
}

func (f *Fake) DisableService(uuid.UUID, string) error {
	f.record("disableService")
	return f.DisableServiceErr
}

func (f *Fake) OnDeviceArrived(_ uuid.UUID, fn func(string)) (radio.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	if f.listeners == nil {
		f.listeners = make(map[int]func(string))
	}
	f.nextID++
	f.listeners[f.nextID] = fn
	return &subscription{f: f, id: f.nextID}, nil
}

// Listeners returns the number of registered arrival listeners.
func (f *Fake) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

type subscription struct {
	f  *Fake
	id int
}

func (s *subscription) Unsubscribe() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	delete(s.f.listeners, s.id)
	s.f.Unsubscribed++
	return s.f.UnsubscribeErr
}
