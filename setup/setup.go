package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/malivvan/bthps3/config"
	"github.com/malivvan/bthps3/provision"
	"github.com/malivvan/bthps3/psm"
	"github.com/malivvan/bthps3/radio"
)

// State is a step of the install state machine.
type State int

const (
	Start State = iota
	CleanPrior
	InstallFilter
	RegisterFilter
	RestartRadio
	InstallProfileDriver
	InstallNullDriver
	EnableService
	EnablePatch
	Success
	Failure
)

var stateNames = [...]string{
	Start:                "start",
	CleanPrior:           "clean prior install",
	InstallFilter:        "install filter",
	RegisterFilter:       "register filter",
	RestartRadio:         "restart radio",
	InstallProfileDriver: "install profile driver",
	InstallNullDriver:    "install null driver",
	EnableService:        "enable service",
	EnablePatch:          "enable patching",
	Success:              "success",
	Failure:              "failure",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

var (
	ErrNoRadio = radio.ErrNoRadio
	ErrAborted = errors.New("installation aborted by user")
)

// StepError is returned by Install. Its chain carries the failure kind:
// ErrNoRadio, *provision.ProvisioningError, ErrAborted with
// radio.ErrRestartTimeout or psm.ErrDeviceUnavailable.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string { return e.State.String() + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// classify keeps errors that already carry a failure kind and turns raw
// OS errors into provisioning failures.
func classify(s State, err error) error {
	var pe *provision.ProvisioningError
	switch {
	case errors.As(err, &pe),
		errors.Is(err, ErrNoRadio),
		errors.Is(err, ErrAborted),
		errors.Is(err, radio.ErrRestartTimeout),
		errors.Is(err, psm.ErrDeviceUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return provision.Wrap(s.String(), err)
}

// Report describes an install run.
type Report struct {
	State          State // Success or Failure
	RebootRequired bool
	Steps          []State // visited states in order, retries included
}

func (r *Report) enter(s State) { r.Steps = append(r.Steps, s) }

// Strategy installs or removes the driver stack.
type Strategy interface {
	Install(ctx context.Context) (Report, error)
	// Uninstall is best effort: every step runs and failures are only logged.
	Uninstall(ctx context.Context)
}

// Provisioner is the driver provisioning the modern strategy needs.
type Provisioner interface {
	InstallFilter(ctx context.Context, inf string) (bool, error)
	RegisterClassFilter(class uuid.UUID, service string) error
	UnregisterClassFilter(class uuid.UUID, service string) error
	InstallDeviceDriver(ctx context.Context, inf string) (bool, error)
	RemoveAllMatching(substring string) int
}

// PatchSwitch toggles PSM patching in the filter driver.
type PatchSwitch interface {
	SetPatchingEnabled(enabled bool) error
}

// Extras are the optional helpers run around the driver steps.
type Extras interface {
	ImportManifests(ctx context.Context, paths []string) error
	RemoveManifests(ctx context.Context, paths []string) error
	RegisterUpdater(ctx context.Context) error
	DeregisterUpdater(ctx context.Context) error
}

var (
	_ Provisioner = (*provision.Provisioner)(nil)
	_ PatchSwitch = (*psm.Channel)(nil)
	_ Extras      = (*provision.Extras)(nil)
)

// Deps are the collaborators of both strategies.
type Deps struct {
	Radio       radio.Lifecycle
	Provisioner *provision.Provisioner
	Patch       PatchSwitch
	Prompt      Prompter
	Extras      Extras
	Log         *slog.Logger
}

// New selects the modern or legacy strategy by cfg.UseModern.
func New(cfg *config.Config, deps Deps) Strategy {
	paths := cfg.Paths()
	if !cfg.Extras.Manifests {
		paths.Manifests = nil
	}
	if cfg.UseModern {
		return &Modern{
			Radio:       deps.Radio,
			Provisioner: deps.Provisioner,
			Patch:       deps.Patch,
			Prompt:      deps.Prompt,
			Extras:      deps.Extras,
			Paths:       paths,
			Await: radio.AwaitOptions{
				Timeout: time.Duration(cfg.Restart.TimeoutSec) * time.Second,
				Log:     deps.Log,
			},
			Log: deps.Log,
		}
	}
	return &Legacy{
		Radio:  deps.Radio,
		Nefcon: deps.Provisioner.Nefcon,
		Prompt: deps.Prompt,
		Extras: deps.Extras,
		Paths:  paths,
		Log:    deps.Log,
	}
}

// steps carries the logger shared by both strategies.
type steps struct {
	log *slog.Logger
}

func newSteps(log *slog.Logger) steps {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return steps{log: log}
}

// attempt runs a best-effort step. A failure is logged and never returned.
func (s steps) attempt(ctx context.Context, step string, fn func() error) {
	s.log.LogAttrs(ctx, slog.LevelInfo, step)
	if err := fn(); err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, step+" failed", slog.Any("err", err))
		return
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, step+" done")
}

func (s steps) begin(ctx context.Context, name string) {
	s.log.LogAttrs(ctx, slog.LevelInfo, "--- BEGIN "+name+" ---")
}

func (s steps) end(ctx context.Context, name string, err error) {
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "--- END "+name+" FAILURE ---", slog.Any("err", err))
		return
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "--- END "+name+" SUCCESS ---")
}

// fail terminates rep in Failure.
func fail(rep Report, s State, err error) (Report, error) {
	rep.State = Failure
	rep.enter(Failure)
	return rep, &StepError{State: s, Err: classify(s, err)}
}

func (s steps) extrasInstall(ctx context.Context, extras Extras, manifests []string) {
	if extras == nil {
		return
	}
	s.attempt(ctx, "import event manifests", func() error { return extras.ImportManifests(ctx, manifests) })
	s.attempt(ctx, "register updater", func() error { return extras.RegisterUpdater(ctx) })
}

func (s steps) extrasUninstall(ctx context.Context, extras Extras, manifests []string) {
	if extras == nil {
		return
	}
	s.attempt(ctx, "deregister updater", func() error { return extras.DeregisterUpdater(ctx) })
	s.attempt(ctx, "remove event manifests", func() error { return extras.RemoveManifests(ctx, manifests) })
}
