package setup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malivvan/bthps3/config"
	"github.com/malivvan/bthps3/provision"
	"github.com/malivvan/bthps3/radio"
)

// Modern installs the drivers without a reboot by restarting the radio and
// waiting for it to come back with the filter loaded.
type Modern struct {
	Radio       radio.Lifecycle
	Provisioner Provisioner
	Patch       PatchSwitch
	Prompt      Prompter // nil aborts on a failed restart
	Extras      Extras   // optional
	Paths       config.Paths
	Await       radio.AwaitOptions
	Log         *slog.Logger
}

func (m *Modern) prompt() Prompter {
	if m.Prompt == nil {
		return Fixed{Choice: Abort}
	}
	return m.Prompt
}

func (m *Modern) Install(ctx context.Context) (rep Report, err error) {
	s := newSteps(m.Log)
	s.begin(ctx, "install")
	defer func() { s.end(ctx, "install", err) }()

	rep.enter(Start)
	if !m.Radio.Available() {
		return fail(rep, Start, ErrNoRadio)
	}

	rep.enter(CleanPrior)
	m.uninstallDrivers(ctx, s)

	rep.enter(InstallFilter)
	s.log.LogAttrs(ctx, slog.LevelInfo, "installing filter driver", slog.String("inf", m.Paths.FilterINF))
	reboot, err := m.Provisioner.InstallFilter(ctx, m.Paths.FilterINF)
	if err != nil {
		return fail(rep, InstallFilter, err)
	}
	rep.RebootRequired = reboot

	rep.enter(RegisterFilter)
	s.log.LogAttrs(ctx, slog.LevelInfo, "adding lower filter entry")
	if err := m.Provisioner.RegisterClassFilter(provision.BluetoothClass, provision.FilterService); err != nil {
		return fail(rep, RegisterFilter, err)
	}

	if err := m.restart(ctx, &rep); err != nil {
		return fail(rep, RestartRadio, err)
	}

	for _, step := range []struct {
		state State
		inf   string
	}{
		{InstallProfileDriver, m.Paths.ProfileINF},
		{InstallNullDriver, m.Paths.NullINF},
	} {
		rep.enter(step.state)
		s.log.LogAttrs(ctx, slog.LevelInfo, step.state.String(), slog.String("inf", step.inf))
		reboot, err := m.Provisioner.InstallDeviceDriver(ctx, step.inf)
		if err != nil {
			return fail(rep, step.state, err)
		}
		rep.RebootRequired = rep.RebootRequired || reboot
	}

	rep.enter(EnableService)
	if err := m.Radio.EnableService(provision.ProfileServiceGUID, provision.ProfileService); err != nil {
		return fail(rep, EnableService, err)
	}

	rep.enter(EnablePatch)
	if err := m.Patch.SetPatchingEnabled(true); err != nil {
		return fail(rep, EnablePatch, err)
	}

	rep.State = Success
	rep.enter(Success)
	s.extrasInstall(ctx, m.Extras, m.Paths.Manifests)
	if rep.RebootRequired {
		m.prompt().Notify(NoticeRebootRequired)
	}
	return rep, nil
}

// restart cycles the radio until it comes back or the user stops retrying.
func (m *Modern) restart(ctx context.Context, rep *Report) error {
	for {
		rep.enter(RestartRadio)
		_, err := radio.RestartAndAwait(ctx, m.Radio, m.Await)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		m.logger().LogAttrs(ctx, slog.LevelWarn, "radio restart failed", slog.Any("err", err))
		switch choice := m.prompt().RestartFailed(err); choice {
		case Retry:
			continue
		case Ignore:
			m.logger().LogAttrs(ctx, slog.LevelWarn, "continuing without radio restart")
			return nil
		default:
			m.logger().LogAttrs(ctx, slog.LevelInfo, "user aborted operation")
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
}

func (m *Modern) logger() *slog.Logger { return newSteps(m.Log).log }

func (m *Modern) Uninstall(ctx context.Context) {
	s := newSteps(m.Log)
	s.begin(ctx, "uninstall")
	s.extrasUninstall(ctx, m.Extras, m.Paths.Manifests)
	m.uninstallDrivers(ctx, s)
	s.end(ctx, "uninstall", nil)
}

// uninstallDrivers removes every trace of the stack and leaves the radio
// running without the filter. No step prevents the next one from running.
func (m *Modern) uninstallDrivers(ctx context.Context, s steps) {
	s.attempt(ctx, "removing lower filter entry", func() error {
		return m.Provisioner.UnregisterClassFilter(provision.BluetoothClass, provision.FilterService)
	})
	s.attempt(ctx, "disabling profile service", func() error {
		return m.Radio.DisableService(provision.ProfileServiceGUID, provision.ProfileService)
	})
	s.attempt(ctx, "disabling radio", m.Radio.DisableRadio)
	s.attempt(ctx, "restarting radio", func() error {
		_, err := radio.RestartAndAwait(ctx, m.Radio, m.Await)
		return err
	})
	for _, pkg := range provision.Packages {
		n := m.Provisioner.RemoveAllMatching(pkg)
		s.log.LogAttrs(ctx, slog.LevelInfo, "removed driver packages", slog.String("family", pkg), slog.Int("count", n))
	}
	s.attempt(ctx, "enabling radio", m.Radio.EnableRadio)
}
