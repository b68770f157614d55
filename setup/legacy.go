package setup

import (
	"context"
	"log/slog"

	"github.com/malivvan/bthps3/config"
	"github.com/malivvan/bthps3/provision"
	"github.com/malivvan/bthps3/radio"
)

// Legacy installs the drivers with nefconc only. The new stack loads on the
// next reboot.
type Legacy struct {
	Radio  radio.Lifecycle // optional presence check
	Nefcon *provision.Nefcon
	Prompt Prompter
	Extras Extras
	Paths  config.Paths
	Log    *slog.Logger
}

func (l *Legacy) Install(ctx context.Context) (rep Report, err error) {
	s := newSteps(l.Log)
	s.begin(ctx, "legacy install")
	defer func() { s.end(ctx, "legacy install", err) }()

	rep.enter(Start)
	if l.Radio != nil && !l.Radio.Available() {
		return fail(rep, Start, ErrNoRadio)
	}

	rep.enter(CleanPrior)
	l.uninstallDrivers(ctx, s)

	for _, step := range []struct {
		state State
		run   func() (bool, error)
	}{
		{InstallFilter, func() (bool, error) { return l.Nefcon.DefaultInstall(ctx, l.Paths.FilterINF) }},
		{RegisterFilter, func() (bool, error) {
			return l.Nefcon.AddClassFilter(ctx, provision.BluetoothClass, provision.FilterService)
		}},
		{InstallProfileDriver, func() (bool, error) { return l.Nefcon.InstallDriver(ctx, l.Paths.ProfileINF) }},
		{InstallNullDriver, func() (bool, error) { return l.Nefcon.InstallDriver(ctx, l.Paths.NullINF) }},
		{EnableService, func() (bool, error) {
			return l.Nefcon.EnableService(ctx, provision.ProfileService, provision.ProfileServiceGUID)
		}},
	} {
		rep.enter(step.state)
		s.log.LogAttrs(ctx, slog.LevelInfo, step.state.String())
		reboot, err := step.run()
		if err != nil {
			return fail(rep, step.state, err)
		}
		rep.RebootRequired = rep.RebootRequired || reboot
	}

	rep.State = Success
	rep.enter(Success)
	s.extrasInstall(ctx, l.Extras, l.Paths.Manifests)
	prompter := l.Prompt
	if prompter == nil {
		prompter = Fixed{}
	}
	prompter.Notify(NoticeLegacyComplete)
	return rep, nil
}

func (l *Legacy) Uninstall(ctx context.Context) {
	s := newSteps(l.Log)
	s.begin(ctx, "legacy uninstall")
	s.extrasUninstall(ctx, l.Extras, l.Paths.Manifests)
	l.uninstallDrivers(ctx, s)
	s.end(ctx, "legacy uninstall", nil)
}

func (l *Legacy) uninstallDrivers(ctx context.Context, s steps) {
	s.attempt(ctx, "removing class filter", func() error {
		_, err := l.Nefcon.RemoveClassFilter(ctx, provision.BluetoothClass, provision.FilterService)
		return err
	})
	s.attempt(ctx, "removing profile device node", func() error {
		_, err := l.Nefcon.RemoveDeviceNode(ctx, provision.ProfileHardwareID, provision.BluetoothClass)
		return err
	})
	s.attempt(ctx, "disabling profile service", func() error {
		_, err := l.Nefcon.DisableService(ctx, provision.ProfileService, provision.ProfileServiceGUID)
		return err
	})
}
