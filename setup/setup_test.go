package setup

import (
	"context"
	"errors"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malivvan/bthps3/config"
	"github.com/malivvan/bthps3/provision"
	"github.com/malivvan/bthps3/psm"
	"github.com/malivvan/bthps3/radio"
	"github.com/malivvan/bthps3/radio/radiotest"
)

var paths = (&config.Config{InstallDir: "BthPS3", Arch: "x64"}).Paths()

type fakeProvisioner struct {
	calls         []string
	filterReboot  bool
	filterErr     error
	registerErr   error
	unregisterErr error
	driverReboot  map[string]bool
	driverErr     map[string]error
}

func (p *fakeProvisioner) InstallFilter(_ context.Context, inf string) (bool, error) {
	p.calls = append(p.calls, "installFilter "+inf)
	return p.filterReboot, p.filterErr
}

func (p *fakeProvisioner) RegisterClassFilter(class uuid.UUID, service string) error {
	p.calls = append(p.calls, "register "+service)
	return p.registerErr
}

func (p *fakeProvisioner) UnregisterClassFilter(class uuid.UUID, service string) error {
	p.calls = append(p.calls, "unregister "+service)
	return p.unregisterErr
}

func (p *fakeProvisioner) InstallDeviceDriver(_ context.Context, inf string) (bool, error) {
	p.calls = append(p.calls, "installDriver "+inf)
	return p.driverReboot[inf], p.driverErr[inf]
}

func (p *fakeProvisioner) RemoveAllMatching(substring string) int {
	p.calls = append(p.calls, "remove "+substring)
	return 0
}

// provisioningCalls drops the clean-up calls made before the install proper.
func (p *fakeProvisioner) provisioningCalls() []string {
	return slices.DeleteFunc(slices.Clone(p.calls), func(c string) bool {
		return strings.HasPrefix(c, "unregister ") || strings.HasPrefix(c, "remove ")
	})
}

type fakePatch struct {
	enabled bool
	err     error
}

func (p *fakePatch) SetPatchingEnabled(enabled bool) error {
	if p.err != nil {
		return p.err
	}
	p.enabled = enabled
	return nil
}

type recordingPrompter struct {
	answers []Choice
	asked   []error
	notices []Notice
}

func (r *recordingPrompter) RestartFailed(err error) Choice {
	r.asked = append(r.asked, err)
	if len(r.answers) == 0 {
		return Abort
	}
	c := r.answers[0]
	r.answers = r.answers[1:]
	return c
}

func (r *recordingPrompter) Notify(n Notice) { r.notices = append(r.notices, n) }

// silentRestarts makes the listed restarts (counting from 1) never report an
// arrival and time out immediately; all others arrive at once.
func silentRestarts(f *radiotest.Fake, silent ...int) radio.AwaitOptions {
	f.OnRestart = func(n int) (int, error) {
		if slices.Contains(silent, n) {
			return 0, nil
		}
		return 1, nil
	}
	return radio.AwaitOptions{After: func(time.Duration) <-chan time.Time {
		if !slices.Contains(silent, f.Restarts) {
			return nil
		}
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}}
}

type fixture struct {
	radio  *radiotest.Fake
	prov   *fakeProvisioner
	patch  *fakePatch
	prompt *recordingPrompter
	m      *Modern
}

func newFixture(silent ...int) *fixture {
	f := &fixture{
		radio:  &radiotest.Fake{Present: true},
		prov:   &fakeProvisioner{},
		patch:  &fakePatch{},
		prompt: &recordingPrompter{},
	}
	f.m = &Modern{
		Radio:       f.radio,
		Provisioner: f.prov,
		Patch:       f.patch,
		Prompt:      f.prompt,
		Paths:       paths,
		Await:       silentRestarts(f.radio, silent...),
	}
	return f
}

var fullInstall = []State{
	Start, CleanPrior, InstallFilter, RegisterFilter, RestartRadio,
	InstallProfileDriver, InstallNullDriver, EnableService, EnablePatch, Success,
}

func TestInstallWithoutRadio(t *testing.T) {
	f := newFixture()
	f.radio.Present = false

	rep, err := f.m.Install(context.Background())
	require.ErrorIs(t, err, ErrNoRadio)
	assert.Equal(t, Failure, rep.State)
	assert.Equal(t, []State{Start, Failure}, rep.Steps)
	assert.Empty(t, f.prov.calls)
	assert.Empty(t, f.radio.Calls)
	assert.False(t, f.patch.enabled)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Start, se.State)
}

func TestInstallRebootRequiredByFilter(t *testing.T) {
	f := newFixture()
	f.prov.filterReboot = true

	rep, err := f.m.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, rep.State)
	assert.True(t, rep.RebootRequired)
	if diff := cmp.Diff(fullInstall, rep.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []Notice{NoticeRebootRequired}, f.prompt.notices)
	assert.True(t, f.patch.enabled)

	wantProv := []string{
		"unregister BthPS3PSM",
		"remove BthPS3.inf",
		"remove BthPS3_PDO_NULL_Device.inf",
		"remove BthPS3PSM.inf",
		"installFilter " + paths.FilterINF,
		"register BthPS3PSM",
		"installDriver " + paths.ProfileINF,
		"installDriver " + paths.NullINF,
	}
	if diff := cmp.Diff(wantProv, f.prov.calls); diff != "" {
		t.Errorf("provisioning calls mismatch (-want +got):\n%s", diff)
	}
	wantRadio := []string{"disableService", "disableRadio", "restart", "enableRadio", "restart", "enableService"}
	if diff := cmp.Diff(wantRadio, f.radio.Calls); diff != "" {
		t.Errorf("radio calls mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, f.radio.Listeners(), "arrival listener left registered")
}

func TestInstallRebootAccumulates(t *testing.T) {
	f := newFixture()
	f.prov.driverReboot = map[string]bool{paths.NullINF: true}
	rep, err := f.m.Install(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.RebootRequired)
	assert.Len(t, f.prompt.notices, 1)
}

func TestInstallCompletesSilently(t *testing.T) {
	f := newFixture()
	rep, err := f.m.Install(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.RebootRequired)
	assert.Empty(t, f.prompt.notices)
	assert.Empty(t, f.prompt.asked)
}

func TestInstallRestartRetry(t *testing.T) {
	f := newFixture(2)
	f.prompt.answers = []Choice{Retry}

	rep, err := f.m.Install(context.Background())
	require.NoError(t, err)
	want := []State{
		Start, CleanPrior, InstallFilter, RegisterFilter, RestartRadio, RestartRadio,
		InstallProfileDriver, InstallNullDriver, EnableService, EnablePatch, Success,
	}
	if diff := cmp.Diff(want, rep.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, f.prompt.asked, 1)
	assert.ErrorIs(t, f.prompt.asked[0], radio.ErrRestartTimeout)
}

func TestInstallRestartAbort(t *testing.T) {
	f := newFixture(2, 3)
	f.prompt.answers = []Choice{Retry, Abort}

	rep, err := f.m.Install(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, radio.ErrRestartTimeout)
	assert.Equal(t, Failure, rep.State)
	assert.Equal(t, []State{Start, CleanPrior, InstallFilter, RegisterFilter, RestartRadio, RestartRadio, Failure}, rep.Steps)
	assert.Equal(t, []string{"installFilter " + paths.FilterINF, "register BthPS3PSM"}, f.prov.provisioningCalls())
	assert.False(t, f.patch.enabled)
}

func TestInstallRestartIgnore(t *testing.T) {
	f := newFixture(2)
	f.prompt.answers = []Choice{Ignore}

	rep, err := f.m.Install(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff(fullInstall, rep.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestInstallRestartWithoutPrompterAborts(t *testing.T) {
	f := newFixture(2)
	f.m.Prompt = nil
	_, err := f.m.Install(context.Background())
	assert.ErrorIs(t, err, ErrAborted)
}

func TestInstallRestartErrorPrompts(t *testing.T) {
	f := newFixture()
	boom := errors.New("SetupDiCallClassInstaller: access denied")
	f.radio.OnRestart = func(n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return 1, nil
	}
	f.prompt.answers = []Choice{Retry}

	rep, err := f.m.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, rep.State)
	require.Len(t, f.prompt.asked, 1)
	assert.ErrorIs(t, f.prompt.asked[0], boom)
}

func TestInstallFailures(t *testing.T) {
	for name, tc := range map[string]struct {
		setup func(*fixture)
		state State
		check func(*testing.T, error)
	}{
		"filter exit code": {
			setup: func(f *fixture) {
				f.prov.filterErr = &provision.ProvisioningError{Op: "filter install", Code: 1603}
			},
			state: InstallFilter,
			check: func(t *testing.T, err error) {
				var pe *provision.ProvisioningError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, 1603, pe.Code)
			},
		},
		"class filter": {
			setup: func(f *fixture) { f.prov.registerErr = syscall.Errno(5) },
			state: RegisterFilter,
			check: func(t *testing.T, err error) {
				var pe *provision.ProvisioningError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, 5, pe.Code)
			},
		},
		"null driver": {
			setup: func(f *fixture) {
				f.prov.driverErr = map[string]error{paths.NullINF: errors.New("file not found")}
			},
			state: InstallNullDriver,
			check: func(t *testing.T, err error) {
				var pe *provision.ProvisioningError
				assert.ErrorAs(t, err, &pe)
			},
		},
		"service": {
			setup: func(f *fixture) { f.radio.EnableServiceErr = syscall.Errno(1168) },
			state: EnableService,
			check: func(t *testing.T, err error) {
				var pe *provision.ProvisioningError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, 1168, pe.Code)
			},
		},
		"patching": {
			setup: func(f *fixture) {
				f.patch.err = &psm.DeviceError{Path: psm.DevicePath, Err: errors.New("not found")}
			},
			state: EnablePatch,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, psm.ErrDeviceUnavailable) },
		},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			tc.setup(f)
			rep, err := f.m.Install(context.Background())
			require.Error(t, err)
			assert.Equal(t, Failure, rep.State)
			assert.Equal(t, tc.state, rep.Steps[len(rep.Steps)-2])

			var se *StepError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.state, se.State)
			tc.check(t, err)
			assert.Empty(t, f.prompt.notices)
		})
	}
}

func TestInstallCanceled(t *testing.T) {
	f := newFixture()
	f.radio.OnRestart = func(int) (int, error) { return 0, nil }
	f.m.Await.After = func(time.Duration) <-chan time.Time { return nil }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.m.Install(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.prompt.asked)
}

func TestUninstallEveryStepFails(t *testing.T) {
	f := newFixture()
	boom := errors.New("boom")
	f.prov.unregisterErr = boom
	f.radio.DisableServiceErr = boom
	f.radio.DisableRadioErr = boom
	f.radio.EnableRadioErr = boom
	f.radio.OnRestart = func(int) (int, error) { return 0, boom }

	f.m.Uninstall(context.Background())

	assert.Equal(t, []string{"disableService", "disableRadio", "restart", "enableRadio"}, f.radio.Calls)
	assert.Equal(t, []string{
		"unregister BthPS3PSM",
		"remove BthPS3.inf",
		"remove BthPS3_PDO_NULL_Device.inf",
		"remove BthPS3PSM.inf",
	}, f.prov.calls)
	assert.Zero(t, f.radio.Listeners())
}

func TestUninstallIgnoresRestartTimeout(t *testing.T) {
	f := newFixture(1)
	f.m.Uninstall(context.Background())
	assert.Equal(t, []string{"disableService", "disableRadio", "restart", "enableRadio"}, f.radio.Calls)
	assert.Empty(t, f.prompt.asked)
}

type fakeExtras struct {
	calls []string
	err   error
}

func (e *fakeExtras) ImportManifests(_ context.Context, paths []string) error {
	e.calls = append(e.calls, "import "+strings.Join(paths, ","))
	return e.err
}

func (e *fakeExtras) RemoveManifests(_ context.Context, paths []string) error {
	e.calls = append(e.calls, "remove "+strings.Join(paths, ","))
	return e.err
}

func (e *fakeExtras) RegisterUpdater(context.Context) error {
	e.calls = append(e.calls, "register")
	return e.err
}

func (e *fakeExtras) DeregisterUpdater(context.Context) error {
	e.calls = append(e.calls, "deregister")
	return e.err
}

func TestExtrasNeverFail(t *testing.T) {
	f := newFixture()
	extras := &fakeExtras{err: errors.New("wevtutil missing")}
	f.m.Extras = extras
	f.m.Paths.Manifests = []string{"a.man"}

	rep, err := f.m.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, rep.State)
	f.m.Uninstall(context.Background())
	assert.Equal(t, []string{"import a.man", "register", "deregister", "remove a.man"}, extras.calls)
}

type nefconRunner struct {
	calls [][]string
	fail  string
	code  int
}

func (r *nefconRunner) Run(_ context.Context, args ...string) (provision.Result, error) {
	r.calls = append(r.calls, args)
	if len(args) > 0 && args[0] == r.fail {
		return provision.Result{Code: r.code}, nil
	}
	return provision.Result{}, nil
}

func commands(calls [][]string) []string {
	var out []string
	for _, c := range calls {
		out = append(out, c[0])
	}
	return out
}

func TestLegacyInstall(t *testing.T) {
	r := &nefconRunner{fail: "--install-driver", code: 3010}
	prompt := &recordingPrompter{}
	l := &Legacy{Radio: &radiotest.Fake{Present: true}, Nefcon: &provision.Nefcon{Runner: r}, Prompt: prompt, Paths: paths}

	rep, err := l.Install(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.RebootRequired)
	assert.Equal(t, []State{
		Start, CleanPrior, InstallFilter, RegisterFilter,
		InstallProfileDriver, InstallNullDriver, EnableService, Success,
	}, rep.Steps)
	assert.Equal(t, []string{
		"--remove-class-filter",
		"--remove-device-node",
		"--disable-bluetooth-service",
		"--inf-default-install",
		"--add-class-filter",
		"--install-driver",
		"--install-driver",
		"--enable-bluetooth-service",
	}, commands(r.calls))
	assert.Equal(t, []string{"--install-driver", "--inf-path", paths.NullINF}, r.calls[6])
	assert.Equal(t, []Notice{NoticeLegacyComplete}, prompt.notices)
}

func TestLegacyInstallFailure(t *testing.T) {
	r := &nefconRunner{fail: "--add-class-filter", code: 2}
	prompt := &recordingPrompter{}
	l := &Legacy{Nefcon: &provision.Nefcon{Runner: r}, Prompt: prompt, Paths: paths}

	rep, err := l.Install(context.Background())
	var pe *provision.ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Code)
	assert.Equal(t, Failure, rep.State)
	assert.NotContains(t, commands(r.calls), "--install-driver")
	assert.Empty(t, prompt.notices)
}

func TestLegacyInstallWithoutRadio(t *testing.T) {
	r := &nefconRunner{}
	l := &Legacy{Radio: &radiotest.Fake{}, Nefcon: &provision.Nefcon{Runner: r}, Paths: paths}
	_, err := l.Install(context.Background())
	assert.ErrorIs(t, err, ErrNoRadio)
	assert.Empty(t, r.calls)
}

func TestLegacyUninstallIgnoresFailures(t *testing.T) {
	r := &nefconRunner{fail: "--remove-class-filter", code: 1}
	l := &Legacy{Nefcon: &provision.Nefcon{Runner: r}, Paths: paths}
	l.Uninstall(context.Background())
	assert.Equal(t, []string{"--remove-class-filter", "--remove-device-node", "--disable-bluetooth-service"}, commands(r.calls))
}

func TestNew(t *testing.T) {
	cfg := config.Default()
	cfg.InstallDir = "BthPS3"
	cfg.Arch = "x64"
	deps := Deps{Radio: &radiotest.Fake{}, Provisioner: &provision.Provisioner{Nefcon: &provision.Nefcon{}}}

	m, ok := New(cfg, deps).(*Modern)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, m.Await.Timeout)
	assert.Equal(t, paths.Manifests, m.Paths.Manifests)

	cfg.UseModern = false
	cfg.Extras.Manifests = false
	l, ok := New(cfg, deps).(*Legacy)
	require.True(t, ok)
	assert.Same(t, deps.Provisioner.Nefcon, l.Nefcon)
	assert.Empty(t, l.Paths.Manifests)
}

func TestConsole(t *testing.T) {
	for input, want := range map[string]Choice{
		"r\n":         Retry,
		"x\nIGNORE\n": Ignore,
		"abort\n":     Abort,
		"":             Abort,
		"maybe":        Abort,
	} {
		var out strings.Builder
		c := &Console{In: strings.NewReader(input), Out: &out}
		assert.Equal(t, want, c.RestartFailed(radio.ErrRestartTimeout), "input %q", input)
		assert.Contains(t, out.String(), "did not come back online")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "restart radio", RestartRadio.String())
	assert.Equal(t, "State(42)", State(42).String())
}
