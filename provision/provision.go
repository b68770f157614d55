package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// Result codes reported by nefconc and the PnP installer.
const (
	ExitSuccess        = 0
	ExitRebootRequired = 3010 // ERROR_SUCCESS_REBOOT_REQUIRED
)

// DiInstallDriverW flags.
const (
	DIIRFLAG_FORCE_INF uint32 = 0x00000002 // install even if an equal or newer driver is bound
)

// BluetoothClass is GUID_DEVCLASS_BLUETOOTH, the setup class the filter binds to.
var BluetoothClass = uuid.MustParse("e0cbf06c-cd8b-4647-bb8a-263b43f0f974")

// ProfileServiceGUID identifies the BthPS3 local Bluetooth service.
var ProfileServiceGUID = uuid.MustParse("1cb831ea-79cd-4508-b0fc-85f7c85ae8e0")

const (
	FilterService     = "BthPS3PSM"
	ProfileService    = "BthPS3Service"
	ProfileHardwareID = `BTHENUM\{1cb831ea-79cd-4508-b0fc-85f7c85ae8e0}`

	ProfileINF = "BthPS3.inf"
	NullINF    = "BthPS3_PDO_NULL_Device.inf"
	FilterINF  = "BthPS3PSM.inf"
)

// Packages lists the driver store families removed on cleanup, in order.
var Packages = []string{ProfileINF, NullINF, FilterINF}

// ProvisioningError reports a failed provisioning step with its OS or
// tool result code.
type ProvisioningError struct {
	Op      string
	Code    int
	Message string
	Err     error
}

func (e *ProvisioningError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed with code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s failed with code %d: %s", e.Op, e.Code, e.Message)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// CheckExit maps a tool exit code to the reboot flag or a ProvisioningError.
func CheckExit(op string, code int) (reboot bool, err error) {
	switch code {
	case ExitSuccess:
		return false, nil
	case ExitRebootRequired:
		return true, nil
	}
	return false, &ProvisioningError{Op: op, Code: code, Message: syscall.Errno(code).Error()}
}

// Wrap wraps a raw OS failure, keeping its numeric code when there is one.
func Wrap(op string, err error) error {
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		return err
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &ProvisioningError{Op: op, Code: int(errno), Message: errno.Error(), Err: err}
	}
	return &ProvisioningError{Op: op, Code: -1, Message: err.Error(), Err: err}
}

// FilterStore reads and writes the lower filter list of a device setup class.
// A missing value reads as an empty list.
type FilterStore interface {
	LowerFilters(class uuid.UUID) ([]string, error)
	SetLowerFilters(class uuid.UUID, filters []string) error
}

// DriverStore enumerates and removes third party driver packages. Packages
// are identified by the path of their INF file.
type DriverStore interface {
	Packages() ([]string, error)
	Remove(pkg string) error
}

// DriverInstaller PnP-installs a driver package.
type DriverInstaller interface {
	Install(inf string) (reboot bool, err error)
}

// AddFilter returns filters with service bound exactly once. Existing
// bindings are matched case-insensitively and left in place.
func AddFilter(filters []string, service string) []string {
	out := make([]string, 0, len(filters)+1)
	found := false
	for _, f := range filters {
		if strings.EqualFold(f, service) {
			if found {
				continue
			}
			found = true
		}
		out = append(out, f)
	}
	if !found {
		out = append(out, service)
	}
	return out
}

// RemoveFilter returns filters without any binding of service.
func RemoveFilter(filters []string, service string) []string {
	return slices.DeleteFunc(slices.Clone(filters), func(f string) bool {
		return strings.EqualFold(f, service)
	})
}

// Matching returns every package whose path contains substring, ignoring case.
func Matching(packages []string, substring string) []string {
	needle := strings.ToLower(substring)
	var out []string
	for _, p := range packages {
		if strings.Contains(strings.ToLower(p), needle) {
			out = append(out, p)
		}
	}
	return out
}

// Provisioner places the driver packages and removes previous copies.
type Provisioner struct {
	Nefcon    *Nefcon
	Filters   FilterStore
	Store     DriverStore
	Installer DriverInstaller
	Log       *slog.Logger
}

func (p *Provisioner) logger() *slog.Logger {
	if p.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.Log
}

// InstallFilter performs the default install of the filter INF.
func (p *Provisioner) InstallFilter(ctx context.Context, inf string) (bool, error) {
	return p.Nefcon.DefaultInstall(ctx, inf)
}

// RegisterClassFilter binds service as a lower filter of class. Registering
// an already bound service is a no-op.
func (p *Provisioner) RegisterClassFilter(class uuid.UUID, service string) error {
	current, err := p.Filters.LowerFilters(class)
	if err != nil {
		return Wrap("read class filters", err)
	}
	next := AddFilter(current, service)
	if slices.Equal(current, next) {
		p.logger().Debug("class filter already present", slog.String("service", service))
		return nil
	}
	if err := p.Filters.SetLowerFilters(class, next); err != nil {
		return Wrap("write class filters", err)
	}
	return nil
}

// UnregisterClassFilter removes every binding of service from class.
func (p *Provisioner) UnregisterClassFilter(class uuid.UUID, service string) error {
	current, err := p.Filters.LowerFilters(class)
	if err != nil {
		return Wrap("read class filters", err)
	}
	next := RemoveFilter(current, service)
	if len(next) == len(current) {
		return nil
	}
	if err := p.Filters.SetLowerFilters(class, next); err != nil {
		return Wrap("write class filters", err)
	}
	return nil
}

// InstallDeviceDriver PnP-installs inf and reports whether a reboot is implied.
func (p *Provisioner) InstallDeviceDriver(_ context.Context, inf string) (bool, error) {
	reboot, err := p.Installer.Install(inf)
	if err != nil {
		return false, Wrap("install driver "+inf, err)
	}
	return reboot, nil
}

// RemoveAllMatching removes every driver store package containing substring.
// Individual failures are logged and skipped. It returns the number of
// packages removed.
func (p *Provisioner) RemoveAllMatching(substring string) int {
	log := p.logger()
	all, err := p.Store.Packages()
	if err != nil {
		log.LogAttrs(context.Background(), slog.LevelError, "enumerate driver store", slog.Any("err", err))
		return 0
	}
	removed := 0
	for _, pkg := range Matching(all, substring) {
		log.LogAttrs(context.Background(), slog.LevelInfo, "removing driver package", slog.String("package", pkg))
		if err := p.Store.Remove(pkg); err != nil {
			log.LogAttrs(context.Background(), slog.LevelError, "driver package removal failed",
				slog.String("package", pkg), slog.Any("err", Wrap("remove driver package", err)))
			continue
		}
		removed++
	}
	return removed
}

// NewProvisioner returns a Provisioner on the system driver store, the
// registry class filters and nefconc at nefconPath. Device drivers are
// installed with DIIRFLAG_FORCE_INF.
func NewProvisioner(nefconPath string, log *slog.Logger) *Provisioner {
	return &Provisioner{
		Nefcon:    &Nefcon{Runner: &ExecRunner{Path: nefconPath, Log: log}},
		Filters:   RegistryFilters{},
		Store:     FileRepository{},
		Installer: DiInstaller{Flags: DIIRFLAG_FORCE_INF},
		Log:       log,
	}
}
