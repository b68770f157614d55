//go:build windows

package provision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const classKeyPath = `SYSTEM\CurrentControlSet\Control\Class\`

// RegistryFilters stores class filters in the LowerFilters value of the
// class key.
type RegistryFilters struct{}

func (RegistryFilters) LowerFilters(class uuid.UUID) ([]string, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, classKeyPath+braced(class), registry.QUERY_VALUE)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	filters, _, err := key.GetStringsValue("LowerFilters")
	if errors.Is(err, registry.ErrNotExist) {
		return nil, nil
	}
	return filters, err
}

func (RegistryFilters) SetLowerFilters(class uuid.UUID, filters []string) error {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, classKeyPath+braced(class), registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer key.Close()

	if len(filters) == 0 {
		if err := key.DeleteValue("LowerFilters"); err != nil && !errors.Is(err, registry.ErrNotExist) {
			return err
		}
		return nil
	}
	return key.SetStringsValue("LowerFilters", filters)
}

// FileRepository is the system driver store.
type FileRepository struct {
	Root string // defaults to %SystemRoot%\System32\DriverStore\FileRepository
}

func (r FileRepository) root() string {
	if r.Root != "" {
		return r.Root
	}
	return filepath.Join(os.Getenv("SystemRoot"), "System32", "DriverStore", "FileRepository")
}

func (r FileRepository) Packages() ([]string, error) {
	return filepath.Glob(filepath.Join(r.root(), "*", "*.inf"))
}

func (r FileRepository) Remove(pkg string) error {
	var needReboot int32
	return diUninstallDriver(pkg, 0, &needReboot)
}

// DiInstaller installs driver packages via DiInstallDriverW.
type DiInstaller struct {
	Flags uint32
}

func (d DiInstaller) Install(inf string) (bool, error) {
	var needReboot int32
	if err := diInstallDriver(inf, d.Flags, &needReboot); err != nil {
		return false, err
	}
	return needReboot != 0, nil
}

var (
	modNewdev              = windows.NewLazySystemDLL("newdev.dll")
	procDiInstallDriverW   = modNewdev.NewProc("DiInstallDriverW")
	procDiUninstallDriverW = modNewdev.NewProc("DiUninstallDriverW")
)

func diInstallDriver(inf string, flags uint32, needReboot *int32) error {
	return callNewdev(procDiInstallDriverW, inf, flags, needReboot)
}

func diUninstallDriver(inf string, flags uint32, needReboot *int32) error {
	return callNewdev(procDiUninstallDriverW, inf, flags, needReboot)
}

func callNewdev(proc *windows.LazyProc, inf string, flags uint32, needReboot *int32) error {
	path, err := windows.UTF16PtrFromString(inf)
	if err != nil {
		return err
	}
	r1, _, err := proc.Call(
		0,
		uintptr(unsafe.Pointer(path)),
		uintptr(flags),
		uintptr(unsafe.Pointer(needReboot)),
	)
	if r1 == 0 {
		return fmt.Errorf("%s: %w", proc.Name, err)
	}
	return nil
}
