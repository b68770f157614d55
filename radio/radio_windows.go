//go:build windows

package radio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/windows"
)

var _ Lifecycle = (*HostRadio)(nil)

// HostRadio drives the first USB Bluetooth host radio of the machine.
type HostRadio struct {
	Log *slog.Logger
}

// NewHost returns the platform host radio.
func NewHost(log *slog.Logger) *HostRadio {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &HostRadio{Log: log}
}

func (r *HostRadio) Available() bool {
	params := bluetoothFindRadioParams{Size: uint32(unsafe.Sizeof(bluetoothFindRadioParams{}))}
	var radio windows.Handle
	find, err := bluetoothFindFirstRadio(&params, &radio)
	if err != nil {
		return false
	}
	_ = bluetoothFindRadioClose(find)
	_ = windows.CloseHandle(radio)
	return true
}

func (r *HostRadio) Restart() error      { return r.changeState(windows.DICS_PROPCHANGE) }
func (r *HostRadio) EnableRadio() error  { return r.changeState(windows.DICS_ENABLE) }
func (r *HostRadio) DisableRadio() error { return r.changeState(windows.DICS_DISABLE) }

func (r *HostRadio) EnableService(service uuid.UUID, name string) error {
	return setLocalService(service, name, true)
}

func (r *HostRadio) DisableService(service uuid.UUID, name string) error {
	return setLocalService(service, name, false)
}

// Info reports the device node state of the radio and its live interfaces.
func (r *HostRadio) Info() (Info, error) {
	var info Info
	devs, data, err := openRadio()
	if err != nil {
		if errors.Is(err, ErrNoRadio) {
			return info, nil
		}
		return info, err
	}
	defer devs.Close()
	info.Present = true

	propertyType, statusBuf, err := setupDiGetDevicePropertyW(devs, data, &windows.DEVPROPKEY{
		FmtID: windows.DEVPROPGUID(windows.GUID{Data1: 0x4340a6c5, Data2: 0x93fa, Data3: 0x4706, Data4: [8]byte{0x97, 0x2c, 0x7b, 0x64, 0x80, 0x08, 0xa5, 0xa7}}),
		PID:   2,
	})
	if err != nil {
		return info, err
	}
	if propertyType != windows.DEVPROP_TYPE_UINT32 || len(statusBuf) < 4 {
		return info, errors.New("uint32 was expected")
	}
	status := *(*uint32)(unsafe.Pointer(&statusBuf[0]))
	info.Started = status&dnStarted == dnStarted
	info.DriverLoaded = status&dnDriverLoaded == dnDriverLoaded
	info.Problem = status&dnHasProblem == dnHasProblem

	iface := toGUID(DeviceInterface)
	if info.Interfaces, err = windows.CM_Get_Device_Interface_List("", &iface, windows.CM_GET_DEVICE_INTERFACE_LIST_PRESENT); err != nil {
		return info, err
	}
	return info, nil
}

func (r *HostRadio) changeState(state windows.DICS_STATE) error {
	devs, data, err := openRadio()
	if err != nil {
		return err
	}
	defer devs.Close()

	params := windows.PropChangeParams{
		ClassInstallHeader: *windows.MakeClassInstallHeader(windows.DIF_PROPERTYCHANGE),
		StateChange:        state,
		Scope:              windows.DICS_FLAG_GLOBAL,
	}
	if err := devs.SetClassInstallParams(data, &params.ClassInstallHeader, uint32(unsafe.Sizeof(params))); err != nil {
		return fmt.Errorf("SetupDiSetClassInstallParams: %w", err)
	}
	if err := devs.CallClassInstaller(windows.DIF_PROPERTYCHANGE, data); err != nil {
		return fmt.Errorf("SetupDiCallClassInstaller: %w", err)
	}
	r.Log.Debug("radio state changed", slog.Int("state", int(state)))
	return nil
}

// openRadio finds the Bluetooth class device enumerated by USB. The caller
// must close the returned set.
func openRadio() (windows.DevInfo, *windows.DevInfoData, error) {
	class := toGUID(bluetoothClass)
	devs, err := windows.SetupDiGetClassDevsEx(&class, "", 0, windows.DIGCF_PRESENT, 0, "")
	if err != nil {
		return 0, nil, err
	}
	for i := 0; ; i++ {
		data, err := devs.EnumDeviceInfo(i)
		if err != nil {
			_ = devs.Close()
			if errors.Is(err, windows.ERROR_NO_MORE_ITEMS) {
				return 0, nil, ErrNoRadio
			}
			return 0, nil, err
		}
		value, err := devs.DeviceRegistryProperty(data, windows.SPDRP_ENUMERATOR_NAME)
		if err != nil {
			continue
		}
		if name, ok := value.(string); ok && strings.EqualFold(name, "USB") {
			return devs, data, nil
		}
	}
}

// OnDeviceArrived registers a CfgMgr32 device interface notification.
func (r *HostRadio) OnDeviceArrived(iface uuid.UUID, fn func(symlink string)) (Subscription, error) {
	filter := cmNotifyFilter{FilterType: cmNotifyFilterTypeDeviceInterface, ClassGUID: toGUID(iface)}
	filter.Size = uint32(unsafe.Sizeof(filter))

	listeners.Lock()
	listeners.next++
	key := listeners.next
	listeners.fns[key] = fn
	listeners.Unlock()

	var handle uintptr
	ret, _, _ := procCM_Register_Notification.Call(
		uintptr(unsafe.Pointer(&filter)),
		key,
		notifyCallback,
		uintptr(unsafe.Pointer(&handle)),
	)
	if ret != crSuccess {
		listeners.remove(key)
		return nil, fmt.Errorf("CM_Register_Notification: configret 0x%x", ret)
	}
	return &notification{handle: handle, key: key}, nil
}

type notification struct {
	once   sync.Once
	handle uintptr
	key    uintptr
}

func (n *notification) Unsubscribe() (err error) {
	n.once.Do(func() {
		ret, _, _ := procCM_Unregister_Notification.Call(n.handle)
		listeners.remove(n.key)
		if ret != crSuccess {
			err = fmt.Errorf("CM_Unregister_Notification: configret 0x%x", ret)
		}
	})
	return err
}

// listenerTable maps notification contexts to callbacks.
type listenerTable struct {
	sync.Mutex
	next uintptr
	fns  map[uintptr]func(string)
}

var listeners = &listenerTable{fns: make(map[uintptr]func(string))}

func (l *listenerTable) remove(key uintptr) {
	l.Lock()
	delete(l.fns, key)
	l.Unlock()
}

// notifyCallback is created once; windows callbacks are never released.
var notifyCallback = windows.NewCallback(func(hNotify, context, action uintptr, ev *cmNotifyEventData, eventDataSize uintptr) uintptr {
	if action != cmNotifyActionDeviceInterfaceArrival || ev == nil {
		return 0
	}
	listeners.Lock()
	fn := listeners.fns[context]
	listeners.Unlock()
	if fn != nil {
		fn(ev.symlink())
	}
	return 0
})

func setLocalService(service uuid.UUID, name string, enabled bool) error {
	if err := enableLoadDriverPrivilege(); err != nil {
		return fmt.Errorf("adjust process privileges: %w", err)
	}
	var info bluetoothLocalServiceInfo
	if enabled {
		info.Enabled = 1
	}
	name16, err := windows.UTF16FromString(name)
	if err != nil {
		return err
	}
	if len(name16) > len(info.Name) {
		return fmt.Errorf("service name too long: %q", name)
	}
	copy(info.Name[:], name16)
	guid := toGUID(service)
	ret, _, _ := procBluetoothSetLocalServiceInfo.Call(
		0, // first radio found
		uintptr(unsafe.Pointer(&guid)),
		0,
		uintptr(unsafe.Pointer(&info)),
	)
	if ret != 0 {
		return fmt.Errorf("BluetoothSetLocalServiceInfo: %w", windows.Errno(ret))
	}
	return nil
}

func enableLoadDriverPrivilege() error {
	var token windows.Token
	if err := windows.OpenProcessToken(windows.CurrentProcess(), windows.TOKEN_ADJUST_PRIVILEGES|windows.TOKEN_QUERY, &token); err != nil {
		return err
	}
	defer token.Close()

	var luid windows.LUID
	if err := windows.LookupPrivilegeValue(nil, windows.StringToUTF16Ptr("SeLoadDriverPrivilege"), &luid); err != nil {
		return err
	}
	tp := windows.Tokenprivileges{PrivilegeCount: 1}
	tp.Privileges[0] = windows.LUIDAndAttributes{Luid: luid, Attributes: windows.SE_PRIVILEGE_ENABLED}
	return windows.AdjustTokenPrivileges(token, false, &tp, uint32(unsafe.Sizeof(tp)), nil, nil)
}

func toGUID(u uuid.UUID) windows.GUID {
	return windows.GUID{
		Data1: uint32(u[0])<<24 | uint32(u[1])<<16 | uint32(u[2])<<8 | uint32(u[3]),
		Data2: uint16(u[4])<<8 | uint16(u[5]),
		Data3: uint16(u[6])<<8 | uint16(u[7]),
		Data4: [8]byte{u[8], u[9], u[10], u[11], u[12], u[13], u[14], u[15]},
	}
}

// --- BluetoothApis.dll / CfgMgr32.dll / setupapi.dll interop ---

var bluetoothClass = uuid.MustParse("e0cbf06c-cd8b-4647-bb8a-263b43f0f974")

var (
	modBluetoothApis                 = windows.NewLazySystemDLL("BluetoothApis.dll")
	procBluetoothFindFirstRadio      = modBluetoothApis.NewProc("BluetoothFindFirstRadio")
	procBluetoothFindRadioClose      = modBluetoothApis.NewProc("BluetoothFindRadioClose")
	procBluetoothSetLocalServiceInfo = modBluetoothApis.NewProc("BluetoothSetLocalServiceInfo")
	modCfgMgr32                      = windows.NewLazySystemDLL("CfgMgr32.dll")
	procCM_Register_Notification     = modCfgMgr32.NewProc("CM_Register_Notification")
	procCM_Unregister_Notification   = modCfgMgr32.NewProc("CM_Unregister_Notification")
	modSetupapi                      = windows.NewLazySystemDLL("setupapi.dll")
	procSetupDiGetDevicePropertyW    = modSetupapi.NewProc("SetupDiGetDevicePropertyW")
)

const (
	crSuccess                            = 0
	cmNotifyFilterTypeDeviceInterface    = 0
	cmNotifyActionDeviceInterfaceArrival = 0
	dnDriverLoaded                       = 0x00000002
	dnStarted                            = 0x00000008
	dnHasProblem                         = 0x00000400
)

type bluetoothFindRadioParams struct {
	Size uint32
}

type bluetoothLocalServiceInfo struct {
	Enabled      uint32
	_            uint32
	Address      uint64
	Name         [256]uint16
	DeviceString [256]uint16
}

// cmNotifyFilter mirrors CM_NOTIFY_FILTER; the union is sized by
// DeviceInstance.InstanceId[MAX_DEVICE_ID_LEN].
type cmNotifyFilter struct {
	Size       uint32
	Flags      uint32
	FilterType uint32
	Reserved   uint32
	ClassGUID  windows.GUID
	_          [400 - 16]byte
}

// cmNotifyEventData mirrors the device interface variant of
// CM_NOTIFY_EVENT_DATA. SymbolicLink is NUL terminated and runs past the
// declared array.
type cmNotifyEventData struct {
	FilterType   uint32
	Reserved     uint32
	ClassGUID    windows.GUID
	SymbolicLink [1]uint16
}

func (ev *cmNotifyEventData) symlink() string {
	return windows.UTF16PtrToString(&ev.SymbolicLink[0])
}

func bluetoothFindFirstRadio(params *bluetoothFindRadioParams, radio *windows.Handle) (uintptr, error) {
	r1, _, err := procBluetoothFindFirstRadio.Call(
		uintptr(unsafe.Pointer(params)),
		uintptr(unsafe.Pointer(radio)),
	)
	if r1 == 0 {
		return 0, err
	}
	return r1, nil
}

func bluetoothFindRadioClose(find uintptr) error {
	r1, _, err := procBluetoothFindRadioClose.Call(find)
	if r1 == 0 {
		return err
	}
	return nil
}

func setupDiGetDevicePropertyW(deviceInfoSet windows.DevInfo, deviceInfoData *windows.DevInfoData, devPropKey *windows.DEVPROPKEY) (devPropType windows.DEVPROPTYPE, propertyBuffer []byte, err error) {
	var requiredSize uint32
	r1, _, err := procSetupDiGetDevicePropertyW.Call(
		uintptr(deviceInfoSet),
		uintptr(unsafe.Pointer(deviceInfoData)),
		uintptr(unsafe.Pointer(devPropKey)),
		uintptr(unsafe.Pointer(&devPropType)),
		0,
		0,
		uintptr(unsafe.Pointer(&requiredSize)),
		0,
	)
	if r1 == 0 && !errors.Is(err, windows.ERROR_INSUFFICIENT_BUFFER) {
		return 0, nil, err
	}
	if requiredSize == 0 {
		return 0, nil, errors.New("invalid RequiredSize was returned")
	}
	propertyBuffer = make([]byte, requiredSize)
	r1, _, err = procSetupDiGetDevicePropertyW.Call(
		uintptr(deviceInfoSet),
		uintptr(unsafe.Pointer(deviceInfoData)),
		uintptr(unsafe.Pointer(devPropKey)),
		uintptr(unsafe.Pointer(&devPropType)),
		uintptr(unsafe.Pointer(&propertyBuffer[0])),
		uintptr(requiredSize),
		uintptr(unsafe.Pointer(&requiredSize)),
		0,
	)
	if r1 == 0 {
		return 0, nil, err
	}
	return devPropType, propertyBuffer, nil
}
