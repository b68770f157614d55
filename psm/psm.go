package psm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/text/encoding/unicode"
)

// DevicePath is the user-mode control device exposed by the BthPS3PSM filter.
const DevicePath = `\\.\BthPS3PSMControl`

const (
	FILE_DEVICE_BUS_EXTENDER = 0x0000002a
	METHOD_BUFFERED          = 0
	FILE_READ_ACCESS         = 0x0001
	FILE_WRITE_ACCESS        = 0x0002
)

// Control codes understood by the filter driver. They must stay bit exact.
const (
	IOCTL_BTHPS3PSM_ENABLE_PSM_PATCHING  uint32 = 0x002AAC04
	IOCTL_BTHPS3PSM_DISABLE_PSM_PATCHING uint32 = 0x002AAC08
	IOCTL_BTHPS3PSM_GET_PSM_PATCHING     uint32 = 0x002A6C0C
)

const (
	REQUEST_SIZE       = 4                          // {u32 DeviceIndex}
	SYMLINK_CHARS      = 100                        // 0xC8 bytes of UTF-16
	STATE_SIZE         = 8 + SYMLINK_CHARS*2        // {u32 DeviceIndex; u32 IsEnabled; u16[100]}
	HINT_DRIVER_ACCESS = "BthPS3 filter driver access failed. Is Bluetooth turned on? Are the drivers installed?"
)

func ctlCode(deviceType, function, method, access uint32) uint32 {
	return (deviceType << 16) | (access << 14) | (function << 2) | method
}

var (
	ErrDeviceUnavailable = errors.New("filter control device unavailable")
	ErrShortResponse     = errors.New("short control response")

	errNoRadio = errors.New("no bluetooth host radio present")
)

// DeviceError is returned whenever the control device cannot be reached.
// It always matches ErrDeviceUnavailable.
type DeviceError struct {
	Path string
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return HINT_DRIVER_ACCESS
	}
	return fmt.Sprintf("%s (%s: %v)", HINT_DRIVER_ACCESS, e.Path, e.Err)
}

// Hint returns the message meant for the user.
func (e *DeviceError) Hint() string { return HINT_DRIVER_ACCESS }

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDeviceUnavailable}
	}
	return []error{ErrDeviceUnavailable, e.Err}
}

// Device is an open handle to the control device.
type Device interface {
	IoControl(code uint32, in, out []byte) (uint32, error) // returns bytes written to out
	Close() error
}

// Opener opens the device at path. The platform default is OpenDevice.
type Opener func(path string) (Device, error)

// Presence reports whether a host radio is present.
type Presence interface {
	Available() bool
}

// State is the decoded get-patching response.
type State struct {
	DeviceIndex  uint32
	Enabled      bool
	SymbolicLink string
}

type patchRequest struct {
	DeviceIndex uint32
}

type patchState struct {
	DeviceIndex      uint32
	IsEnabled        uint32
	SymbolicLinkName [SYMLINK_CHARS]uint16
}

// EncodeRequest returns the 4 byte enable/disable request.
func EncodeRequest(deviceIndex uint32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, patchRequest{DeviceIndex: deviceIndex})
	return buf.Bytes()
}

// EncodeState returns the 208 byte get-patching structure. The driver reads
// the device index from and writes the state into the same buffer.
func EncodeState(s State) []byte {
	raw := patchState{DeviceIndex: s.DeviceIndex}
	if s.Enabled {
		raw.IsEnabled = 1
	}
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	if b, err := encoder.Bytes([]byte(s.SymbolicLink)); err == nil {
		for i := 0; i+1 < len(b) && i/2 < SYMLINK_CHARS-1; i += 2 {
			raw.SymbolicLinkName[i/2] = binary.LittleEndian.Uint16(b[i:])
		}
	}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, raw)
	return buf.Bytes()
}

// DecodeState parses a get-patching response.
func DecodeState(b []byte) (State, error) {
	if len(b) < STATE_SIZE {
		return State{}, fmt.Errorf("%w: got %d, want %d", ErrShortResponse, len(b), STATE_SIZE)
	}
	var raw patchState
	if err := binary.Read(bytes.NewReader(b[:STATE_SIZE]), binary.LittleEndian, &raw); err != nil {
		return State{}, err
	}
	s := State{DeviceIndex: raw.DeviceIndex, Enabled: raw.IsEnabled != 0}
	name := b[8:STATE_SIZE]
	for i := 0; i+1 < len(name); i += 2 {
		if name[i] == 0 && name[i+1] == 0 {
			name = name[:i]
			break
		}
	}
	if len(name) > 0 {
		decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
		link, err := decoder.Bytes(name)
		if err != nil {
			return State{}, err
		}
		s.SymbolicLink = string(link)
	}
	return s, nil
}

// Channel talks to the filter control device. Every call opens the device,
// performs exactly one control request and closes it again.
type Channel struct {
	Radio Presence // checked before every open; nil skips the check
	Open  Opener
	Index uint32 // single radio, always 0
	Log   *slog.Logger
}

// New returns a channel using the platform device opener.
func New(radio Presence, log *slog.Logger) *Channel {
	return &Channel{Radio: radio, Open: OpenDevice, Log: log}
}

func (c *Channel) logger() *slog.Logger {
	if c.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Log
}

func (c *Channel) open() (Device, error) {
	if c.Radio != nil && !c.Radio.Available() {
		return nil, &DeviceError{Path: DevicePath, Err: errNoRadio}
	}
	open := c.Open
	if open == nil {
		open = OpenDevice
	}
	dev, err := open(DevicePath)
	if err != nil {
		return nil, &DeviceError{Path: DevicePath, Err: err}
	}
	return dev, nil
}

// Status queries the live patching state. A failed or short control request
// reads as disabled; only a failure to open the device is an error.
func (c *Channel) Status() (State, error) {
	dev, err := c.open()
	if err != nil {
		return State{}, err
	}
	defer func() { _ = dev.Close() }()

	buf := EncodeState(State{DeviceIndex: c.Index})
	n, err := dev.IoControl(IOCTL_BTHPS3PSM_GET_PSM_PATCHING, buf, buf)
	if err != nil {
		c.logger().Debug("get patching request failed, reading as disabled", slog.Any("err", err))
		return State{DeviceIndex: c.Index}, nil
	}
	s, err := DecodeState(buf[:n])
	if err != nil {
		c.logger().Debug("get patching response unusable, reading as disabled", slog.Any("err", err))
		return State{DeviceIndex: c.Index}, nil
	}
	return s, nil
}

// PatchingEnabled reports whether PSM patching is currently enabled.
func (c *Channel) PatchingEnabled() (bool, error) {
	s, err := c.Status()
	if err != nil {
		return false, err
	}
	return s.Enabled, nil
}

// SetPatchingEnabled enables or disables PSM patching.
func (c *Channel) SetPatchingEnabled(enabled bool) error {
	dev, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	code := IOCTL_BTHPS3PSM_DISABLE_PSM_PATCHING
	if enabled {
		code = IOCTL_BTHPS3PSM_ENABLE_PSM_PATCHING
	}
	if _, err := dev.IoControl(code, EncodeRequest(c.Index), nil); err != nil {
		return &DeviceError{Path: DevicePath, Err: fmt.Errorf("control request 0x%08X: %w", code, err)}
	}
	c.logger().Info("patching state changed", slog.Bool("enabled", enabled))
	return nil
}
