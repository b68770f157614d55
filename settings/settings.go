package settings

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ParametersPath is the profile driver parameters key below HKLM.
const ParametersPath = `SYSTEM\CurrentControlSet\Services\BthPS3\Parameters`

type Kind int

const (
	Bool Kind = iota
	Uint
)

func (k Kind) String() string {
	if k == Bool {
		return "bool"
	}
	return "uint"
}

// Option is a named driver parameter stored as a DWORD.
type Option struct {
	Name    string
	Kind    Kind
	Default uint32
	Help    string
}

// Options is the complete parameter table in display order.
var Options = []Option{
	{"IsSIXAXISSupported", Bool, 1, "Accept SIXAXIS/DualShock 3 connections"},
	{"IsNAVIGATIONSupported", Bool, 1, "Accept Navigation controller connections"},
	{"IsMOTIONSupported", Bool, 0, "Accept Motion controller connections"},
	{"IsWIRELESSSupported", Bool, 0, "Accept Wireless controller connections"},
	{"AutoEnableFilter", Bool, 1, "Re-enable PSM patching after a device disconnects"},
	{"AutoEnableFilterDelay", Uint, 10, "Seconds to wait before re-enabling PSM patching"},
	{"AutoDisableFilter", Bool, 1, "Disable PSM patching once a device connected"},
	{"RawPDO", Bool, 1, "Expose child devices as raw PDOs"},
	{"HidePDO", Bool, 0, "Hide child devices from Device Manager"},
	{"AdminOnlyPDO", Bool, 0, "Restrict child device access to administrators"},
	{"ExclusivePDO", Bool, 1, "Allow a single handle per child device"},
	{"ChildIdleTimeout", Uint, 10000, "Milliseconds before an idle child device is disconnected"},
}

var ErrUnknownOption = errors.New("unknown option")

// Lookup finds an option by name, ignoring case.
func Lookup(name string) (Option, error) {
	for _, o := range Options {
		if strings.EqualFold(o.Name, name) {
			return o, nil
		}
	}
	return Option{}, fmt.Errorf("%w: %q", ErrUnknownOption, name)
}

// Parse converts user input for o into its stored DWORD.
func Parse(o Option, text string) (uint32, error) {
	text = strings.TrimSpace(text)
	if o.Kind == Bool {
		switch strings.ToLower(text) {
		case "on", "yes", "enabled":
			return 1, nil
		case "off", "no", "disabled":
			return 0, nil
		}
		b, err := strconv.ParseBool(text)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid boolean %q", o.Name, text)
		}
		if b {
			return 1, nil
		}
		return 0, nil
	}
	n, err := strconv.ParseUint(text, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned value %q", o.Name, text)
	}
	return uint32(n), nil
}

// Value is an option with its current DWORD.
type Value struct {
	Option
	Raw uint32
}

func (v Value) Bool() bool { return v.Raw != 0 }

func (v Value) IsDefault() bool { return v.Raw == v.Default }

func (v Value) String() string {
	if v.Kind == Bool {
		return strconv.FormatBool(v.Bool())
	}
	return strconv.FormatUint(uint64(v.Raw), 10)
}

// Negate flips a boolean value. Unsigned values are returned unchanged.
func Negate(v Value) Value {
	if v.Kind == Bool {
		if v.Bool() {
			v.Raw = 0
		} else {
			v.Raw = 1
		}
	}
	return v
}

// Store reads and writes DWORD values. A missing value reads as def.
type Store interface {
	GetUint(name string, def uint32) (uint32, error)
	SetUint(name string, v uint32) error
}

// Settings gives typed access to the option table over a Store.
type Settings struct {
	Store Store
}

func (s Settings) Get(o Option) (Value, error) {
	raw, err := s.Store.GetUint(o.Name, o.Default)
	if err != nil {
		return Value{Option: o}, fmt.Errorf("read %s: %w", o.Name, err)
	}
	return Value{Option: o, Raw: raw}, nil
}

func (s Settings) Set(v Value) error {
	raw := v.Raw
	if v.Kind == Bool && raw > 1 {
		raw = 1
	}
	if err := s.Store.SetUint(v.Name, raw); err != nil {
		return fmt.Errorf("write %s: %w", v.Name, err)
	}
	return nil
}

// GetBool reads the named boolean option.
func (s Settings) GetBool(name string) (bool, error) {
	o, err := Lookup(name)
	if err != nil {
		return false, err
	}
	v, err := s.Get(o)
	return v.Bool(), err
}

func (s Settings) SetBool(name string, b bool) error {
	o, err := Lookup(name)
	if err != nil {
		return err
	}
	v := Value{Option: o}
	if b {
		v.Raw = 1
	}
	return s.Set(v)
}

// GetUint reads the named unsigned option.
func (s Settings) GetUint(name string) (uint32, error) {
	o, err := Lookup(name)
	if err != nil {
		return 0, err
	}
	v, err := s.Get(o)
	return v.Raw, err
}

func (s Settings) SetUint(name string, n uint32) error {
	o, err := Lookup(name)
	if err != nil {
		return err
	}
	return s.Set(Value{Option: o, Raw: n})
}

// Snapshot reads every option in table order.
func (s Settings) Snapshot() ([]Value, error) {
	values := make([]Value, 0, len(Options))
	for _, o := range Options {
		v, err := s.Get(o)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Memory is an in-memory Store. Names are case-insensitive like registry
// value names.
type Memory struct {
	mu     sync.Mutex
	values map[string]uint32
}

func (m *Memory) GetUint(name string, def uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[strings.ToLower(name)]; ok {
		return v, nil
	}
	return def, nil
}

func (m *Memory) SetUint(name string, v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]uint32)
	}
	m.values[strings.ToLower(name)] = v
	return nil
}
