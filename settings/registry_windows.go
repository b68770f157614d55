//go:build windows

package settings

import (
	"errors"

	"golang.org/x/sys/windows/registry"
)

// Registry stores options as REG_DWORD values below HKLM\Path. The key is
// opened for every call.
type Registry struct {
	Path string
}

// NewRegistry returns the store of the installed profile driver.
func NewRegistry() *Registry { return &Registry{Path: ParametersPath} }

func (r *Registry) GetUint(name string, def uint32) (uint32, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, r.Path, registry.QUERY_VALUE)
	if errors.Is(err, registry.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	defer key.Close()

	v, _, err := key.GetIntegerValue(name)
	if errors.Is(err, registry.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return uint32(v), nil
}

func (r *Registry) SetUint(name string, v uint32) error {
	key, _, err := registry.CreateKey(registry.LOCAL_MACHINE, r.Path, registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer key.Close()
	return key.SetDWordValue(name, v)
}
