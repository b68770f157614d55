//go:build !windows

package settings

import "errors"

// Registry is unavailable on this platform.
type Registry struct {
	Path string
}

func NewRegistry() *Registry { return &Registry{Path: ParametersPath} }

func (r *Registry) GetUint(string, uint32) (uint32, error) { return 0, errors.ErrUnsupported }
func (r *Registry) SetUint(string, uint32) error           { return errors.ErrUnsupported }
