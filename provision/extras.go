package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

const (
	ManifestsDir = "manifests"
	UpdaterName  = "nefarius_BthPS3_Updater.exe"
)

// Manifests are the ETW provider manifests of both drivers.
var Manifests = []string{"BthPS3.man", "BthPS3PSM.man"}

// Extras runs the optional helpers around a driver install: ETW manifest
// registration through wevtutil and the auto-updater. Failures never fail
// an install; they are returned joined for the caller to log.
type Extras struct {
	Wevtutil Runner
	Updater  Runner // nil when no updater ships with the install
	Log      *slog.Logger
}

func (e *Extras) logger() *slog.Logger {
	if e.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Log
}

func (e *Extras) each(ctx context.Context, verb string, paths []string) error {
	var errs []error
	for _, path := range paths {
		res, err := e.Wevtutil.Run(ctx, verb, path)
		if err == nil && res.Code != ExitSuccess {
			err = &ProvisioningError{Op: "wevtutil " + verb, Code: res.Code, Message: res.Output}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		e.logger().LogAttrs(ctx, slog.LevelInfo, "manifest "+verb, slog.String("path", path))
	}
	return errors.Join(errs...)
}

// ImportManifests registers the given manifest files.
func (e *Extras) ImportManifests(ctx context.Context, paths []string) error {
	return e.each(ctx, "im", paths)
}

// RemoveManifests unregisters the given manifest files.
func (e *Extras) RemoveManifests(ctx context.Context, paths []string) error {
	return e.each(ctx, "um", paths)
}

func (e *Extras) updater(ctx context.Context, verb string) error {
	if e.Updater == nil {
		return nil
	}
	res, err := e.Updater.Run(ctx, verb, "--silent", "--override-success-code", "0")
	if err != nil {
		return err
	}
	if res.Code != ExitSuccess {
		return &ProvisioningError{Op: "updater " + verb, Code: res.Code, Message: res.Output}
	}
	return nil
}

func (e *Extras) RegisterUpdater(ctx context.Context) error   { return e.updater(ctx, "--install") }
func (e *Extras) DeregisterUpdater(ctx context.Context) error { return e.updater(ctx, "--uninstall") }
