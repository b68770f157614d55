package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// Result is the outcome of an external tool run.
type Result struct {
	Code   int
	Output string
}

// Runner runs an external tool. A non-zero exit code is a Result, not an
// error; errors mean the tool could not be run at all.
type Runner interface {
	Run(ctx context.Context, args ...string) (Result, error)
}

// ExecRunner runs the executable at Path.
type ExecRunner struct {
	Path string
	Log  *slog.Logger
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (Result, error) {
	out, err := exec.CommandContext(ctx, r.Path, args...).CombinedOutput()
	res := Result{Output: strings.TrimSpace(string(out))}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.Code = exitErr.ExitCode()
	case err != nil:
		return res, fmt.Errorf("run %s: %w", r.Path, err)
	}
	if r.Log != nil {
		r.Log.LogAttrs(ctx, slog.LevelDebug, "command finished",
			slog.String("path", r.Path),
			slog.Any("args", args),
			slog.Int("code", res.Code),
			slog.String("output", res.Output))
	}
	return res, nil
}

// Nefcon drives nefconc, the command line driver utility shipped next to
// the driver packages.
type Nefcon struct {
	Runner Runner
}

func braced(g uuid.UUID) string { return "{" + g.String() + "}" }

func (n *Nefcon) run(ctx context.Context, op string, args ...string) (bool, error) {
	res, err := n.Runner.Run(ctx, args...)
	if err != nil {
		return false, &ProvisioningError{Op: op, Code: -1, Message: err.Error(), Err: err}
	}
	return CheckExit(op, res.Code)
}

// DefaultInstall runs the DefaultInstall section of inf.
func (n *Nefcon) DefaultInstall(ctx context.Context, inf string) (bool, error) {
	return n.run(ctx, "filter install",
		"--inf-default-install",
		"--inf-path", inf)
}

func (n *Nefcon) AddClassFilter(ctx context.Context, class uuid.UUID, service string) (bool, error) {
	return n.run(ctx, "add class filter",
		"--add-class-filter",
		"--position", "lower",
		"--service-name", service,
		"--class-guid", braced(class))
}

func (n *Nefcon) RemoveClassFilter(ctx context.Context, class uuid.UUID, service string) (bool, error) {
	return n.run(ctx, "remove class filter",
		"--remove-class-filter",
		"--position", "lower",
		"--service-name", service,
		"--class-guid", braced(class))
}

// InstallDriver adds inf to the driver store and updates matching devices.
func (n *Nefcon) InstallDriver(ctx context.Context, inf string) (bool, error) {
	return n.run(ctx, "install driver "+inf,
		"--install-driver",
		"--inf-path", inf)
}

func (n *Nefcon) RemoveDeviceNode(ctx context.Context, hardwareID string, class uuid.UUID) (bool, error) {
	return n.run(ctx, "remove device node",
		"--remove-device-node",
		"--hardware-id", hardwareID,
		"--class-guid", braced(class))
}

func (n *Nefcon) EnableService(ctx context.Context, name string, service uuid.UUID) (bool, error) {
	return n.run(ctx, "enable service",
		"--enable-bluetooth-service",
		"--service-name", name,
		"--service-guid", braced(service))
}

func (n *Nefcon) DisableService(ctx context.Context, name string, service uuid.UUID) (bool, error) {
	return n.run(ctx, "disable service",
		"--disable-bluetooth-service",
		"--service-name", name,
		"--service-guid", braced(service))
}
