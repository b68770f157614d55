package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/malivvan/bthps3/config"
	"github.com/malivvan/bthps3/cui"
	"github.com/malivvan/bthps3/provision"
	"github.com/malivvan/bthps3/psm"
	"github.com/malivvan/bthps3/radio"
	"github.com/malivvan/bthps3/settings"
	"github.com/malivvan/bthps3/setup"
)

// Radio is the host radio as the commands use it.
type Radio interface {
	radio.Lifecycle
	Info() (radio.Info, error)
}

// Patcher reads and switches PSM patching.
type Patcher interface {
	Status() (psm.State, error)
	SetPatchingEnabled(enabled bool) error
}

// Deps builds the collaborators of the commands.
type Deps struct {
	Radio    func(log *slog.Logger) Radio
	Patch    func(r Radio, log *slog.Logger) Patcher
	Settings func() settings.Store
	Strategy func(cfg *config.Config, d setup.Deps) setup.Strategy
	UI       func(version string, s settings.Settings) error
	Logger   func(c config.LogConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) // nil uses config.NewLogger
}

// DefaultDeps returns the system implementations.
func DefaultDeps() Deps {
	return Deps{
		Radio:    func(log *slog.Logger) Radio { return radio.NewHost(log) },
		Patch:    func(r Radio, log *slog.Logger) Patcher { return psm.New(r, log) },
		Settings: func() settings.Store { return settings.NewRegistry() },
		Strategy: newStrategy,
		UI:       cui.Execute,
		Logger:   config.NewLogger,
	}
}

func newStrategy(cfg *config.Config, d setup.Deps) setup.Strategy {
	paths := cfg.Paths()
	d.Provisioner = provision.NewProvisioner(paths.Nefcon, d.Log)
	extras := &provision.Extras{
		Wevtutil: &provision.ExecRunner{Path: "wevtutil.exe", Log: d.Log},
		Log:      d.Log,
	}
	if cfg.Extras.Updater {
		extras.Updater = &provision.ExecRunner{Path: paths.Updater, Log: d.Log}
	}
	d.Extras = extras
	return setup.New(cfg, d)
}

// Explain turns err into the message shown to the user.
func Explain(err error) string {
	var de *psm.DeviceError
	switch {
	case errors.As(err, &de):
		return de.Hint()
	case errors.Is(err, setup.ErrNoRadio):
		return "No Bluetooth host radio found. Plug in or enable a Bluetooth adapter and try again."
	}
	return err.Error()
}

func New(version string) *cobra.Command { return NewWith(version, DefaultDeps()) }

// NewWith returns the command tree on deps.
func NewWith(version string, deps Deps) (root *cobra.Command) {
	var (
		cfg    *config.Config
		log    *slog.Logger
		closer io.Closer
	)

	root = &cobra.Command{
		Use:           "bthps3",
		Short:         "BthPS3 driver setup and control",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range []string{"config", "install-dir"} {
				if err := resolvePath(cmd, name); err != nil {
					return err
				}
			}
			var err error
			if cfg, err = config.Load(cmd.Flag("config").Value.String()); err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("install-dir") {
				cfg.InstallDir, _ = flags.GetString("install-dir")
			}
			if flags.Changed("modern") {
				cfg.UseModern, _ = flags.GetBool("modern")
			}
			if flags.Changed("log-level") {
				cfg.Log.Level, _ = flags.GetString("log-level")
			}
			if flags.Changed("log-file") {
				cfg.Log.File, _ = flags.GetString("log-file")
			}
			if err = cfg.Validate(); err != nil {
				return err
			}
			newLogger := deps.Logger
			if newLogger == nil {
				newLogger = config.NewLogger
			}
			log, closer, err = newLogger(cfg.Log, cmd.ErrOrStderr())
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.UI(version, settings.Settings{Store: deps.Settings()})
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "install the driver stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := deps.Radio(log)
			yes, _ := cmd.Flags().GetBool("yes")
			var prompt setup.Prompter = &setup.Console{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			if yes {
				prompt = setup.Fixed{Choice: setup.Ignore, Out: cmd.OutOrStdout()}
			}
			strategy := deps.Strategy(cfg, setup.Deps{Radio: r, Patch: deps.Patch(r, log), Prompt: prompt, Log: log})
			if _, err := strategy.Install(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "installation finished")
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "remove the driver stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := deps.Radio(log)
			strategy := deps.Strategy(cfg, setup.Deps{Radio: r, Patch: deps.Patch(r, log), Log: log})
			strategy.Uninstall(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "uninstall finished")
			return nil
		},
	})
	root.AddCommand(patchCommand(deps, &log))
	root.AddCommand(settingsCommand(version, deps))
	root.AddCommand(radioCommand(deps, &log, &cfg))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), cmd.Root().Version)
		},
	})

	root.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}
	root.PersistentFlags().StringP("config", "c", os.Getenv(config.EnvConfig), "path to the installer configuration")
	root.PersistentFlags().String("install-dir", "", "directory holding the unpacked driver packages")
	root.PersistentFlags().Bool("modern", true, "install without reboot by restarting the radio")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-file", "", "also log to this file, rotated by size")
	root.PersistentFlags().BoolP("yes", "y", false, "never ask; continue when the radio restart fails")

	closeAfter(root, func() error {
		if closer == nil {
			return nil
		}
		c := closer
		closer = nil
		return c.Close()
	})
	return root
}

// closeAfter makes every runnable command below cmd call finish once it
// returns, whether or not it failed.
func closeAfter(cmd *cobra.Command, finish func() error) {
	switch {
	case cmd.RunE != nil:
		run := cmd.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			if cerr := finish(); err == nil {
				err = cerr
			}
			return err
		}
	case cmd.Run != nil:
		run := cmd.Run
		cmd.Run = nil
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			run(cmd, args)
			return finish()
		}
	}
	for _, sub := range cmd.Commands() {
		closeAfter(sub, finish)
	}
}

// resolvePath makes the path flag name absolute, expanding a leading ~.
func resolvePath(cmd *cobra.Command, name string) error {
	flag := cmd.Flag(name)
	path := flag.Value.String()
	switch {
	case path == "":
		return nil
	case strings.HasPrefix(path, "~"):
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		return flag.Value.Set(filepath.Join(home, strings.TrimPrefix(path, "~")))
	case !filepath.IsAbs(path):
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		return flag.Value.Set(abs)
	}
	return nil
}

func patchCommand(deps Deps, log **slog.Logger) *cobra.Command {
	patcher := func() Patcher { return deps.Patch(deps.Radio(*log), *log) }
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "inspect or switch PSM patching of the filter driver",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "print the patching state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := patcher().Status()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enabled: %t\n", s.Enabled)
			fmt.Fprintf(out, "device:  %d\n", s.DeviceIndex)
			if s.SymbolicLink != "" {
				fmt.Fprintf(out, "symlink: %s\n", s.SymbolicLink)
			}
			return nil
		},
	})
	for _, enable := range []bool{true, false} {
		use, short := "enable", "enable PSM patching"
		if !enable {
			use, short = "disable", "disable PSM patching"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := patcher().SetPatchingEnabled(enable); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "patching %sd\n", use)
				return nil
			},
		})
	}
	return cmd
}

func settingsCommand(version string, deps Deps) *cobra.Command {
	open := func() settings.Settings { return settings.Settings{Store: deps.Settings()} }
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "show and change the profile driver settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "print every setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := open().Snapshot()
			if err != nil {
				return err
			}
			width := 0
			for _, v := range values {
				width = max(width, len(v.Name))
			}
			for _, v := range values {
				def := ""
				if v.IsDefault() {
					def = " (default)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-*s  %s%s\n", width, v.Name, v, def)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get NAME",
		Short: "print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := settings.Lookup(args[0])
			if err != nil {
				return err
			}
			v, err := open().Get(o)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set NAME VALUE",
		Short: "change one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := settings.Lookup(args[0])
			if err != nil {
				return err
			}
			raw, err := settings.Parse(o, args[1])
			if err != nil {
				return err
			}
			return open().Set(settings.Value{Option: o, Raw: raw})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset [NAME...]",
		Short: "restore settings to their defaults, all of them without arguments",
		RunE: func(cmd *cobra.Command, args []string) error {
			options := settings.Options
			if len(args) > 0 {
				options = nil
				for _, name := range args {
					o, err := settings.Lookup(name)
					if err != nil {
						return err
					}
					options = append(options, o)
				}
			}
			s := open()
			var errs []error
			for _, o := range options {
				errs = append(errs, s.Set(settings.Value{Option: o, Raw: o.Default}))
			}
			return errors.Join(errs...)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "ui",
		Short: "edit the settings interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.UI(version, open())
		},
	})
	return cmd
}

func radioCommand(deps Deps, log **slog.Logger, cfg **config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "radio",
		Short: "inspect or restart the Bluetooth host radio",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "print the host radio state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := deps.Radio(*log)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state:         %s\n", radio.StateOf(r))
			info, err := r.Info()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "present:       %t\n", info.Present)
			fmt.Fprintf(out, "started:       %t\n", info.Started)
			fmt.Fprintf(out, "driver loaded: %t\n", info.DriverLoaded)
			fmt.Fprintf(out, "problem:       %t\n", info.Problem)
			for _, iface := range info.Interfaces {
				fmt.Fprintf(out, "interface:     %s\n", iface)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restart",
		Short: "restart the host radio and wait for it to come back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := deps.Radio(*log)
			if !r.Available() {
				return setup.ErrNoRadio
			}
			symlink, err := radio.RestartAndAwait(cmd.Context(), r, radio.AwaitOptions{
				Timeout: time.Duration((*cfg).Restart.TimeoutSec) * time.Second,
				Log:     *log,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "radio back online: %s\n", symlink)
			return nil
		},
	})
	return cmd
}
