package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nooga/objcore/pkg/config"
	"github.com/nooga/objcore/pkg/ctxlog"
	"github.com/nooga/objcore/pkg/driver"
)

// errReported marks a failure whose details were already printed.
var errReported = errors.New("errors reported above")

// app holds the global flags and the session built from them.
type app struct {
	configPath   string
	logLevel     string
	logFormat    string
	layout       string
	verifyCaches bool
	noCaches     bool

	session *driver.Session
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "objcore",
		Short: "Inspect and exercise the objcore object model",
		Long: `objcore loads class hierarchies declared in HCL, computes their
method resolution orders, and exercises shapes, caches, dictionary
devolution and weak references on them.`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "YAML configuration file")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides the config)")
	f.StringVar(&a.logFormat, "log-format", "text", "log format: text or json")
	f.StringVar(&a.layout, "layout", "", "default instance layout: inline or boxed")
	f.BoolVar(&a.verifyCaches, "verify-caches", false, "check every cache hit against a full lookup")
	f.BoolVar(&a.noCaches, "no-caches", false, "disable the attribute and method caches")

	root.AddCommand(a.mroCmd(), a.checkCmd(), a.scenarioCmd(), a.statsCmd())
	return root
}

// setup resolves the configuration (defaults, file, environment, flags)
// and creates the session shared by every subcommand.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.layout != "" {
		cfg.DefaultLayout = strings.ToLower(a.layout)
	}
	if a.verifyCaches {
		cfg.VerifyCaches = true
	}
	if a.noCaches {
		cfg.AttrCacheEnabled = false
		cfg.MethodCacheEnabled = false
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	logger := ctxlog.New(cmd.ErrOrStderr(), a.logFormat, cfg.LogLevel)
	a.session, err = driver.NewSession(cfg, logger)
	if err != nil {
		return &exitError{code: exitSoftware, err: err}
	}
	cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
	return nil
}

func (a *app) mroCmd() *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "mro FILE...",
		Short: "Print the method resolution order of a class",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, errs := a.session.Load(cmd.Context(), args...)
			// classes that did load can still be linearized
			if !a.session.DisplayResult(cmd.ErrOrStderr(), h, errs) && h == nil {
				return &exitError{code: exitDataErr, err: errReported}
			}
			m, err := a.session.MRO(h, class)
			if err != nil {
				return &exitError{code: exitDataErr, err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(m, " -> "))
			return nil
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "class to linearize")
	_ = cmd.MarkFlagRequired("class")
	return cmd
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE...",
		Short: "Load hierarchy files and report every problem with its source",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, errs := a.session.Load(cmd.Context(), args...)
			if !a.session.DisplayResult(cmd.ErrOrStderr(), h, errs) {
				return &exitError{code: exitDataErr, err: errReported}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d classes OK\n", len(h.Order))
			return nil
		},
	}
}

func (a *app) scenarioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenario",
		Short: "Run the Point/Line walkthrough and print each step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.session.RunScenario(cmd.OutOrStdout()); err != nil {
				return &exitError{code: exitSoftware, err: err}
			}
			return nil
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	var prom bool
	cmd := &cobra.Command{
		Use:   "stats FILE...",
		Short: "Exercise every loaded class and print cache statistics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, errs := a.session.Load(cmd.Context(), args...)
			if !a.session.DisplayResult(cmd.ErrOrStderr(), h, errs) {
				return &exitError{code: exitDataErr, err: errReported}
			}
			if err := a.session.Exercise(h); err != nil {
				return &exitError{code: exitSoftware, err: err}
			}
			out := cmd.OutOrStdout()
			a.session.PrintCacheStats(out)
			if prom {
				fmt.Fprintln(out)
				if err := a.session.WritePrometheus(out); err != nil {
					return &exitError{code: exitSoftware, err: err}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&prom, "prom", false, "also dump the metrics in Prometheus text format")
	return cmd
}
