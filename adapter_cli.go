package ctrlstack

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
)

// CLIOption configures the command tree built by NewCLI.
type CLIOption func(*cliOptions)

type cliOptions struct {
	config Config
	logger *slog.Logger
}

// WithCLIConfig sets the root command name and version.
func WithCLIConfig(cfg Config) CLIOption {
	return func(o *cliOptions) {
		o.config = cfg
	}
}

// WithCLILogger sets the logger used by the command tree.
func WithCLILogger(logger *slog.Logger) CLIOption {
	return func(o *cliOptions) {
		o.logger = logger
	}
}

// NewCLI builds a root command with one subcommand per method of c, named
// after the method with dashes (bar_cmd -> bar-cmd). Required parameters are
// positional arguments; parameters with defaults are optional flags.
// Structured parameters take JSON text (comments and trailing commas allowed).
func NewCLI(c Controller, opts ...CLIOption) *cobra.Command {
	o := &cliOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	name := strings.ToLower(o.config.Name)
	if name == "" {
		name = "ctrlstack"
	}
	short := name
	if o.config.Version != "" {
		short = fmt.Sprintf("%s v%s", o.config.Name, o.config.Version)
	}
	root := &cobra.Command{
		Use:          name,
		Short:        short,
		Long:         fmt.Sprintf("%s (based on %s)", short, FrameworkBuildInfo()),
		Version:      o.config.Version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(versionLine(o.config, FrameworkBuildInfo()) + "\n")
	root.PersistentFlags().StringP("output", "o", "json", "Output format for results (json|yaml)")

	reg := c.Registry()
	for _, methodName := range reg.MethodNames() {
		m, ok := reg.Lookup(methodName)
		if !ok {
			continue
		}
		root.AddCommand(newMethodCommand(c, m, o.logger))
	}
	return root
}

func newMethodCommand(c Controller, m *Method, logger *slog.Logger) *cobra.Command {
	use := m.CommandName()
	required := 0
	for _, p := range m.Signature.Params {
		if !p.HasDefault {
			use += " <" + p.Name + ">"
			required++
		}
	}

	short := m.Description
	if short == "" {
		short = fmt.Sprintf("Run %s %s/%s", m.Kind, m.Group, m.Name)
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(required),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := bindCLIArgs(cmd.Flags(), m.Signature.Params, args)
			if err != nil {
				return err
			}
			logger.Debug("invoking method", "method", m.Name, "group", m.Group, "kind", m.Kind.String())
			result, err := m.invokeValues(cmd.Context(), c, values)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("output")
			return printResult(cmd.OutOrStdout(), result, format)
		},
	}
	for _, p := range m.Signature.Params {
		if p.HasDefault {
			addParamFlag(cmd.Flags(), p)
		}
	}
	return cmd
}

// reservedFlags are inherited by every method command (the root's persistent
// flags and cobra's help). A parameter with one of these names is exposed as
// --param-<name> so that it does not shadow them.
var reservedFlags = map[string]bool{
	"output":  true,
	"help":    true,
	"url":     true,
	"api-key": true,
}

func flagName(param string) string {
	name := strings.ReplaceAll(param, "_", "-")
	if reservedFlags[name] {
		name = "param-" + name
	}
	return name
}

// checkCommandNames returns a configuration error when a method of c would be
// exposed under one of the reserved subcommand names.
func checkCommandNames(op string, c Controller, reserved ...string) error {
	for _, m := range c.Registry().Methods() {
		if slices.Contains(reserved, m.CommandName()) {
			return newError(CodeConfiguration, op,
				"method %s/%s collides with the built-in %q subcommand", m.Group, m.Name, m.CommandName())
		}
	}
	return nil
}

func isBoolFlag(p Parameter) bool {
	return p.Type.Kind() == reflect.Bool
}

func addParamFlag(fs *pflag.FlagSet, p Parameter) {
	if isBoolFlag(p) {
		var def bool
		if p.Default != nil {
			def = reflect.ValueOf(p.Default).Bool()
		}
		fs.Bool(flagName(p.Name), def, p.Description)
		return
	}
	fs.String(flagName(p.Name), formatDefault(p.Default), p.Description)
}

func formatDefault(def any) string {
	if def == nil {
		return ""
	}
	v, ok, err := encodeQueryValue(reflect.ValueOf(def))
	if err != nil || !ok {
		return ""
	}
	return v
}

func bindCLIArgs(fs *pflag.FlagSet, params []Parameter, args []string) ([]reflect.Value, error) {
	values := make([]reflect.Value, len(params))
	next := 0
	for i, p := range params {
		if !p.HasDefault {
			v, err := parseCLIValue(args[next], p.Type)
			if err != nil {
				return nil, wrapError(CodeInvalidArgument, "parse args", err, "argument %q", p.Name)
			}
			next++
			values[i] = v
			continue
		}

		name := flagName(p.Name)
		if !fs.Changed(name) {
			v, err := defaultFor(p)
			if err != nil {
				return nil, err
			}
			values[i] = v
			continue
		}

		var (
			v   reflect.Value
			err error
		)
		if isBoolFlag(p) {
			b, _ := fs.GetBool(name)
			v, err = convertValue(b, p.Type)
		} else {
			s, _ := fs.GetString(name)
			v, err = parseCLIValue(s, p.Type)
		}
		if err != nil {
			return nil, wrapError(CodeInvalidArgument, "parse args", err, "flag --%s", name)
		}
		values[i] = v
	}
	return values, nil
}

// parseCLIValue parses a command-line string. Scalars are parsed directly;
// structured types accept JSON with comments.
func parseCLIValue(s string, t reflect.Type) (reflect.Value, error) {
	if isScalar(t) {
		return convertStringToType(s, t)
	}
	p := reflect.New(t)
	if err := json.Unmarshal(jsonc.ToJSON([]byte(s)), p.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot parse %q as %v: %w", s, t, err)
	}
	return p.Elem(), nil
}
