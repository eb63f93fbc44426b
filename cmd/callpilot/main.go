package main

import (
	"os"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/cmds/middlewares"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/callpilot/pkg/config"
)

const appName = "callpilot"

type app struct {
	v        *viper.Viper
	settings config.Settings
}

func newRootCmd() (*cobra.Command, error) {
	a := &app{v: viper.New()}
	rootCmd := &cobra.Command{
		Use:          appName,
		Short:        "callpilot places phone calls for a user and suggests replies live",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(a.v, cmd.Flags())
			if err != nil {
				return err
			}
			a.settings = s
			// reinitialize the logger now that --log-level and co are parsed
			if !viper.IsSet("log-format") && !isatty.IsTerminal(os.Stderr.Fd()) {
				viper.Set("log-format", "json")
			}
			return logging.InitLoggerFromViper()
		},
	}

	if err := clay.InitViper(appName, rootCmd); err != nil {
		return nil, err
	}
	config.AddFlags(rootCmd.PersistentFlags())

	serveCmd, err := NewServeCommand(a)
	if err != nil {
		return nil, err
	}
	cobraServeCmd, err := cli.BuildCobraCommand(serveCmd, cli.WithCobraMiddlewaresFunc(callpilotMiddlewares))
	if err != nil {
		return nil, err
	}
	callsCmd, err := a.newCallsCommand()
	if err != nil {
		return nil, err
	}

	rootCmd.AddCommand(cobraServeCmd)
	rootCmd.AddCommand(a.newConfigCommand())
	rootCmd.AddCommand(callsCmd)
	return rootCmd, nil
}

func callpilotMiddlewares(
	_ *layers.ParsedLayers,
	cmd *cobra.Command,
	args []string,
) ([]middlewares.Middleware, error) {
	return []middlewares.Middleware{
		middlewares.ParseFromCobraCommand(cmd,
			parameters.WithParseStepSource("cobra"),
		),
		middlewares.GatherArguments(args,
			parameters.WithParseStepSource("arguments"),
		),
		middlewares.UpdateFromEnv(config.EnvPrefix,
			parameters.WithParseStepSource("env"),
		),
		middlewares.SetFromDefaults(
			parameters.WithParseStepSource("defaults"),
		),
	}, nil
}

func main() {
	rootCmd, err := newRootCmd()
	cobra.CheckErr(err)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
