package cmd

import (
	"fmt"

	"github.com/reusee/dscope"
	"github.com/spf13/cobra"

	"taskforge/internal/app"
	"taskforge/internal/configs"
	"taskforge/internal/loader"
	"taskforge/internal/logs"
	"taskforge/internal/policy"
)

var (
	configPaths []string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:           "taskforge",
	Short:         "Plan instructions into task graphs and run them in sandboxed workspaces",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logs.SetLevel(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&configPaths, "config", nil, "config files (default: taskforge.cue in the working, user config and /etc directories)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

// loadScope reads settings and policy rules once and returns the component
// scope of this run. override, if not nil, adjusts the settings from flags.
func loadScope(override func(*configs.Settings)) (scope dscope.Scope, settings configs.Settings, err error) {
	paths := configPaths
	if len(paths) == 0 {
		paths = configs.SearchPaths()
	}
	settings, err = configs.LoadSettings(configs.NewLoader(paths, configs.Schema))
	if err != nil {
		return
	}
	if override != nil {
		override(&settings)
	}
	rules, err := loader.LoadRules(settings.PolicyFile)
	if err != nil {
		err = fmt.Errorf("policy %s: %w", settings.PolicyFile, err)
		return
	}
	scope = newScope(settings, rules)
	return
}

func newScope(settings configs.Settings, rules policy.Rules) dscope.Scope {
	return dscope.New(
		new(app.Module),
		func() configs.Settings {
			return settings
		},
		func() policy.Rules {
			return rules
		},
	)
}

func Execute() error {
	return rootCmd.Execute()
}
