package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"taskforge/internal"
	"taskforge/internal/configs"
	"taskforge/internal/policy"
	"taskforge/internal/tools"
	"taskforge/internal/util"
)

func init() {
	rootCmd.AddCommand(authorizeCmd)
}

var authorizeCmd = &cobra.Command{
	Use:   "authorize [tool-call json]",
	Short: "Evaluate a tool call against the security policy",
	Long:  "Evaluate a tool call against the security policy. The call is read from stdin when no argument is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		if len(args) == 1 {
			data = []byte(args[0])
		} else {
			var err error
			data, err = io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
		}
		call, err := tools.ParseCall(data)
		if err != nil {
			return err
		}
		scope, settings, err := loadScope(nil)
		if err != nil {
			return err
		}
		scope.Call(func(
			registry *tools.Registry,
			engine *policy.Engine,
		) {
			err = authorize(call, settings, registry, engine)
		})
		return err
	},
}

func authorize(call internal.ToolCall, settings configs.Settings, registry *tools.Registry, engine *policy.Engine) error {
	_, params, err := registry.Resolve(call)
	if err != nil {
		return err
	}
	decision := engine.Authorize(internal.Request{
		Call: internal.ToolCall{
			Tool:       call.Tool,
			Parameters: params,
		},
		Ceiling: settings.Ceiling,
		Network: settings.Sandbox.Network,
	})
	if !decision.Allow {
		return decision.Err()
	}
	util.Success("%s: allowed", call.Tool)
	return nil
}
