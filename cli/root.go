// Package cli implements the pipef command line: running, validating and
// inspecting pipeline definition files.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the pipef command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "pipef",
		Short: "pipef dataflow pipeline engine CLI",
		Long:  "pipef runs line-oriented dataflow pipelines defined in YAML, JSON or HCL files.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "Host config file (default: pipef.yaml in the working directory)")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("log-format", "", "Log format: text | json")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("pipef version %s\n", version))

	root.AddCommand(NewRunCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewGraphCmd())
	return root
}
