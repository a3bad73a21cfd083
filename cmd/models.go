package cmd

import (
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect stored models",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every stored model version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := appInstance.Registry().ListModels(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	})
	return cmd
}
