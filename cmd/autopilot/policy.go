package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPolicyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Print the effective, validated policy as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(a.policy); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
