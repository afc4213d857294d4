package main

import (
	"github.com/spf13/cobra"

	"github.com/akmatori/autopilot/internal/config"
	"github.com/akmatori/autopilot/internal/handlers"
	"github.com/akmatori/autopilot/internal/observability"
)

// app carries what every subcommand needs once the root command has run
type app struct {
	policyFile string

	cfg    *config.Config
	policy *config.Policy
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "autopilot",
		Short:         "Incident decision and remediation pipeline core",
		Version:       handlers.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.policyFile, "policy", "p", "", "policy file (default is $POLICY_FILE or built-in defaults)")
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newPolicyCmd(a),
	)
	return root
}

// load reads the environment and the policy and starts the global logger
func (a *app) load() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.policyFile != "" {
		cfg.PolicyFile = a.policyFile
	}

	observability.InitializeLogger(observability.LoggerConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		LogFile:     cfg.LogFile,
		ServiceName: "autopilot",
	})

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.policy = policy
	return nil
}
