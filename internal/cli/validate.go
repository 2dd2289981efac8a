package cli

import (
	"fmt"

	"github.com/mizuki/agentrelay/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the agent configuration file",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	configPath := viper.GetString("config")
	store := config.NewStore(configPath)

	if err := store.EnsureLatest(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	snap := store.Snapshot()
	cmd.Printf("Configuration OK: %d agent(s)\n", len(snap.Agents))
	for _, name := range snap.AgentNames() {
		agent := snap.Agents[name]
		cmd.Printf("  %s -> %s (model %s)\n", name, agent.Endpoint, agent.Model)
	}
	cmd.Printf("timeouts: request=%s connect=%s\n", snap.Timeouts.Request, snap.Timeouts.Connect)
	cmd.Printf("retries: max_attempts=%d base_backoff=%s\n", snap.Retry.MaxAttempts, snap.Retry.BaseBackoff)
	if snap.Security.Enabled {
		cmd.Printf("security: enabled (token env %s)\n", snap.Security.TokenEnv)
	} else {
		cmd.Println("security: disabled")
	}

	return nil
}
