package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailpipe/internal/app"
	"github.com/nhle/mailpipe/internal/credential"
	"github.com/nhle/mailpipe/internal/model"
)

var (
	forceInit   bool
	secretValue string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := os.Stat(configPath); err == nil && !forceInit {
			return fmt.Errorf("%s already exists, pass --force to overwrite", configPath)
		}
		// With --force, values already in the file survive and missing
		// keys are filled from defaults.
		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if err := model.SaveConfig(configPath, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
		return nil
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets kept in the system keyring",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store a secret in the keyring",
	Long: fmt.Sprintf(`Store a secret in the keyring. Known keys:

  %s
  %s
  %s

The value is read from --value, or from the first line of stdin.`,
		credential.KeyGoogleClientSecret, credential.KeyAIAPIKey, credential.KeyBlobSecretKey),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := secretValue
		if value == "" {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading secret from stdin: %w", err)
			}
			value = strings.TrimSpace(line)
		}
		if value == "" {
			return fmt.Errorf("empty secret for %q", args[0])
		}
		return credential.Set(args[0], value)
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a secret from the keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return credential.Delete(args[0])
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs <user-id>",
	Short: "List the sign-in workflow runs recorded for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			runs, err := a.Steps.GetRunsForUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		})
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")
	secretSetCmd.Flags().StringVar(&secretValue, "value", "", "secret value (read from stdin when empty)")

	configCmd.AddCommand(configInitCmd)
	secretCmd.AddCommand(secretSetCmd, secretDeleteCmd)
	rootCmd.AddCommand(configCmd, secretCmd, runsCmd)
}
