// Package cli implements rileyctl, the operator CLI for the voice agent API.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	cfgFile       string
	contextName   string
	overrideURL   string
	overrideToken string
	outputFormat  string

	appConfig *Config
	failed    bool
)

var errCommandFailed = errors.New("command failed")

// Execute runs the CLI.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	if failed {
		return errCommandFailed
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "rileyctl",
	Short: "Operate the Riley voice agent",
	Long: `rileyctl talks to the Riley API: inspect call sessions, replay events,
publish test events and validate customer payloads.
Most commands require a configured context (see 'rileyctl config set-context').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOutputFormat(); err != nil {
			return err
		}
		// Config commands load/save the file manually.
		if strings.HasPrefix(cmd.CommandPath(), "rileyctl config") {
			return nil
		}
		if appConfig == nil {
			var err error
			appConfig, err = LoadConfig(cfgFile)
			if err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "Path to the rileyctl config file")
	rootCmd.PersistentFlags().StringVar(&contextName, "context", "", "Context name to use (overrides current)")
	rootCmd.PersistentFlags().StringVar(&overrideURL, "server", "", "Override API server URL")
	rootCmd.PersistentFlags().StringVar(&overrideToken, "token", "", "Override API token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table|json")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(callsCmd)
	rootCmd.AddCommand(deliveriesCmd)
	rootCmd.AddCommand(configCmd)
}

// resolvedContext merges config state with flag overrides.
func resolvedContext() (*Context, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	ctxName := contextName
	if ctxName == "" {
		ctxName = appConfig.CurrentContext
	}
	ctx, ok := appConfig.Contexts[ctxName]
	if !ok && overrideURL == "" {
		return nil, fmt.Errorf("context %q not found; use 'rileyctl config set-context'", ctxName)
	}
	if overrideURL != "" {
		ctx.Server = overrideURL
	}
	if overrideToken != "" {
		ctx.Token = overrideToken
	}
	if ctx.Server == "" {
		return nil, fmt.Errorf("context %q is missing a server URL", ctxName)
	}
	return &ctx, nil
}

func mustClient() (*Client, *Context, error) {
	ctx, err := resolvedContext()
	if err != nil {
		return nil, nil, err
	}
	client := &Client{
		BaseURL: ctx.Server,
		Token:   ctx.Token,
		Timeout: 15 * time.Second,
	}
	return client, ctx, nil
}

func checkOutputFormat() error {
	switch strings.ToLower(outputFormat) {
	case "json", "table", "":
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", outputFormat)
	}
}

func exitWithError(cmd *cobra.Command, err error) {
	cmd.SilenceUsage = true
	failed = true
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
}
