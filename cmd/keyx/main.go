package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/medrex/dlt-keyx/pkg/config"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

var (
	configFile string
	dataDir    string
	identity   string
	assumeYes  bool
)

var rootCmd = &cobra.Command{
	Use:           "keyx",
	Short:         "Medrex document key exchange agent",
	Long:          `keyx manages the device key pair of a Medrex portal identity, seals medical records for their owner and recipients, and opens records shared through the ledger.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./keyx.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", ".keyx", "directory for the dev ledger, local bundles and keys")
	rootCmd.PersistentFlags().StringVar(&identity, "as", os.Getenv("KEYX_IDENTITY"), "identity (0x address) to act as")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to the key regeneration prompt")
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// exitCode maps protocol failures to distinct exit statuses
func exitCode(err error) int {
	switch types.KindOf(err) {
	case "":
		return 1
	case types.KindAccessDenied, types.KindNotOwner:
		return 3
	case types.KindKeyDivergence:
		return 4
	case types.KindCollaboratorUnavailable, types.KindRegistrationNotConfirmed:
		return 5
	default:
		return 2
	}
}

// withApp loads the configuration and runs fn with a fully wired app
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{
		dataDir: dataDir,
		decider: newPromptDecider(cmd.InOrStdin(), cmd.ErrOrStderr(), assumeYes),
	})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

// caller returns the --as identity
func caller() (types.Identity, error) {
	id, err := types.ParseIdentity(identity)
	if err != nil {
		return "", fmt.Errorf("--as: %w", err)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
	return nil
}
