package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/asakaida/monban/internal/app"
	"github.com/asakaida/monban/internal/infrastructure/config"
	"github.com/asakaida/monban/internal/infrastructure/logging"
	"github.com/asakaida/monban/internal/services"
)

var (
	envFlag string
	strict  bool
)

var rootCmd = &cobra.Command{
	Use:          "seed",
	Short:        "Load permission manifests into Monban",
	SilenceUsage: true,
}

var validateCmd = &cobra.Command{
	Use:   "validate <manifest.yaml>",
	Short: "Check a manifest without touching the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := services.LoadManifestFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d roles, %d permissions, %d assignments, %d policies\n",
			args[0], len(m.Roles), len(m.Permissions), len(m.Assignments), len(m.Policies))
		return nil
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <manifest.yaml>",
	Short: "Apply a manifest to the configured store",
	Long: `Apply a manifest to the configured store. Entries that already exist are
skipped, so applying the same manifest twice is safe.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(envFlag); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.ApplyManifestFile(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if strict && res.Failed > 0 {
			return fmt.Errorf("%d manifest entries failed", res.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envFlag, "env", "e", "dev", "Environment to use (dev, test, prod)")
	applyCmd.Flags().BoolVar(&strict, "strict", false, "Exit with an error when any entry fails")

	rootCmd.AddCommand(validateCmd, applyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("seed failed")
	}
}
