// Package main is the entrypoint for the azimg CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cloudimg/azimg/internal/auth"
	"github.com/cloudimg/azimg/internal/cloudpartner"
	"github.com/cloudimg/azimg/internal/compute"
	"github.com/cloudimg/azimg/internal/config"
	"github.com/cloudimg/azimg/internal/httpclient"
	"github.com/cloudimg/azimg/internal/storage"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "azimg",
		Short: "Publish VM disk images to the Azure marketplace",
		Long: `azimg uploads VM disk images to Azure blob storage and publishes
them as marketplace offer versions.

Run 'azimg config init' to set up storage and publisher credentials.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.azimg/config.yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	env := &cmdEnv{configPath: &configPath, logLevel: &logLevel}

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(env),
		newBlobCmd(env),
		newImageCmd(env),
		newGalleryVersionCmd(env),
		newOfferCmd(env),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("azimg %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// cmdEnv resolves shared wiring lazily, after flags are parsed.
type cmdEnv struct {
	configPath *string
	logLevel   *string
}

func (e *cmdEnv) loadConfig() (*config.Config, error) {
	if *e.configPath != "" {
		return config.Load(*e.configPath)
	}
	return config.LoadDefault()
}

func (e *cmdEnv) logger(cfg *config.Config) zerolog.Logger {
	level := cfg.LogLevel
	if *e.logLevel != "" {
		level = *e.logLevel
	}

	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(parsed)
}

func (e *cmdEnv) executor(cfg *config.Config, logger zerolog.Logger) *httpclient.Executor {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	return httpclient.NewExecutor(httpclient.New(timeout), httpclient.DefaultBackoff, logger)
}

// servicePrincipal loads the credentials file named by the config.
func servicePrincipal(cfg *config.Config) (*auth.ServicePrincipal, error) {
	creds, err := auth.LoadCredentialsFile(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return auth.FromCredentialsFile(creds), nil
}

// blobClient selects the SAS token when one is configured, otherwise the
// service principal from the credentials file.
func (e *cmdEnv) blobClient(cfg *config.Config, logger zerolog.Logger) (*storage.Client, error) {
	if err := cfg.ValidateStorage(); err != nil {
		return nil, err
	}

	exec := e.executor(cfg, logger)
	if cfg.SASToken != "" {
		return storage.NewClientWithSAS(cfg.StorageAccount, cfg.SASToken, exec, logger), nil
	}

	sp, err := servicePrincipal(cfg)
	if err != nil {
		return nil, err
	}
	return storage.NewClientWithCredential(cfg.StorageAccount, sp, exec, logger), nil
}

func (e *cmdEnv) partnerClient(cfg *config.Config, logger zerolog.Logger) (*cloudpartner.Client, error) {
	if err := cfg.ValidatePublish(); err != nil {
		return nil, err
	}

	sp, err := servicePrincipal(cfg)
	if err != nil {
		return nil, err
	}
	return cloudpartner.NewClient(sp, e.executor(cfg, logger), logger), nil
}

// computeClient builds an ARM client for the subscription named by the
// credentials file and the configured resource group.
func (e *cmdEnv) computeClient(cfg *config.Config, logger zerolog.Logger) (*compute.Client, error) {
	if err := cfg.ValidateCompute(); err != nil {
		return nil, err
	}

	creds, err := auth.LoadCredentialsFile(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	if creds.SubscriptionID == "" {
		return nil, errors.New("credentials file is missing subscriptionId")
	}

	sp := auth.FromCredentialsFile(creds)
	return compute.NewClient(creds.SubscriptionID, cfg.ResourceGroup, sp, e.executor(cfg, logger), logger), nil
}

func newConfigCmd(env *cmdEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage azimg configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(env),
		newConfigInitCmd(env),
	)

	return cmd
}

func newConfigShowCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			path := *env.configPath
			if path == "" {
				path, _ = config.DefaultConfigPath()
			}
			fmt.Printf("Config file: %s\n", path)
			fmt.Println()

			fmt.Printf("Storage account:  %s\n", cfg.StorageAccount)
			fmt.Printf("Container:        %s\n", cfg.Container)
			fmt.Printf("Resource group:   %s\n", cfg.ResourceGroup)
			fmt.Printf("Publisher ID:     %s\n", cfg.PublisherID)
			fmt.Printf("Credentials file: %s\n", cfg.CredentialsFile)
			fmt.Printf("SAS token:        %s\n", maskSecret(cfg.SASToken))
			return nil
		},
	}
}

func newConfigInitCmd(env *cmdEnv) *cobra.Command {
	var cfg config.Config

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file from the given flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *env.configPath
			if path == "" {
				var err error
				path, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}

			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Printf("Configuration saved to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.StorageAccount, "storage-account", "", "Azure storage account name")
	cmd.Flags().StringVar(&cfg.Container, "container", "", "blob container name")
	cmd.Flags().StringVar(&cfg.ResourceGroup, "resource-group", "", "resource group of the storage account")
	cmd.Flags().StringVar(&cfg.PublisherID, "publisher", "", "marketplace publisher id")
	cmd.Flags().StringVar(&cfg.CredentialsFile, "credentials-file", "", "path to an Azure credentials JSON file")
	cmd.Flags().StringVar(&cfg.SASToken, "sas-token", "", "SAS token for the storage account")

	return cmd
}

func maskSecret(value string) string {
	if value == "" {
		return "(not set)"
	}
	if len(value) <= 8 {
		return "********"
	}
	return value[:4] + "..." + value[len(value)-4:]
}
