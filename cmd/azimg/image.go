package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudimg/azimg/internal/compute"
)

func newImageCmd(env *cmdEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage compute images built from uploaded blobs",
	}

	cmd.AddCommand(
		newImageCreateCmd(env),
		newImageExistsCmd(env),
		newImageDeleteCmd(env),
	)

	return cmd
}

func newImageCreateCmd(env *cmdEnv) *cobra.Command {
	var (
		blobName   string
		region     string
		generation string
		force      bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a compute image from an uploaded OS disk blob",
		Long: `Create a generalized Linux compute image from a page blob already
uploaded to the configured storage account.

An existing image with the same name is an error unless --force is given,
in which case it is deleted first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.StorageAccount == "" || cfg.Container == "" {
				return errors.New("storage_account and container are required to locate the blob")
			}
			logger := env.logger(cfg)

			client, err := env.computeClient(cfg, logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			exists, err := client.ImageExists(ctx, args[0])
			if err != nil {
				return err
			}
			if exists {
				if !force {
					return fmt.Errorf("image %s already exists, use --force to replace it", args[0])
				}
				if err := client.DeleteImage(ctx, args[0], timeout); err != nil {
					return err
				}
			}

			blobURI := fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s",
				cfg.StorageAccount, cfg.Container, blobName)

			image, err := client.CreateImage(ctx, compute.CreateImageOptions{
				Name:             args[0],
				BlobURI:          blobURI,
				Region:           region,
				HyperVGeneration: generation,
			}, timeout)
			if err != nil {
				return err
			}

			if image != nil {
				fmt.Printf("Image %s created in %s\n", args[0], image.Location)
			} else {
				fmt.Printf("Image %s creation submitted\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&blobName, "blob-name", "", "name of the uploaded OS disk blob (required)")
	cmd.Flags().StringVar(&region, "region", "", "Azure location of the image (required)")
	cmd.Flags().StringVar(&generation, "hyperv-generation", "V1", "hypervisor generation: V1 or V2")
	cmd.Flags().BoolVar(&force, "force", false, "delete an existing image with the same name first")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for provisioning; 0 submits without waiting")
	_ = cmd.MarkFlagRequired("blob-name")
	_ = cmd.MarkFlagRequired("region")

	return cmd
}

func newImageExistsCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <name>",
		Short: "Check whether a compute image exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			client, err := env.computeClient(cfg, env.logger(cfg))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			exists, err := client.ImageExists(ctx, args[0])
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("image %s does not exist", args[0])
			}
			fmt.Printf("Image %s exists\n", args[0])
			return nil
		},
	}
}

func newImageDeleteCmd(env *cmdEnv) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a compute image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			client, err := env.computeClient(cfg, env.logger(cfg))
			if err != nil {
				return err
			}

			if err := client.DeleteImage(cmd.Context(), args[0], timeout); err != nil {
				return err
			}
			fmt.Printf("Deleted image %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the deletion; 0 submits without waiting")
	return cmd
}
