package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudimg/azimg/internal/compute"
)

func newGalleryVersionCmd(env *cmdEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gallery-image-version",
		Short: "Manage compute gallery image versions",
	}

	cmd.AddCommand(
		newGalleryVersionCreateCmd(env),
		newGalleryVersionExistsCmd(env),
		newGalleryVersionDeleteCmd(env),
	)

	return cmd
}

// galleryRef builds the version reference from the shared flags.
func galleryRef(gallery, image, version, resourceGroup string) compute.GalleryImageRef {
	return compute.GalleryImageRef{
		Gallery:       gallery,
		Image:         image,
		Version:       version,
		ResourceGroup: resourceGroup,
	}
}

func newGalleryVersionCreateCmd(env *cmdEnv) *cobra.Command {
	var (
		gallery           string
		image             string
		resourceGroup     string
		blobName          string
		blobResourceGroup string
		region            string
		timeout           time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create <version>",
		Short: "Publish an uploaded OS disk blob as a gallery image version",
		Long: `Publish an uploaded OS disk blob as a new version of a compute
gallery image definition. Gallery replication is slow; the default wait
budget is generous and 0 submits without waiting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateStorage(); err != nil {
				return err
			}
			logger := env.logger(cfg)

			client, err := env.computeClient(cfg, logger)
			if err != nil {
				return err
			}

			blobGroup := blobResourceGroup
			if blobGroup == "" {
				blobGroup = cfg.ResourceGroup
			}

			version, err := client.CreateGalleryImageVersion(cmd.Context(), compute.CreateGalleryVersionOptions{
				Ref:               galleryRef(gallery, image, args[0], resourceGroup),
				Region:            region,
				StorageAccount:    cfg.StorageAccount,
				Container:         cfg.Container,
				BlobName:          blobName,
				BlobResourceGroup: blobGroup,
			}, timeout)
			if err != nil {
				return err
			}

			if version != nil {
				fmt.Printf("Gallery image version %s/%s/%s created\n", gallery, image, args[0])
			} else {
				fmt.Printf("Gallery image version %s/%s/%s creation submitted\n", gallery, image, args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&gallery, "gallery", "", "compute gallery name (required)")
	cmd.Flags().StringVar(&image, "image", "", "gallery image definition name (required)")
	cmd.Flags().StringVar(&resourceGroup, "gallery-resource-group", "", "resource group of the gallery (default: the configured group)")
	cmd.Flags().StringVar(&blobName, "blob-name", "", "name of the uploaded OS disk blob (required)")
	cmd.Flags().StringVar(&blobResourceGroup, "blob-resource-group", "", "resource group of the storage account (default: the configured group)")
	cmd.Flags().StringVar(&region, "region", "", "home region and replication target (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "how long to wait for provisioning; 0 submits without waiting")
	_ = cmd.MarkFlagRequired("gallery")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("blob-name")
	_ = cmd.MarkFlagRequired("region")

	return cmd
}

func newGalleryVersionExistsCmd(env *cmdEnv) *cobra.Command {
	var (
		gallery       string
		image         string
		resourceGroup string
	)

	cmd := &cobra.Command{
		Use:   "exists <version>",
		Short: "Check whether a gallery image version exists",
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

			exists, err := client.GalleryImageVersionExists(ctx, galleryRef(gallery, image, args[0], resourceGroup))
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("gallery image version %s does not exist", args[0])
			}
			fmt.Printf("Gallery image version %s exists\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&gallery, "gallery", "", "compute gallery name (required)")
	cmd.Flags().StringVar(&image, "image", "", "gallery image definition name (required)")
	cmd.Flags().StringVar(&resourceGroup, "gallery-resource-group", "", "resource group of the gallery (default: the configured group)")
	_ = cmd.MarkFlagRequired("gallery")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func newGalleryVersionDeleteCmd(env *cmdEnv) *cobra.Command {
	var (
		gallery       string
		image         string
		resourceGroup string
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "delete <version>",
		Short: "Delete a gallery image version",
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

			ref := galleryRef(gallery, image, args[0], resourceGroup)
			if err := client.DeleteGalleryImageVersion(cmd.Context(), ref, timeout); err != nil {
				return err
			}
			fmt.Printf("Deleted gallery image version %s/%s/%s\n", gallery, image, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&gallery, "gallery", "", "compute gallery name (required)")
	cmd.Flags().StringVar(&image, "image", "", "gallery image definition name (required)")
	cmd.Flags().StringVar(&resourceGroup, "gallery-resource-group", "", "resource group of the gallery (default: the configured group)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the deletion; 0 submits without waiting")
	_ = cmd.MarkFlagRequired("gallery")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}
