package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudimg/azimg/internal/storage"
)

func newBlobCmd(env *cmdEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Manage image blobs in Azure storage",
	}

	cmd.AddCommand(
		newBlobUploadCmd(env),
		newBlobExistsCmd(env),
		newBlobDeleteCmd(env),
	)

	return cmd
}

func newBlobUploadCmd(env *cmdEnv) *cobra.Command {
	var (
		blobName    string
		pageBlob    bool
		expand      bool
		force       bool
		maxAttempts int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a disk image to the configured container",
		Long: `Upload a disk image to the configured blob container.

The upload is retried from the beginning on failure. xz-compressed images
can be expanded on the fly with --expand; page blobs require the expanded
size to be a multiple of 512 bytes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := env.logger(cfg)

			client, err := env.blobClient(cfg, logger)
			if err != nil {
				return err
			}

			name := blobName
			if name == "" {
				name = filepath.Base(args[0])
			}

			ctx := cmd.Context()
			if !force {
				exists, err := client.Exists(ctx, cfg.Container, name)
				if err != nil {
					return err
				}
				if exists {
					return fmt.Errorf("blob %s already exists, use --force to replace it", name)
				}
			}

			uploader := storage.NewUploader(client, logger)
			uploaded, err := uploader.Upload(ctx, storage.UploadOptions{
				Path:        args[0],
				Container:   cfg.Container,
				BlobName:    name,
				PageBlob:    pageBlob,
				Expand:      expand,
				MaxAttempts: maxAttempts,
				Concurrency: concurrency,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Uploaded %s\n", client.URL(cfg.Container, uploaded))
			return nil
		},
	}

	cmd.Flags().StringVar(&blobName, "blob-name", "", "blob name (default: the file's base name)")
	cmd.Flags().BoolVar(&pageBlob, "page-blob", false, "upload as a page blob instead of a block blob")
	cmd.Flags().BoolVar(&expand, "expand", false, "decompress xz images while uploading")
	cmd.Flags().BoolVar(&force, "force", false, "replace the blob if it already exists")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", storage.DefaultMaxAttempts, "wholesale upload attempts before giving up")
	cmd.Flags().IntVar(&concurrency, "concurrency", storage.DefaultConcurrency, "parallel chunk uploads")

	return cmd
}

func newBlobExistsCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <blob>",
		Short: "Check whether a blob exists in the configured container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			client, err := env.blobClient(cfg, env.logger(cfg))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			exists, err := client.Exists(ctx, cfg.Container, args[0])
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("blob %s does not exist", args[0])
			}
			fmt.Printf("Blob %s exists\n", args[0])
			return nil
		},
	}
}

func newBlobDeleteCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <blob>",
		Short: "Delete a blob from the configured container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			client, err := env.blobClient(cfg, env.logger(cfg))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := client.Delete(ctx, cfg.Container, args[0]); err != nil {
				if errors.Is(err, storage.ErrBlobNotFound) {
					return fmt.Errorf("blob %s does not exist", args[0])
				}
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}
