package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudimg/azimg/internal/cloudpartner"
	"github.com/cloudimg/azimg/internal/httpclient"
)

func newOfferCmd(env *cmdEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Manage marketplace offers",
	}

	cmd.AddCommand(
		newOfferAddVersionCmd(env),
		newOfferRemoveVersionCmd(env),
		newOfferDeprecateVersionCmd(env),
		newOfferPublishCmd(env),
		newOfferGoLiveCmd(env),
		newOfferStatusCmd(env),
	)

	return cmd
}

// offerWiring builds the client and orchestrator shared by the offer
// subcommands.
func offerWiring(env *cmdEnv) (*cloudpartner.Client, *cloudpartner.Orchestrator, error) {
	cfg, err := env.loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := env.logger(cfg)

	client, err := env.partnerClient(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, cloudpartner.NewOrchestrator(client, logger), nil
}

func newOfferAddVersionCmd(env *cmdEnv) *cobra.Command {
	var (
		sku           string
		imageName     string
		blobURI       string
		generationSKU string
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add-version <offer>",
		Short: "Add an uploaded image as a new offer version",
		Long: `Add an uploaded image as a new version of the offer's SKU.

The version number is derived from an 8-digit YYYYMMDD date embedded in the
image name; without one, today's date is used. Re-running with the same
image name replaces the version instead of duplicating it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, orch, err := offerWiring(env)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			doc, _, err := client.FetchDocument(ctx, args[0], cloudpartner.TargetDraft, httpclient.DefaultRetries)
			if err != nil {
				return err
			}

			updated, err := doc.AddImageVersion(cloudpartner.AddVersionOptions{
				SKU:           sku,
				ImageName:     imageName,
				BlobURI:       blobURI,
				GenerationSKU: generationSKU,
			})
			if err != nil {
				return err
			}

			jobID, err := orch.PublishDocument(ctx, &updated, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("Image version added to %s (job %s)\n", args[0], jobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&sku, "sku", "", "SKU identifier of the target plan (required)")
	cmd.Flags().StringVar(&imageName, "image-name", "", "name of the uploaded image (required)")
	cmd.Flags().StringVar(&blobURI, "blob-uri", "", "URI of the uploaded image blob (required)")
	cmd.Flags().StringVar(&generationSKU, "generation-sku", "", "disk generation SKU sharing the same image")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "how long to wait for the change to apply")
	_ = cmd.MarkFlagRequired("sku")
	_ = cmd.MarkFlagRequired("image-name")
	_ = cmd.MarkFlagRequired("blob-uri")

	return cmd
}

func newOfferRemoveVersionCmd(env *cmdEnv) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "remove-version <offer> <version>",
		Short: "Remove an image version from the offer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, orch, err := offerWiring(env)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			doc, _, err := client.FetchDocument(ctx, args[0], cloudpartner.TargetDraft, httpclient.DefaultRetries)
			if err != nil {
				return err
			}

			updated, err := doc.RemoveImageVersion(args[1])
			if err != nil {
				return err
			}

			jobID, err := orch.PublishDocument(ctx, &updated, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("Version %s removed from %s (job %s)\n", args[1], args[0], jobID)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "how long to wait for the change to apply")
	return cmd
}

func newOfferDeprecateVersionCmd(env *cmdEnv) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "deprecate-version <offer> <version>",
		Short: "Deprecate an image version without removing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, orch, err := offerWiring(env)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			doc, _, err := client.FetchDocument(ctx, args[0], cloudpartner.TargetDraft, httpclient.DefaultRetries)
			if err != nil {
				return err
			}

			updated, err := doc.DeprecateImageVersion(args[1])
			if err != nil {
				return err
			}

			jobID, err := orch.PublishDocument(ctx, &updated, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("Version %s deprecated on %s (job %s)\n", args[1], args[0], jobID)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "how long to wait for the change to apply")
	return cmd
}

func newOfferPublishCmd(env *cmdEnv) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "publish <offer>",
		Short: "Publish the offer's draft to the preview stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, orch, err := offerWiring(env)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			productID, err := client.ResolveProduct(ctx, args[0], httpclient.DefaultRetries)
			if err != nil {
				return err
			}

			jobID, err := orch.Publish(ctx, productID, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("Offer %s published to preview (job %s)\n", args[0], jobID)
			return nil
		},
		Args: cobra.ExactArgs(1),
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Hour, "how long to wait for the publication job")
	return cmd
}

func newOfferGoLiveCmd(env *cmdEnv) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "go-live <offer>",
		Short: "Promote the offer's preview submission to live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, orch, err := offerWiring(env)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			productID, err := client.ResolveProduct(ctx, args[0], httpclient.DefaultRetries)
			if err != nil {
				return err
			}

			jobID, err := orch.GoLive(ctx, productID, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("Offer %s is going live (job %s)\n", args[0], jobID)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Hour, "how long to wait for the go-live job")
	return cmd
}

func newOfferStatusCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "status <offer>",
		Short: "Show the offer's publication status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := offerWiring(env)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			productID, err := client.ResolveProduct(ctx, args[0], httpclient.DefaultRetries)
			if err != nil {
				return err
			}

			history, err := client.Submissions(ctx, productID)
			if err != nil {
				return err
			}

			fmt.Printf("Offer:  %s\n", args[0])
			fmt.Printf("Status: %s\n", cloudpartner.DeriveStatus(history))
			for _, submission := range history {
				fmt.Printf("  %-8s %-10s %s\n", submission.Target, submission.Status, submission.Result)
			}
			return nil
		},
	}
}
