package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudimg/azimg/internal/httpclient"
)

// GalleryImageRef addresses one image version within a compute gallery. An
// empty ResourceGroup falls back to the client's group.
type GalleryImageRef struct {
	Gallery       string
	Image         string
	Version       string
	ResourceGroup string
}

func (r GalleryImageRef) resource() string {
	return fmt.Sprintf("galleries/%s/images/%s/versions/%s", r.Gallery, r.Image, r.Version)
}

func (r GalleryImageRef) String() string {
	return fmt.Sprintf("gallery image version %s/%s/%s", r.Gallery, r.Image, r.Version)
}

// GalleryImageVersion is one published version of a gallery image.
type GalleryImageVersion struct {
	ID         string                        `json:"id,omitempty"`
	Name       string                        `json:"name,omitempty"`
	Location   string                        `json:"location"`
	Properties GalleryImageVersionProperties `json:"properties"`
}

// GalleryImageVersionProperties carries the provisioning state, replication
// targets and disk source of a gallery image version.
type GalleryImageVersionProperties struct {
	ProvisioningState string                 `json:"provisioningState,omitempty"`
	PublishingProfile *PublishingProfile     `json:"publishingProfile,omitempty"`
	StorageProfile    *GalleryStorageProfile `json:"storageProfile,omitempty"`
}

// PublishingProfile lists the regions the version replicates to.
type PublishingProfile struct {
	TargetRegions []TargetRegion `json:"targetRegions"`
}

// TargetRegion is one replication target.
type TargetRegion struct {
	Name string `json:"name"`
}

// GalleryStorageProfile declares the OS disk source of a version.
type GalleryStorageProfile struct {
	OSDiskImage GalleryOSDiskImage `json:"osDiskImage"`
}

// GalleryOSDiskImage is an OS disk sourced from a storage account blob.
type GalleryOSDiskImage struct {
	Source      GalleryDiskSource `json:"source"`
	HostCaching string            `json:"hostCaching"`
}

// GalleryDiskSource names the storage account resource and the blob URI.
type GalleryDiskSource struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

// GetGalleryImageVersion fetches the gallery image version. A missing
// version reports ErrImageNotFound.
func (c *Client) GetGalleryImageVersion(ctx context.Context, ref GalleryImageRef) (*GalleryImageVersion, error) {
	header, err := c.headers(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodGet,
		Endpoint: c.resourceURL(ref.ResourceGroup, galleryAPIVersion, ref.resource()),
		Header:   header,
	})
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, ref)
		}
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}

	var version GalleryImageVersion
	if err := json.Unmarshal(resp.Body, &version); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ref, err)
	}
	return &version, nil
}

// GalleryImageVersionExists returns true if the gallery image version exists.
func (c *Client) GalleryImageVersionExists(ctx context.Context, ref GalleryImageRef) (bool, error) {
	_, err := c.GetGalleryImageVersion(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteGalleryImageVersion deletes the gallery image version. With a
// positive timeout the call polls until the version is gone.
func (c *Client) DeleteGalleryImageVersion(ctx context.Context, ref GalleryImageRef, timeout time.Duration) error {
	header, err := c.headers(ctx)
	if err != nil {
		return err
	}

	_, err = c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodDelete,
		Endpoint: c.resourceURL(ref.ResourceGroup, galleryAPIVersion, ref.resource()),
		Header:   header,
		Success:  []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent},
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}

	if timeout <= 0 {
		return nil
	}
	return c.waitForGone(ctx, ref.String(), timeout, func(ctx context.Context) (bool, error) {
		return c.GalleryImageVersionExists(ctx, ref)
	})
}

// CreateGalleryVersionOptions configures one gallery image version creation.
type CreateGalleryVersionOptions struct {
	Ref GalleryImageRef
	// Region is the home location of the version and its only replication
	// target.
	Region string
	// StorageAccount, Container and BlobName locate the OS disk blob.
	StorageAccount string
	Container      string
	BlobName       string
	// BlobResourceGroup is the resource group of the storage account.
	BlobResourceGroup string
}

// CreateGalleryImageVersion publishes an uploaded OS disk blob as a gallery
// image version. With a positive timeout the call polls the provisioning
// state until it is terminal; gallery replication is much slower than plain
// image creation.
func (c *Client) CreateGalleryImageVersion(ctx context.Context, opts CreateGalleryVersionOptions, timeout time.Duration) (*GalleryImageVersion, error) {
	sourceID := fmt.Sprintf(
		"/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s",
		c.subscriptionID, opts.BlobResourceGroup, opts.StorageAccount,
	)
	sourceURI := fmt.Sprintf(
		"https://%s.blob.core.windows.net/%s/%s",
		opts.StorageAccount, opts.Container, opts.BlobName,
	)

	version := GalleryImageVersion{
		Location: opts.Region,
		Properties: GalleryImageVersionProperties{
			PublishingProfile: &PublishingProfile{
				TargetRegions: []TargetRegion{{Name: opts.Region}},
			},
			StorageProfile: &GalleryStorageProfile{
				OSDiskImage: GalleryOSDiskImage{
					Source:      GalleryDiskSource{ID: sourceID, URI: sourceURI},
					HostCaching: "ReadWrite",
				},
			},
		},
	}
	body, err := json.Marshal(version)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", opts.Ref, err)
	}

	header, err := c.headers(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodPut,
		Endpoint: c.resourceURL(opts.Ref.ResourceGroup, galleryAPIVersion, opts.Ref.resource()),
		Header:   header,
		Body:     body,
		Success:  []int{http.StatusOK, http.StatusCreated, http.StatusAccepted},
	}); err != nil {
		return nil, fmt.Errorf("create %s: %w", opts.Ref, err)
	}

	c.logger.Info().
		Str("gallery", opts.Ref.Gallery).
		Str("image", opts.Ref.Image).
		Str("version", opts.Ref.Version).
		Str("region", opts.Region).
		Msg("gallery image version creation submitted")

	if timeout <= 0 {
		return nil, nil
	}

	var latest *GalleryImageVersion
	err = c.waitForProvisioning(ctx, opts.Ref.String(), timeout, func(ctx context.Context) (string, error) {
		version, err := c.GetGalleryImageVersion(ctx, opts.Ref)
		if err != nil {
			return "", err
		}
		latest = version
		return version.Properties.ProvisioningState, nil
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}
