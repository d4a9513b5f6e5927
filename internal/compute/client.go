// Package compute manages Azure compute images and gallery image versions
// through the ARM REST API.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudimg/azimg/internal/auth"
	"github.com/cloudimg/azimg/internal/httpclient"
)

// TokenScope is the OAuth resource scope for the ARM API.
const TokenScope = "https://management.azure.com/.default"

const (
	defaultBaseURL    = "https://management.azure.com"
	imageAPIVersion   = "2022-08-01"
	galleryAPIVersion = "2022-03-03"
)

// Client talks to the Microsoft.Compute resource provider for one
// subscription and resource group.
type Client struct {
	baseURL        string
	subscriptionID string
	resourceGroup  string
	cred           auth.Credential
	exec           *httpclient.Executor
	logger         zerolog.Logger
	sleep          func(time.Duration)
	now            func() time.Time
	backoff        time.Duration
}

// NewClient creates an ARM compute client.
func NewClient(subscriptionID, resourceGroup string, cred auth.Credential, exec *httpclient.Executor, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:        defaultBaseURL,
		subscriptionID: subscriptionID,
		resourceGroup:  resourceGroup,
		cred:           cred,
		exec:           exec,
		logger:         logger.With().Str("component", "compute").Logger(),
		sleep:          time.Sleep,
		now:            time.Now,
		backoff:        1 * time.Second,
	}
}

// resourceURL builds a Microsoft.Compute resource URL in the given resource
// group, falling back to the client's group when none is given.
func (c *Client) resourceURL(resourceGroup, apiVersion, resource string) string {
	if resourceGroup == "" {
		resourceGroup = c.resourceGroup
	}
	return fmt.Sprintf(
		"%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/%s?api-version=%s",
		c.baseURL, c.subscriptionID, resourceGroup, resource, apiVersion,
	)
}

// headers returns the base headers for an ARM request.
func (c *Client) headers(ctx context.Context) (http.Header, error) {
	token, err := c.cred.Token(ctx, TokenScope)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("Authorization", "Bearer "+token)
	header.Set("Content-Type", "application/json")
	header.Set("x-ms-client-request-id", uuid.NewString())
	return header, nil
}

// notFound maps an ARM 404 onto the package sentinel.
func notFound(err error) bool {
	var remoteErr *httpclient.RemoteError
	return errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound
}

// Image is a managed compute image resource.
type Image struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Location   string          `json:"location"`
	Properties ImageProperties `json:"properties"`
}

// ImageProperties carries the provisioning state and disk source of an image.
type ImageProperties struct {
	ProvisioningState string              `json:"provisioningState,omitempty"`
	HyperVGeneration  string              `json:"hyperVGeneration,omitempty"`
	StorageProfile    ImageStorageProfile `json:"storageProfile"`
}

// ImageStorageProfile declares where the image's OS disk comes from.
type ImageStorageProfile struct {
	OSDisk ImageOSDisk `json:"osDisk"`
}

// ImageOSDisk is a generalized Linux OS disk sourced from a page blob.
type ImageOSDisk struct {
	OSType  string `json:"osType"`
	OSState string `json:"osState"`
	Caching string `json:"caching"`
	BlobURI string `json:"blobUri"`
}

// GetImage fetches the compute image. A missing image reports
// ErrImageNotFound.
func (c *Client) GetImage(ctx context.Context, imageName string) (*Image, error) {
	header, err := c.headers(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodGet,
		Endpoint: c.resourceURL("", imageAPIVersion, "images/"+imageName),
		Header:   header,
	})
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageName)
		}
		return nil, fmt.Errorf("get image %s: %w", imageName, err)
	}

	var image Image
	if err := json.Unmarshal(resp.Body, &image); err != nil {
		return nil, fmt.Errorf("decode image %s: %w", imageName, err)
	}
	return &image, nil
}

// ImageExists returns true if the compute image exists.
func (c *Client) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := c.GetImage(ctx, imageName)
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteImage deletes the compute image. With a positive timeout the call
// polls until the image is gone; deletion is asynchronous on the ARM side.
func (c *Client) DeleteImage(ctx context.Context, imageName string, timeout time.Duration) error {
	header, err := c.headers(ctx)
	if err != nil {
		return err
	}

	_, err = c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodDelete,
		Endpoint: c.resourceURL("", imageAPIVersion, "images/"+imageName),
		Header:   header,
		Success:  []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent},
	})
	if err != nil {
		return fmt.Errorf("delete image %s: %w", imageName, err)
	}

	if timeout <= 0 {
		return nil
	}
	return c.waitForGone(ctx, "image "+imageName, timeout, func(ctx context.Context) (bool, error) {
		return c.ImageExists(ctx, imageName)
	})
}

// CreateImageOptions configures one compute image creation.
type CreateImageOptions struct {
	// Name is the image resource name.
	Name string
	// BlobURI is the uploaded page blob holding the generalized OS disk.
	BlobURI string
	// Region is the Azure location of the image resource.
	Region string
	// HyperVGeneration selects V1 or V2 firmware. Defaults to V1.
	HyperVGeneration string
}

// CreateImage creates a managed image from an uploaded OS disk blob. With a
// positive timeout the call polls the provisioning state until it is
// terminal and returns the final image.
func (c *Client) CreateImage(ctx context.Context, opts CreateImageOptions, timeout time.Duration) (*Image, error) {
	generation := opts.HyperVGeneration
	if generation == "" {
		generation = "V1"
	}

	image := Image{
		Location: opts.Region,
		Properties: ImageProperties{
			HyperVGeneration: generation,
			StorageProfile: ImageStorageProfile{
				OSDisk: ImageOSDisk{
					OSType:  "Linux",
					OSState: "Generalized",
					Caching: "ReadWrite",
					BlobURI: opts.BlobURI,
				},
			},
		},
	}
	body, err := json.Marshal(image)
	if err != nil {
		return nil, fmt.Errorf("marshal image %s: %w", opts.Name, err)
	}

	header, err := c.headers(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodPut,
		Endpoint: c.resourceURL("", imageAPIVersion, "images/"+opts.Name),
		Header:   header,
		Body:     body,
		Success:  []int{http.StatusOK, http.StatusCreated, http.StatusAccepted},
	}); err != nil {
		return nil, fmt.Errorf("create image %s: %w", opts.Name, err)
	}

	c.logger.Info().
		Str("image", opts.Name).
		Str("region", opts.Region).
		Str("hyperv_generation", generation).
		Msg("compute image creation submitted")

	if timeout <= 0 {
		return nil, nil
	}

	var latest *Image
	err = c.waitForProvisioning(ctx, "image "+opts.Name, timeout, func(ctx context.Context) (string, error) {
		image, err := c.GetImage(ctx, opts.Name)
		if err != nil {
			return "", err
		}
		latest = image
		return image.Properties.ProvisioningState, nil
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}
