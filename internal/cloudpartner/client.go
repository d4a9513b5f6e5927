package cloudpartner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudimg/azimg/internal/auth"
	"github.com/cloudimg/azimg/internal/httpclient"
)

// TokenScope is the OAuth resource scope for the product ingestion API.
const TokenScope = "https://graph.microsoft.com/.default"

const (
	defaultBaseURL = "https://graph.microsoft.com/rp/product-ingestion"
	apiVersion     = "2022-03-01-preview5"

	configureSchema  = schemaHost + "/configure/2022-03-01-preview2"
	submissionSchema = schemaHost + "/submission/2022-03-01-preview2"
)

// Target selects which branch of an offer a fetch or submission addresses.
type Target string

const (
	// TargetDraft is the editable working copy of an offer.
	TargetDraft Target = "draft"
	// TargetPreview is the publisher-visible validation stage.
	TargetPreview Target = "preview"
	// TargetLive is the customer-visible stage.
	TargetLive Target = "live"
)

// Client talks to the product ingestion API for one publisher.
type Client struct {
	baseURL string
	cred    auth.Credential
	exec    *httpclient.Executor
	logger  zerolog.Logger
}

// NewClient creates a product ingestion client.
func NewClient(cred auth.Credential, exec *httpclient.Executor, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		cred:    cred,
		exec:    exec,
		logger:  logger.With().Str("component", "cloudpartner").Logger(),
	}
}

// headers returns the base headers for an ingestion API request.
func (c *Client) headers(ctx context.Context, contentType string) (http.Header, error) {
	token, err := c.cred.Token(ctx, TokenScope)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("Authorization", "Bearer "+token)
	header.Set("x-ms-client-request-id", uuid.NewString())
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return header, nil
}

// productSummary is one entry of the product lookup response.
type productSummary struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
}

// ResolveProduct resolves a human-facing offer identifier to the provider's
// durable product id.
func (c *Client) ResolveProduct(ctx context.Context, offerID string, retries int) (string, error) {
	header, err := c.headers(ctx, "")
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/product?externalId=%s&$version=%s",
		c.baseURL, url.QueryEscape(offerID), apiVersion)

	resp, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodGet,
		Endpoint: endpoint,
		Header:   header,
		Retries:  retries,
	})
	if err != nil {
		var remoteErr *httpclient.RemoteError
		if errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
		}
		return "", fmt.Errorf("resolve offer %s: %w", offerID, err)
	}

	var result struct {
		Value []productSummary `json:"value"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return "", fmt.Errorf("decode product lookup: %w", err)
	}

	for _, product := range result.Value {
		if product.ExternalID == offerID {
			return product.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
}

// FetchDocument fetches the offer's resource tree for the given target. The
// document is always fetched fresh; mutations must run against a document
// fetched immediately beforehand.
func (c *Client) FetchDocument(ctx context.Context, offerID string, target Target, retries int) (*Document, string, error) {
	productID, err := c.ResolveProduct(ctx, offerID, retries)
	if err != nil {
		return nil, "", err
	}

	header, err := c.headers(ctx, "")
	if err != nil {
		return nil, "", err
	}

	endpoint := fmt.Sprintf("%s/resource-tree/%s?targetType=%s&$version=%s",
		c.baseURL, productID, target, apiVersion)

	resp, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodGet,
		Endpoint: endpoint,
		Header:   header,
		Retries:  retries,
	})
	if err != nil {
		return nil, "", fmt.Errorf("fetch offer document for %s: %w", offerID, err)
	}

	var doc Document
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, "", err
	}
	if doc.Root == "" {
		doc.Root = productID
	}

	return &doc, productID, nil
}

// configureStatus is the wire shape of a configure job.
type configureStatus struct {
	JobID     string   `json:"jobId"`
	JobStatus string   `json:"jobStatus"`
	JobResult string   `json:"jobResult"`
	Errors    []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Configure submits changed resources to the configuration endpoint and
// returns the identifier of the asynchronous job processing them.
func (c *Client) Configure(ctx context.Context, resources []any) (string, error) {
	body, err := json.Marshal(map[string]any{
		"$schema":   configureSchema,
		"resources": resources,
	})
	if err != nil {
		return "", fmt.Errorf("marshal configure request: %w", err)
	}

	header, err := c.headers(ctx, "application/json")
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/configure?$version=%s", c.baseURL, apiVersion)

	resp, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodPost,
		Endpoint: endpoint,
		Header:   header,
		Body:     body,
		Retries:  httpclient.DefaultRetries,
	})
	if err != nil {
		return "", fmt.Errorf("submit configure request: %w", err)
	}

	var status configureStatus
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return "", fmt.Errorf("decode configure response: %w", err)
	}
	if status.JobID == "" {
		return "", fmt.Errorf("configure response carried no job id")
	}

	c.logger.Debug().Str("job_id", status.JobID).Msg("configure request accepted")
	return status.JobID, nil
}

// QueryJob returns the current state of a configure job.
func (c *Client) QueryJob(ctx context.Context, jobID string) (*Job, error) {
	header, err := c.headers(ctx, "")
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/configure/%s/status?$version=%s", c.baseURL, jobID, apiVersion)

	resp, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodGet,
		Endpoint: endpoint,
		Header:   header,
		Retries:  httpclient.DefaultRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", jobID, err)
	}

	var status configureStatus
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}

	job := &Job{
		ID:     status.JobID,
		Status: parseJobStatus(status.JobStatus),
		Result: JobResult(status.JobResult),
	}
	for _, e := range status.Errors {
		job.Errors = append(job.Errors, e.Message)
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return job, nil
}

// submissionRecord is the wire shape of one submission history entry.
type submissionRecord struct {
	ID     string `json:"id"`
	Target struct {
		TargetType string `json:"targetType"`
	} `json:"target"`
	Status string `json:"status"`
	Result string `json:"result"`
}

// Submissions returns the offer's submission history, oldest first.
func (c *Client) Submissions(ctx context.Context, productID string) ([]Submission, error) {
	header, err := c.headers(ctx, "")
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/submission/%s?$version=%s", c.baseURL, productID, apiVersion)

	resp, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodGet,
		Endpoint: endpoint,
		Header:   header,
		Retries:  httpclient.DefaultRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch submissions for %s: %w", productID, err)
	}

	var result struct {
		Value []submissionRecord `json:"value"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}

	submissions := make([]Submission, 0, len(result.Value))
	for _, record := range result.Value {
		submissions = append(submissions, Submission{
			ID:     record.ID,
			Target: Target(record.Target.TargetType),
			Status: SubmissionStatus(record.Status),
			Result: JobResult(record.Result),
		})
	}
	return submissions, nil
}

// submissionResource builds the synthetic resource that moves an offer to
// the given target.
func submissionResource(productID string, target Target, submissionID string) map[string]any {
	resource := map[string]any{
		"$schema": submissionSchema,
		"product": productID,
		"target":  map[string]any{"targetType": string(target)},
	}
	if submissionID != "" {
		resource["id"] = submissionID
	}
	return resource
}
