// Package storage uploads image files to Azure Blob storage and performs
// the plain blob lookups around them.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudimg/azimg/internal/auth"
	"github.com/cloudimg/azimg/internal/httpclient"
)

// TokenScope is the OAuth resource scope for the blob service.
const TokenScope = "https://storage.azure.com/.default"

const (
	apiVersion = "2021-08-06"
	chunkSize  = 4 * 1024 * 1024
	// pageAlignment is the page blob size granularity required by Azure.
	pageAlignment = 512
)

// DefaultConcurrency is the number of parallel chunk uploads per transfer.
const DefaultConcurrency = 5

// BlobType selects the storage transfer mode.
type BlobType string

const (
	// PageBlob suits fixed-size, randomly addressable disk images.
	PageBlob BlobType = "page"
	// BlockBlob suits general files.
	BlockBlob BlobType = "block"
)

// BlobAPI is the storage-target handle the uploader writes through.
type BlobAPI interface {
	Upload(ctx context.Context, container, blob string, src io.Reader, length int64, blobType BlobType, concurrency int) error
	Exists(ctx context.Context, container, blob string) (bool, error)
	Delete(ctx context.Context, container, blob string) error
	URL(container, blob string) string
}

// Client talks to the Azure Blob REST API for one storage account. It is
// authenticated either by a container SAS token or by a bearer credential;
// the two constructors select the variant explicitly.
type Client struct {
	account  string
	baseURL  string
	sasToken string
	cred     auth.Credential
	exec     *httpclient.Executor
	logger   zerolog.Logger
}

// NewClientWithSAS creates a blob client authenticated by a SAS token.
func NewClientWithSAS(account, sasToken string, exec *httpclient.Executor, logger zerolog.Logger) *Client {
	return &Client{
		account:  account,
		baseURL:  fmt.Sprintf("https://%s.blob.core.windows.net", account),
		sasToken: strings.TrimPrefix(sasToken, "?"),
		exec:     exec,
		logger:   logger.With().Str("component", "storage").Logger(),
	}
}

// NewClientWithCredential creates a blob client authenticated by bearer
// tokens from the given credential.
func NewClientWithCredential(account string, cred auth.Credential, exec *httpclient.Executor, logger zerolog.Logger) *Client {
	return &Client{
		account: account,
		baseURL: fmt.Sprintf("https://%s.blob.core.windows.net", account),
		cred:    cred,
		exec:    exec,
		logger:  logger.With().Str("component", "storage").Logger(),
	}
}

// URL returns the blob URL without any credential material.
func (c *Client) URL(container, blob string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, container, blob)
}

// endpoint builds a request URL, appending the SAS token when configured.
func (c *Client) endpoint(container, blob, query string) string {
	url := c.URL(container, blob)
	switch {
	case query != "" && c.sasToken != "":
		return url + "?" + query + "&" + c.sasToken
	case query != "":
		return url + "?" + query
	case c.sasToken != "":
		return url + "?" + c.sasToken
	default:
		return url
	}
}

// headers returns the base headers for a blob request.
func (c *Client) headers(ctx context.Context) (http.Header, error) {
	header := http.Header{}
	header.Set("x-ms-version", apiVersion)
	header.Set("x-ms-date", time.Now().UTC().Format(http.TimeFormat))
	header.Set("x-ms-client-request-id", uuid.NewString())

	if c.cred != nil {
		token, err := c.cred.Token(ctx, TokenScope)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	return header, nil
}

// Exists returns true if the blob exists in the container.
func (c *Client) Exists(ctx context.Context, container, blob string) (bool, error) {
	header, err := c.headers(ctx)
	if err != nil {
		return false, err
	}

	_, err = c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodHead,
		Endpoint: c.endpoint(container, blob, ""),
		Header:   header,
	})
	if err != nil {
		var remoteErr *httpclient.RemoteError
		if errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("check blob %s: %w", blob, err)
	}
	return true, nil
}

// Delete removes the blob. A missing blob reports ErrBlobNotFound.
func (c *Client) Delete(ctx context.Context, container, blob string) error {
	header, err := c.headers(ctx)
	if err != nil {
		return err
	}

	_, err = c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodDelete,
		Endpoint: c.endpoint(container, blob, ""),
		Header:   header,
	})
	if err != nil {
		var remoteErr *httpclient.RemoteError
		if errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, blob)
		}
		return fmt.Errorf("delete blob %s: %w", blob, err)
	}
	return nil
}

// Upload streams src into the blob as a single logical transfer. The length
// must be the exact payload size; Azure requires it up front for page blobs.
func (c *Client) Upload(ctx context.Context, container, blob string, src io.Reader, length int64, blobType BlobType, concurrency int) error {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	switch blobType {
	case PageBlob:
		return c.uploadPages(ctx, container, blob, src, length, concurrency)
	case BlockBlob:
		return c.uploadBlocks(ctx, container, blob, src, length, concurrency)
	default:
		return fmt.Errorf("unknown blob type %q", blobType)
	}
}

// chunk is one contiguous piece of the source stream.
type chunk struct {
	index  int
	offset int64
	data   []byte
}

// uploadPages creates a fixed-length page blob and writes 4 MiB page ranges
// in parallel. All-zero ranges are skipped since pages read back as zeros.
func (c *Client) uploadPages(ctx context.Context, container, blob string, src io.Reader, length int64, concurrency int) error {
	if length%pageAlignment != 0 {
		return fmt.Errorf("page blob size %d is not %d-byte aligned", length, pageAlignment)
	}

	header, err := c.headers(ctx)
	if err != nil {
		return err
	}
	header.Set("x-ms-blob-type", "PageBlob")
	header.Set("x-ms-blob-content-length", fmt.Sprintf("%d", length))

	if _, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodPut,
		Endpoint: c.endpoint(container, blob, ""),
		Header:   header,
		Success:  []int{http.StatusCreated},
	}); err != nil {
		return fmt.Errorf("create page blob %s: %w", blob, err)
	}

	return c.streamChunks(ctx, src, length, concurrency, func(ctx context.Context, ck chunk) error {
		if isZero(ck.data) {
			return nil
		}

		header, err := c.headers(ctx)
		if err != nil {
			return err
		}
		header.Set("x-ms-page-write", "update")
		header.Set("Range", fmt.Sprintf("bytes=%d-%d", ck.offset, ck.offset+int64(len(ck.data))-1))

		if _, err := c.exec.Do(ctx, httpclient.Request{
			Method:   http.MethodPut,
			Endpoint: c.endpoint(container, blob, "comp=page"),
			Header:   header,
			Body:     ck.data,
			Success:  []int{http.StatusCreated},
		}); err != nil {
			return fmt.Errorf("put page range at %d: %w", ck.offset, err)
		}
		return nil
	})
}

// uploadBlocks stages 4 MiB blocks in parallel and commits the block list.
func (c *Client) uploadBlocks(ctx context.Context, container, blob string, src io.Reader, length int64, concurrency int) error {
	var mu sync.Mutex
	blockIDs := make(map[int]string)

	err := c.streamChunks(ctx, src, length, concurrency, func(ctx context.Context, ck chunk) error {
		blockID := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%08d", ck.index)))

		header, err := c.headers(ctx)
		if err != nil {
			return err
		}

		if _, err := c.exec.Do(ctx, httpclient.Request{
			Method:   http.MethodPut,
			Endpoint: c.endpoint(container, blob, "comp=block&blockid="+blockID),
			Header:   header,
			Body:     ck.data,
			Success:  []int{http.StatusCreated},
		}); err != nil {
			return fmt.Errorf("stage block %d: %w", ck.index, err)
		}

		mu.Lock()
		blockIDs[ck.index] = blockID
		mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	list := blockList{}
	for i := 0; i < len(blockIDs); i++ {
		list.Latest = append(list.Latest, blockIDs[i])
	}
	body, err := xml.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal block list: %w", err)
	}

	header, err := c.headers(ctx)
	if err != nil {
		return err
	}
	header.Set("Content-Type", "application/xml")

	if _, err := c.exec.Do(ctx, httpclient.Request{
		Method:   http.MethodPut,
		Endpoint: c.endpoint(container, blob, "comp=blocklist"),
		Header:   header,
		Body:     body,
		Success:  []int{http.StatusCreated},
	}); err != nil {
		return fmt.Errorf("commit block list for %s: %w", blob, err)
	}
	return nil
}

// blockList is the commit body for a block blob.
type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

// streamChunks reads src sequentially and dispatches chunks to a bounded
// pool of workers. The first worker error cancels the transfer.
func (c *Client) streamChunks(ctx context.Context, src io.Reader, length int64, concurrency int, put func(context.Context, chunk) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan chunk, concurrency)
	errCh := make(chan error, concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ck := range chunks {
				if err := put(ctx, ck); err != nil {
					select {
					case errCh <- err:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

	var (
		offset  int64
		index   int
		readErr error
	)
	for offset < length && ctx.Err() == nil {
		size := int64(chunkSize)
		if remaining := length - offset; remaining < size {
			size = remaining
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(src, data); err != nil {
			readErr = fmt.Errorf("read source stream at %d: %w", offset, err)
			break
		}

		select {
		case chunks <- chunk{index: index, offset: offset, data: data}:
		case <-ctx.Done():
		}

		offset += size
		index++
	}
	close(chunks)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	if readErr != nil {
		return readErr
	}
	return ctx.Err()
}

// isZero reports whether the chunk contains only zero bytes.
func isZero(data []byte) bool {
	return len(bytes.Trim(data, "\x00")) == 0
}
