package compute

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudimg/azimg/internal/auth"
	"github.com/cloudimg/azimg/internal/httpclient"
)

// newTestClient wires a compute client against the fake server with a
// simulated clock so no test actually sleeps.
func newTestClient(server *httptest.Server) (*Client, *[]time.Duration) {
	exec := httpclient.NewExecutor(server.Client(), httpclient.Backoff{Initial: time.Millisecond}, zerolog.Nop())
	client := NewClient("sub-1", "images-rg", auth.BearerToken("test-token"), exec, zerolog.Nop())
	client.baseURL = server.URL

	clock := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)
	slept := &[]time.Duration{}
	client.now = func() time.Time { return clock }
	client.sleep = func(d time.Duration) {
		*slept = append(*slept, d)
		clock = clock.Add(d)
	}
	return client, slept
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

const imagePath = "/subscriptions/sub-1/resourceGroups/images-rg/providers/Microsoft.Compute/images/leap-image"

func TestGetImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != imagePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("api-version"); got != "2022-08-01" {
			t.Errorf("api-version = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		writeJSON(w, http.StatusOK, Image{
			Name:     "leap-image",
			Location: "westeurope",
			Properties: ImageProperties{
				ProvisioningState: "Succeeded",
				HyperVGeneration:  "V2",
			},
		})
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	image, err := client.GetImage(context.Background(), "leap-image")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if image.Properties.HyperVGeneration != "V2" {
		t.Errorf("image = %+v", image)
	}
}

func TestImageExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == imagePath {
			writeJSON(w, http.StatusOK, Image{Name: "leap-image"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"code": "NotFound", "message": "resource not found"},
		})
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	exists, err := client.ImageExists(context.Background(), "leap-image")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exists {
		t.Error("expected image to exist")
	}

	exists, err = client.ImageExists(context.Background(), "absent-image")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Error("expected image to be absent")
	}

	_, err = client.GetImage(context.Background(), "absent-image")
	if !errors.Is(err, ErrImageNotFound) {
		t.Errorf("expected ErrImageNotFound, got %v", err)
	}
}

func TestCreateImagePollsProvisioning(t *testing.T) {
	states := []string{"Creating", "Creating", "Succeeded"}
	var gets int
	var created Image

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
				t.Errorf("decode image body: %v", err)
			}
			writeJSON(w, http.StatusCreated, created)
		case http.MethodGet:
			idx := gets
			if idx >= len(states) {
				idx = len(states) - 1
			}
			gets++
			writeJSON(w, http.StatusOK, Image{
				Name:       "leap-image",
				Properties: ImageProperties{ProvisioningState: states[idx]},
			})
		}
	}))
	defer server.Close()

	client, slept := newTestClient(server)

	image, err := client.CreateImage(context.Background(), CreateImageOptions{
		Name:    "leap-image",
		BlobURI: "https://images.blob.core.windows.net/vhds/leap.vhd",
		Region:  "westeurope",
	}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if image.Properties.ProvisioningState != "Succeeded" {
		t.Errorf("image = %+v", image)
	}
	if gets != 3 {
		t.Errorf("expected 3 polls, got %d", gets)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep %d = %v, want %v", i, (*slept)[i], d)
		}
	}

	disk := created.Properties.StorageProfile.OSDisk
	if disk.OSType != "Linux" || disk.OSState != "Generalized" || disk.Caching != "ReadWrite" {
		t.Errorf("os disk = %+v", disk)
	}
	if disk.BlobURI != "https://images.blob.core.windows.net/vhds/leap.vhd" {
		t.Errorf("blobUri = %q", disk.BlobURI)
	}
	if created.Properties.HyperVGeneration != "V1" {
		t.Errorf("hyperVGeneration = %q, want the V1 default", created.Properties.HyperVGeneration)
	}
	if created.Location != "westeurope" {
		t.Errorf("location = %q", created.Location)
	}
}

func TestCreateImageProvisioningFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			writeJSON(w, http.StatusAccepted, Image{})
		case http.MethodGet:
			writeJSON(w, http.StatusOK, Image{
				Properties: ImageProperties{ProvisioningState: "Failed"},
			})
		}
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	_, err := client.CreateImage(context.Background(), CreateImageOptions{
		Name:    "leap-image",
		BlobURI: "uri",
		Region:  "westeurope",
	}, time.Minute)

	var provErr *ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
	if provErr.State != "Failed" {
		t.Errorf("state = %q", provErr.State)
	}
}

func TestCreateImageZeroTimeoutSkipsPolling(t *testing.T) {
	var gets int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			writeJSON(w, http.StatusAccepted, Image{})
		case http.MethodGet:
			gets++
			writeJSON(w, http.StatusOK, Image{})
		}
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	if _, err := client.CreateImage(context.Background(), CreateImageOptions{
		Name:    "leap-image",
		BlobURI: "uri",
		Region:  "westeurope",
	}, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gets != 0 {
		t.Errorf("polled %d times with a zero timeout", gets)
	}
}

func TestCreateImageTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			writeJSON(w, http.StatusAccepted, Image{})
		case http.MethodGet:
			writeJSON(w, http.StatusOK, Image{
				Properties: ImageProperties{ProvisioningState: "Creating"},
			})
		}
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	_, err := client.CreateImage(context.Background(), CreateImageOptions{
		Name:    "leap-image",
		BlobURI: "uri",
		Region:  "westeurope",
	}, 3*time.Second)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeoutErr.LastState != "Creating" {
		t.Errorf("last state = %q", timeoutErr.LastState)
	}
}

func TestDeleteImageWaitsUntilGone(t *testing.T) {
	var deleted bool
	var exists int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			deleted = true
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			exists++
			// Still present on the first poll, gone afterwards.
			if exists == 1 {
				writeJSON(w, http.StatusOK, Image{Name: "leap-image"})
				return
			}
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]string{"code": "NotFound", "message": "resource not found"},
			})
		}
	}))
	defer server.Close()

	client, slept := newTestClient(server)

	if err := client.DeleteImage(context.Background(), "leap-image", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deleted {
		t.Error("delete request never sent")
	}
	if exists != 2 {
		t.Errorf("expected 2 existence polls, got %d", exists)
	}
	if len(*slept) != 1 || (*slept)[0] != 1*time.Second {
		t.Errorf("sleeps = %v", *slept)
	}
}

func TestDeleteImageZeroTimeoutSkipsPolling(t *testing.T) {
	var gets int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			gets++
			writeJSON(w, http.StatusOK, Image{})
		}
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	if err := client.DeleteImage(context.Background(), "leap-image", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gets != 0 {
		t.Errorf("polled %d times with a zero timeout", gets)
	}
}
