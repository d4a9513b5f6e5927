package compute

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const galleryPath = "/subscriptions/sub-1/resourceGroups/gallery-rg/providers/Microsoft.Compute/galleries/suse/images/leap/versions/2023.06.15"

func testRef() GalleryImageRef {
	return GalleryImageRef{
		Gallery:       "suse",
		Image:         "leap",
		Version:       "2023.06.15",
		ResourceGroup: "gallery-rg",
	}
}

func TestGetGalleryImageVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != galleryPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("api-version"); got != "2022-03-03" {
			t.Errorf("api-version = %q", got)
		}
		writeJSON(w, http.StatusOK, GalleryImageVersion{
			Name:     "2023.06.15",
			Location: "westeurope",
			Properties: GalleryImageVersionProperties{
				ProvisioningState: "Succeeded",
			},
		})
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	version, err := client.GetGalleryImageVersion(context.Background(), testRef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version.Name != "2023.06.15" {
		t.Errorf("version = %+v", version)
	}
}

func TestGalleryImageVersionExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"code": "NotFound", "message": "resource not found"},
		})
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	exists, err := client.GalleryImageVersionExists(context.Background(), testRef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Error("expected version to be absent")
	}
}

func TestCreateGalleryImageVersion(t *testing.T) {
	var created GalleryImageVersion
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			if r.URL.Path != galleryPath {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
				t.Errorf("decode version body: %v", err)
			}
			writeJSON(w, http.StatusCreated, created)
		case http.MethodGet:
			writeJSON(w, http.StatusOK, GalleryImageVersion{
				Properties: GalleryImageVersionProperties{ProvisioningState: "Succeeded"},
			})
		}
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	version, err := client.CreateGalleryImageVersion(context.Background(), CreateGalleryVersionOptions{
		Ref:               testRef(),
		Region:            "westeurope",
		StorageAccount:    "images",
		Container:         "vhds",
		BlobName:          "leap.vhd",
		BlobResourceGroup: "blobs-rg",
	}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version.Properties.ProvisioningState != "Succeeded" {
		t.Errorf("version = %+v", version)
	}

	profile := created.Properties.StorageProfile
	if profile == nil {
		t.Fatal("storage profile missing from request body")
	}
	source := profile.OSDiskImage.Source
	wantID := "/subscriptions/sub-1/resourceGroups/blobs-rg/providers/Microsoft.Storage/storageAccounts/images"
	if source.ID != wantID {
		t.Errorf("source id = %q, want %q", source.ID, wantID)
	}
	if source.URI != "https://images.blob.core.windows.net/vhds/leap.vhd" {
		t.Errorf("source uri = %q", source.URI)
	}
	if profile.OSDiskImage.HostCaching != "ReadWrite" {
		t.Errorf("hostCaching = %q", profile.OSDiskImage.HostCaching)
	}

	publishing := created.Properties.PublishingProfile
	if publishing == nil || len(publishing.TargetRegions) != 1 || publishing.TargetRegions[0].Name != "westeurope" {
		t.Errorf("publishing profile = %+v", publishing)
	}
}

func TestDeleteGalleryImageVersion(t *testing.T) {
	var deleted bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			if r.URL.Path != galleryPath {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			deleted = true
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]string{"code": "NotFound", "message": "resource not found"},
			})
		}
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	if err := client.DeleteGalleryImageVersion(context.Background(), testRef(), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deleted {
		t.Error("delete request never sent")
	}
}

func TestGalleryCreateFailedState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			writeJSON(w, http.StatusAccepted, GalleryImageVersion{})
		case http.MethodGet:
			writeJSON(w, http.StatusOK, GalleryImageVersion{
				Properties: GalleryImageVersionProperties{ProvisioningState: "Canceled"},
			})
		}
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	_, err := client.CreateGalleryImageVersion(context.Background(), CreateGalleryVersionOptions{
		Ref:    testRef(),
		Region: "westeurope",
	}, time.Minute)

	var provErr *ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
	if provErr.State != "Canceled" {
		t.Errorf("state = %q", provErr.State)
	}
}
