package cloudpartner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudimg/azimg/internal/auth"
	"github.com/cloudimg/azimg/internal/httpclient"
)

func newTestClient(server *httptest.Server) *Client {
	exec := httpclient.NewExecutor(server.Client(), httpclient.Backoff{Initial: time.Millisecond}, zerolog.Nop())
	client := NewClient(auth.BearerToken("test-token"), exec, zerolog.Nop())
	client.baseURL = server.URL
	return client
}

func TestResolveProduct(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/product" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("externalId"); got != "my-offer" {
			t.Errorf("externalId = %q", got)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("authorization = %q", auth)
		}
		if r.Header.Get("x-ms-client-request-id") == "" {
			t.Error("missing request id header")
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []map[string]string{
				{"id": "product/other", "externalId": "other-offer"},
				{"id": "product/abc", "externalId": "my-offer"},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(server)

	productID, err := client.ResolveProduct(context.Background(), "my-offer", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if productID != "product/abc" {
		t.Errorf("product id = %q", productID)
	}
}

func TestResolveProductNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"value": []map[string]string{}})
	}))
	defer server.Close()

	client := newTestClient(server)

	_, err := client.ResolveProduct(context.Background(), "missing-offer", 0)
	if !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing-offer") {
		t.Errorf("error does not name the offer: %v", err)
	}
}

func TestFetchDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/product":
			writeJSON(w, http.StatusOK, map[string]any{
				"value": []map[string]string{{"id": "product/abc", "externalId": "my-offer"}},
			})
		case strings.HasPrefix(r.URL.Path, "/resource-tree/"):
			if got := r.URL.Query().Get("targetType"); got != "preview" {
				t.Errorf("targetType = %q", got)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"$schema": schemaHost + "/resource-tree/2022-03-01-preview2",
				"root":    "product/abc",
				"resources": []map[string]any{
					{
						"$schema":  schemaHost + "/plan/2022-03-01-preview3",
						"id":       "plan/xyz",
						"identity": map[string]string{"externalId": "my-sku"},
					},
					{
						"$schema": schemaHost + "/virtual-machine-plan-technical-configuration/2022-03-01-preview3",
						"plan":    "plan/xyz",
						"skus":    []map[string]string{{"imageType": "x64Gen1", "skuId": "my-sku"}},
					},
				},
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server)

	doc, productID, err := client.FetchDocument(context.Background(), "my-offer", TargetPreview, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if productID != "product/abc" {
		t.Errorf("product id = %q", productID)
	}
	if _, err := doc.FindTechnicalConfig("my-sku"); err != nil {
		t.Errorf("fetched document misses the technical configuration: %v", err)
	}
}

func TestSubmissionsOrderPreserved(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []map[string]any{
				{
					"id":     "submission/1",
					"target": map[string]string{"targetType": "preview"},
					"status": "completed",
					"result": "succeeded",
				},
				{
					"id":     "submission/2",
					"target": map[string]string{"targetType": "preview"},
					"status": "running",
				},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(server)

	submissions, err := client.Submissions(context.Background(), "product/abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(submissions) != 2 {
		t.Fatalf("submissions = %+v", submissions)
	}
	if submissions[0].ID != "submission/1" || submissions[0].Target != TargetPreview {
		t.Errorf("first submission = %+v", submissions[0])
	}
	if submissions[1].Status != SubmissionRunning {
		t.Errorf("second submission = %+v", submissions[1])
	}

	if got := DeriveStatus(submissions); got != StatusRunning {
		t.Errorf("derived status = %q", got)
	}
}
