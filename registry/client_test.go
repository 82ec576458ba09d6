package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	godigest "github.com/opencontainers/go-digest"

	oerrors "github.com/spacejar/pyoci/internal/errors"
	"github.com/spacejar/pyoci/internal/types"
)

// testClient returns a client configured for a plain-HTTP httptest server.
func testClient() *Client {
	options := DefaultClientOptions()
	options.PlainHTTP = true
	return NewClient(options, nil)
}

// serverHost strips the scheme from an httptest server URL so it can be used
// as a registry host.
func serverHost(t *testing.T, server *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}
	return u.Host
}

func TestAuthenticateNoAuthRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient()
	token, err := client.Authenticate(context.Background(), serverHost(t, server), "testrepo")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestAuthenticateBearerToken(t *testing.T) {
	var tokenScope string

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/testrepo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenScope = r.URL.Query().Get("scope")
		json.NewEncoder(w).Encode(tokenResponse{Token: "test-token-123"})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	token, err := client.Authenticate(context.Background(), serverHost(t, server), "testrepo")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if token != "test-token-123" {
		t.Errorf("token = %q, want test-token-123", token)
	}
	if tokenScope != "repository:testrepo:pull" {
		t.Errorf("scope = %q, want repository:testrepo:pull", tokenScope)
	}
}

func TestAuthenticateAccessTokenFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/testrepo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "fallback-token"})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	token, err := client.Authenticate(context.Background(), serverHost(t, server), "testrepo")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if token != "fallback-token" {
		t.Errorf("token = %q, want fallback-token", token)
	}
}

func TestAuthenticateTokenEndpointFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/testrepo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	_, err := client.Authenticate(context.Background(), serverHost(t, server), "testrepo")
	if err == nil {
		t.Fatal("Authenticate() succeeded, want error")
	}
	if !oerrors.IsType(err, oerrors.TypeAuthentication) {
		t.Errorf("error type = %v, want %v", oerrors.TypeOf(err), oerrors.TypeAuthentication)
	}
}

func TestFetchManifestDirect(t *testing.T) {
	manifest := Manifest{
		SchemaVersion: 2,
		MediaType:     MediaTypeOCIManifest,
		Config:        Descriptor{MediaType: "application/vnd.oci.image.config.v1+json", Digest: "sha256:abc", Size: 3},
		Layers: []Descriptor{
			{MediaType: "application/vnd.oci.image.layer.v1.tar+gzip", Digest: "sha256:def", Size: 10},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/testrepo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); !strings.Contains(accept, MediaTypeOCIIndex) {
			t.Errorf("Accept header missing index media type: %q", accept)
		}
		w.Header().Set("Content-Type", MediaTypeOCIManifest)
		json.NewEncoder(w).Encode(manifest)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	ref := Reference{Registry: serverHost(t, server), Repository: "testrepo", Tag: "latest"}

	got, err := client.FetchManifest(context.Background(), ref, "")
	if err != nil {
		t.Fatalf("FetchManifest() error = %v", err)
	}
	if got.SchemaVersion != 2 {
		t.Errorf("SchemaVersion = %d, want 2", got.SchemaVersion)
	}
	if len(got.Layers) != 1 {
		t.Errorf("len(Layers) = %d, want 1", len(got.Layers))
	}
}

func TestFetchManifestIndexResolution(t *testing.T) {
	platform := types.HostPlatform()

	index := manifestIndex{
		SchemaVersion: 2,
		MediaType:     MediaTypeOCIIndex,
		Manifests: []indexEntry{
			{
				MediaType: MediaTypeOCIManifest,
				Digest:    "sha256:attestation",
				Annotations: map[string]string{
					"vnd.docker.reference.type": "attestation-manifest",
				},
			},
			{
				MediaType: MediaTypeOCIManifest,
				Digest:    "sha256:rightarch",
				Platform:  platformInfo{Architecture: platform.Architecture, OS: platform.OS},
			},
			{
				MediaType: MediaTypeOCIManifest,
				Digest:    "sha256:wrongarch",
				Platform:  platformInfo{Architecture: "mips64", OS: "plan9"},
			},
		},
	}

	manifest := Manifest{
		SchemaVersion: 2,
		MediaType:     MediaTypeOCIManifest,
		Layers:        []Descriptor{{Digest: "sha256:layer1"}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/testrepo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", MediaTypeOCIIndex)
		json.NewEncoder(w).Encode(index)
	})
	mux.HandleFunc("/v2/testrepo/manifests/sha256:rightarch", func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != MediaTypeOCIManifest {
			t.Errorf("Accept = %q, want %q", accept, MediaTypeOCIManifest)
		}
		w.Header().Set("Content-Type", MediaTypeOCIManifest)
		json.NewEncoder(w).Encode(manifest)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	ref := Reference{Registry: serverHost(t, server), Repository: "testrepo", Tag: "latest"}

	got, err := client.FetchManifest(context.Background(), ref, "")
	if err != nil {
		t.Fatalf("FetchManifest() error = %v", err)
	}
	if len(got.Layers) != 1 || got.Layers[0].Digest != "sha256:layer1" {
		t.Errorf("unexpected manifest layers: %+v", got.Layers)
	}
}

func TestFetchManifestPlatformNotFound(t *testing.T) {
	index := manifestIndex{
		SchemaVersion: 2,
		Manifests: []indexEntry{
			{
				MediaType: MediaTypeOCIManifest,
				Digest:    "sha256:other",
				Platform:  platformInfo{Architecture: "mips64", OS: "plan9"},
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/testrepo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(index)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	ref := Reference{Registry: serverHost(t, server), Repository: "testrepo", Tag: "latest"}

	_, err := client.FetchManifest(context.Background(), ref, "")
	if err == nil {
		t.Fatal("FetchManifest() succeeded, want error")
	}
	if !oerrors.IsType(err, oerrors.TypePlatformNotFound) {
		t.Errorf("error type = %v, want %v", oerrors.TypeOf(err), oerrors.TypePlatformNotFound)
	}
}

func TestFetchManifestUnsupportedSchema(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/testrepo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Manifest{SchemaVersion: 1})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	ref := Reference{Registry: serverHost(t, server), Repository: "testrepo", Tag: "latest"}

	_, err := client.FetchManifest(context.Background(), ref, "")
	if err == nil {
		t.Fatal("FetchManifest() succeeded, want error")
	}
	if !oerrors.IsType(err, oerrors.TypeManifestParse) {
		t.Errorf("error type = %v, want %v", oerrors.TypeOf(err), oerrors.TypeManifestParse)
	}
}

func TestDownloadLayersCombined(t *testing.T) {
	blobs := map[string][]byte{
		"sha256:blob1": []byte("first layer bytes"),
		"sha256:blob2": []byte("second layer bytes"),
	}

	mux := http.NewServeMux()
	for d, data := range blobs {
		d, data := d, data
		mux.HandleFunc("/v2/testrepo/blobs/"+d, func(w http.ResponseWriter, r *http.Request) {
			w.Write(data)
		})
	}

	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	ref := Reference{Registry: serverHost(t, server), Repository: "testrepo", Tag: "latest"}
	manifest := &Manifest{
		SchemaVersion: 2,
		Layers: []Descriptor{
			{Digest: "sha256:blob1"},
			{Digest: "sha256:blob2"},
		},
	}

	layer, err := client.DownloadLayers(context.Background(), ref, manifest, "")
	if err != nil {
		t.Fatalf("DownloadLayers() error = %v", err)
	}

	combined := append([]byte("first layer bytes"), []byte("second layer bytes")...)
	wantDigest := godigest.FromBytes(combined)

	if layer.Digest != wantDigest {
		t.Errorf("Digest = %v, want %v", layer.Digest, wantDigest)
	}
	if layer.DiffID != wantDigest {
		t.Errorf("DiffID = %v, want %v", layer.DiffID, wantDigest)
	}
	if layer.Size != int64(len(combined)) {
		t.Errorf("Size = %d, want %d", layer.Size, len(combined))
	}
	if string(layer.Data) != string(combined) {
		t.Error("Data does not match concatenated blobs")
	}
}

func TestDownloadBlobSendsBearer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/testrepo/blobs/sha256:blob1", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("payload"))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	ref := Reference{Registry: serverHost(t, server), Repository: "testrepo", Tag: "latest"}

	data, err := client.DownloadBlob(context.Background(), ref, "sha256:blob1", "secret")
	if err != nil {
		t.Fatalf("DownloadBlob() error = %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q, want payload", data)
	}

	if _, err := client.DownloadBlob(context.Background(), ref, "sha256:blob1", ""); err == nil {
		t.Error("DownloadBlob() without token succeeded, want error")
	}
}

func TestPullEndToEnd(t *testing.T) {
	blobData := []byte("base image layer bytes")
	blobDigest := godigest.FromBytes(blobData)

	manifest := Manifest{
		SchemaVersion: 2,
		MediaType:     MediaTypeOCIManifest,
		Layers: []Descriptor{
			{MediaType: "application/vnd.oci.image.layer.v1.tar+gzip", Digest: blobDigest.String(), Size: int64(len(blobData))},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/testrepo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		// The anonymous probe is answered 401 to force the token flow.
		if r.Header.Get("Authorization") != "Bearer pull-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", MediaTypeOCIManifest)
		json.NewEncoder(w).Encode(manifest)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{Token: "pull-token"})
	})
	mux.HandleFunc(fmt.Sprintf("/v2/testrepo/blobs/%s", blobDigest), func(w http.ResponseWriter, r *http.Request) {
		w.Write(blobData)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	layer, err := client.Pull(context.Background(), serverHost(t, server)+"/testrepo:latest")
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}

	if layer.Digest != blobDigest {
		t.Errorf("Digest = %v, want %v", layer.Digest, blobDigest)
	}
	if layer.Size != int64(len(blobData)) {
		t.Errorf("Size = %d, want %d", layer.Size, len(blobData))
	}
}
