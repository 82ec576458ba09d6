// Package registry implements the distribution v2 wire protocol needed to
// resolve an image reference to a concrete manifest and download its blobs:
// anonymous-then-bearer authentication, multi-architecture index resolution,
// and blob retrieval over HTTPS.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	oerrors "github.com/spacejar/pyoci/internal/errors"
	"github.com/spacejar/pyoci/internal/types"
	"github.com/spacejar/pyoci/layers"
)

// ClientOptions configures the registry client.
type ClientOptions struct {
	// UserAgent for requests.
	UserAgent string
	// Timeout bounds one whole request, including the body read.
	Timeout time.Duration
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// IdleTimeout bounds how long pooled connections are kept.
	IdleTimeout time.Duration
	// MaxIdlePerHost caps pooled connections per registry host.
	MaxIdlePerHost int
	// PlainHTTP disables TLS. For local registries and tests only.
	PlainHTTP bool
}

// DefaultClientOptions returns the timeouts used for production registry
// access.
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		UserAgent:      "pyoci/1.0",
		Timeout:        300 * time.Second,
		ConnectTimeout: 60 * time.Second,
		IdleTimeout:    90 * time.Second,
		MaxIdlePerHost: 5,
	}
}

// Client talks the registry v2 protocol.
type Client struct {
	options *ClientOptions
	http    *http.Client
	log     *logrus.Entry
}

// NewClient creates a registry client. A nil options uses defaults.
func NewClient(options *ClientOptions, logger *logrus.Logger) *Client {
	if options == nil {
		options = DefaultClientOptions()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: options.ConnectTimeout,
		}).DialContext,
		IdleConnTimeout:     options.IdleTimeout,
		MaxIdleConnsPerHost: options.MaxIdlePerHost,
	}

	return &Client{
		options: options,
		http: &http.Client{
			Transport: transport,
			Timeout:   options.Timeout,
		},
		log: logger.WithField("component", "registry"),
	}
}

func (c *Client) scheme() string {
	if c.options.PlainHTTP {
		return "http"
	}
	return "https"
}

// endpoint returns the v2 API base URL for a repository. Docker Hub requires
// a library/ prefix for unnamespaced image names.
func (c *Client) endpoint(registry, repository string) string {
	repo := repository
	if registry == DefaultRegistry && !containsSlash(repo) {
		repo = "library/" + repo
	}
	return fmt.Sprintf("%s://%s/v2/%s", c.scheme(), registry, repo)
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}

// Authenticate probes the registry anonymously and, only on HTTP 401,
// fetches a pull-scoped bearer token from the token endpoint. An empty
// token means the registry requires no authentication.
func (c *Client) Authenticate(ctx context.Context, registry, repository string) (string, error) {
	probeURL := fmt.Sprintf("%s/manifests/latest", c.endpoint(registry, repository))

	resp, err := c.get(ctx, probeURL, "", "")
	if err != nil {
		return "", oerrors.Wrap(oerrors.TypeNetwork, "authenticate", err, "registry probe failed").WithResource(registry)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		return "", nil
	}

	tokenURL := c.tokenURL(registry, repository)
	c.log.WithFields(logrus.Fields{
		"registry":   registry,
		"repository": repository,
	}).Debug("fetching bearer token")

	resp, err = c.get(ctx, tokenURL, "", "application/json")
	if err != nil {
		return "", oerrors.Wrap(oerrors.TypeNetwork, "authenticate", err, "token request failed").WithResource(registry)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", oerrors.Newf(oerrors.TypeAuthentication, "authenticate",
			"authentication failed: %s - %s", resp.Status, string(body)).WithResource(registry)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", oerrors.Wrap(oerrors.TypeAuthentication, "authenticate", err, "failed to parse token response").WithResource(registry)
	}

	if token.Token == "" {
		token.Token = token.AccessToken
	}

	return token.Token, nil
}

func (c *Client) tokenURL(registry, repository string) string {
	if registry == DefaultRegistry {
		return fmt.Sprintf("https://auth.docker.io/token?service=registry.docker.io&scope=repository:%s:pull",
			url.QueryEscape(repository))
	}
	return fmt.Sprintf("%s://%s/token?service=%s&scope=repository:%s:pull",
		c.scheme(), registry, registry, url.QueryEscape(repository))
}

// acceptHeader lists every manifest media type the client can resolve.
const acceptHeader = MediaTypeDockerManifest + ", " +
	MediaTypeDockerManifestList + ", " +
	MediaTypeOCIIndex + ", " +
	MediaTypeOCIManifest

// FetchManifest resolves a tag to a schema-2 manifest for the running
// architecture. A multi-architecture index is narrowed to the entry whose
// platform matches the host, skipping attestation entries, then re-fetched
// by digest.
func (c *Client) FetchManifest(ctx context.Context, ref Reference, token string) (*Manifest, error) {
	manifestURL := fmt.Sprintf("%s/manifests/%s", c.endpoint(ref.Registry, ref.Repository), ref.Tag)

	body, contentType, err := c.fetchRaw(ctx, manifestURL, token, acceptHeader)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"reference":    ref.String(),
		"content_type": contentType,
	}).Debug("fetched manifest")

	var index manifestIndex
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, oerrors.Wrap(oerrors.TypeManifestParse, "fetch_manifest", err, "malformed manifest response").WithResource(ref.String())
	}

	if len(index.Manifests) > 0 {
		entry, err := selectPlatform(index, types.HostPlatform())
		if err != nil {
			return nil, err
		}

		specificURL := fmt.Sprintf("%s/manifests/%s", c.endpoint(ref.Registry, ref.Repository), entry.Digest)
		body, _, err = c.fetchRaw(ctx, specificURL, token, entry.MediaType)
		if err != nil {
			return nil, err
		}
	}

	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, oerrors.Wrap(oerrors.TypeManifestParse, "fetch_manifest", err, "malformed image manifest").WithResource(ref.String())
	}

	if manifest.SchemaVersion != 2 {
		return nil, oerrors.Newf(oerrors.TypeManifestParse, "fetch_manifest",
			"unsupported manifest schema version: %d", manifest.SchemaVersion).WithResource(ref.String())
	}

	return &manifest, nil
}

// selectPlatform picks the index entry for the given platform,
// ignoring attestation entries.
func selectPlatform(index manifestIndex, platform types.Platform) (indexEntry, error) {
	for _, entry := range index.Manifests {
		if entry.isAttestation() {
			continue
		}
		if entry.Platform.Architecture == platform.Architecture && entry.Platform.OS == platform.OS {
			return entry, nil
		}
	}

	return indexEntry{}, oerrors.Newf(oerrors.TypePlatformNotFound, "fetch_manifest",
		"no manifest found for platform: %s", platform.String())
}

// DownloadLayers fetches every blob the manifest references, in manifest
// order, and flattens them into one combined synthetic layer. Both digest
// and diff ID are computed over the concatenation.
//
// Order must be manifest-declared order, never completion order, so the
// combined digest is deterministic.
func (c *Client) DownloadLayers(ctx context.Context, ref Reference, manifest *Manifest, token string) (*layers.Layer, error) {
	var combined []byte

	for _, descriptor := range manifest.Layers {
		c.log.WithField("digest", descriptor.Digest).Debug("downloading layer blob")

		data, err := c.DownloadBlob(ctx, ref, descriptor.Digest, token)
		if err != nil {
			return nil, err
		}

		combined = append(combined, data...)
	}

	d := digest.FromBytes(combined)
	size := int64(len(combined))

	return &layers.Layer{
		MediaType:      layers.MediaTypeImageLayerGzip,
		Digest:         d,
		Size:           size,
		CompressedSize: size,
		Data:           combined,
		DiffID:         d,
		Annotations:    map[string]string{},
	}, nil
}

// DownloadBlob fetches one blob by digest.
func (c *Client) DownloadBlob(ctx context.Context, ref Reference, blobDigest, token string) ([]byte, error) {
	blobURL := fmt.Sprintf("%s/blobs/%s", c.endpoint(ref.Registry, ref.Repository), blobDigest)

	resp, err := c.get(ctx, blobURL, token, "")
	if err != nil {
		return nil, oerrors.Wrap(oerrors.TypeNetwork, "download_blob", err, "blob request failed").WithResource(blobDigest)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, oerrors.Newf(oerrors.TypeNetwork, "download_blob",
			"failed to download blob: %s", resp.Status).WithResource(blobDigest)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oerrors.Wrap(oerrors.TypeNetwork, "download_blob", err, "failed to read blob data").WithResource(blobDigest)
	}

	return data, nil
}

// Pull resolves a reference string all the way to a verified combined base
// layer: parse, authenticate, resolve the manifest for the host platform,
// and download every blob.
func (c *Client) Pull(ctx context.Context, reference string) (*layers.Layer, error) {
	ref, err := ParseReference(reference)
	if err != nil {
		return nil, err
	}

	token, err := c.Authenticate(ctx, ref.Registry, ref.Repository)
	if err != nil {
		return nil, err
	}

	manifest, err := c.FetchManifest(ctx, ref, token)
	if err != nil {
		return nil, err
	}

	return c.DownloadLayers(ctx, ref, manifest, token)
}

// ImageSource adapts a registry reference to the layers.Source interface.
type ImageSource struct {
	Client    *Client
	Reference string
}

// Layer implements layers.Source.
func (s ImageSource) Layer(ctx context.Context) (*layers.Layer, error) {
	return s.Client.Pull(ctx, s.Reference)
}

// fetchRaw performs an authenticated GET and returns the body and content
// type, classifying non-2xx responses per the failure taxonomy.
func (c *Client) fetchRaw(ctx context.Context, rawURL, token, accept string) ([]byte, string, error) {
	resp, err := c.get(ctx, rawURL, token, accept)
	if err != nil {
		return nil, "", oerrors.Wrap(oerrors.TypeNetwork, "fetch_manifest", err, "manifest request failed").WithResource(rawURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", oerrors.Wrap(oerrors.TypeNetwork, "fetch_manifest", err, "failed to read response").WithResource(rawURL)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", oerrors.Newf(oerrors.TypeAuthentication, "fetch_manifest",
			"failed to fetch manifest: %s - %s", resp.Status, string(body)).WithResource(rawURL)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) get(ctx context.Context, rawURL, token, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.options.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.http.Do(req)
}
