// Package webdav implements the driveput backend for generic WebDAV servers.
// WebDAV has no resumable-upload protocol, so the backend declares a single
// whole-file chunk: one PUT transfers everything, MKCOL creates missing
// parent collections, and DELETE cleans up on abort.
package webdav

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/driveput/driveput"
	"github.com/driveput/driveput/internal/remotepath"
)

const userAgent = "driveput/0.1"

// Client is the WebDAV backend, rooted at a collection URL such as
// https://dav.example.com/remote.php/dav/files/user.
type Client struct {
	baseURL    string
	authScheme string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP transport capability.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAuthScheme overrides the Authorization scheme. Defaults to Basic;
// servers behind OAuth proxies use Bearer.
func WithAuthScheme(scheme string) ClientOption {
	return func(c *Client) {
		if scheme != "" {
			c.authScheme = scheme
		}
	}
}

// NewClient creates a WebDAV backend for the given collection URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authScheme: "Basic",
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name implements driveput.Backend.
func (c *Client) Name() string { return "webdav" }

// ChunkConstraints declares unbounded single-chunk transfer: the only valid
// plan is one whole-file PUT.
func (c *Client) ChunkConstraints(totalLength int64) driveput.Constraints {
	return driveput.Constraints{MaxChunk: totalLength}
}

// object is the per-upload handle: the resolved target URL.
type object struct {
	url         string
	contentType string
}

// Ping verifies connectivity and credentials with a PROPFIND on the root
// collection. Callers use it at configuration time; uploads do not depend
// on it.
func (c *Client) Ping(ctx context.Context, cred driveput.Credential) error {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", c.baseURL, http.NoBody)
	if err != nil {
		return driveput.WrapErr(driveput.KindNetwork, err, "webdav: creating propfind request")
	}

	c.setHeaders(req, cred)
	req.Header.Set("Depth", "0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return driveput.WrapErr(driveput.KindNetwork, err, "webdav: propfind failed")
	}
	defer resp.Body.Close()

	drain(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return c.statusError(resp, "webdav: propfind")
	}

	return nil
}

// Initiate creates missing parent collections and removes any existing file
// at the target so the PUT replaces it cleanly. Deletion failures are
// ignored — a missing file 404s and an unwritable one fails the PUT anyway.
func (c *Client) Initiate(
	ctx context.Context, target driveput.UploadTarget, cred driveput.Credential,
) (driveput.Handle, error) {
	clean := remotepath.Clean(target.Path)
	if clean == "" {
		return nil, driveput.Errf(driveput.KindValidation, "webdav: target path %q resolves to the collection root", target.Path)
	}

	for _, parent := range remotepath.Parents(clean) {
		if err := c.mkcol(ctx, parent, cred); err != nil {
			return nil, err
		}
	}

	obj := &object{
		url:         c.baseURL + "/" + remotepath.Escape(clean),
		contentType: target.ContentType,
	}

	if err := c.delete(ctx, obj.url, cred); err != nil {
		c.logger.Debug("webdav: pre-upload delete skipped", slog.String("error", err.Error()))
	}

	return obj, nil
}

// mkcol creates one collection. 405 means it already exists.
func (c *Client) mkcol(ctx context.Context, dir string, cred driveput.Credential) error {
	url := c.baseURL + "/" + remotepath.Escape(dir)

	req, err := http.NewRequestWithContext(ctx, "MKCOL", url, http.NoBody)
	if err != nil {
		return driveput.WrapErr(driveput.KindNetwork, err, "webdav: creating mkcol request")
	}

	c.setHeaders(req, cred)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return driveput.WrapErr(driveput.KindNetwork, err, "webdav: mkcol failed")
	}
	defer resp.Body.Close()

	drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusNoContent, http.StatusMethodNotAllowed:
		return nil
	default:
		return c.statusError(resp, "webdav: mkcol "+dir)
	}
}

// UploadChunk PUTs the whole file. The planner guarantees exactly one final
// chunk for this backend's constraints.
func (c *Client) UploadChunk(
	ctx context.Context, h driveput.Handle, desc driveput.ChunkDescriptor, body io.Reader, cred driveput.Credential,
) (driveput.ChunkResult, error) {
	obj, err := handleOf(h)
	if err != nil {
		return driveput.ChunkResult{}, err
	}

	if !desc.Final || desc.Offset != 0 {
		return driveput.ChunkResult{}, driveput.Errf(driveput.KindValidation,
			"webdav: received chunk %d at offset %d, backend only supports whole-file transfer", desc.Index, desc.Offset)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, obj.url, body)
	if err != nil {
		return driveput.ChunkResult{}, driveput.WrapErr(driveput.KindNetwork, err, "webdav: creating put request")
	}

	c.setHeaders(req, cred)

	if obj.contentType != "" {
		req.Header.Set("Content-Type", obj.contentType)
	}

	req.ContentLength = desc.Length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return driveput.ChunkResult{}, driveput.WrapErr(driveput.KindNetwork, err, "webdav: put failed")
	}
	defer resp.Body.Close()

	drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		c.logger.Debug("webdav: put complete", slog.String("url", obj.url), slog.Int64("bytes", desc.Length))

		return driveput.ChunkResult{
			NextOffset: desc.End(),
			Complete:   true,
			Resource:   &driveput.Resource{ID: obj.url, URL: obj.url},
		}, nil
	default:
		return driveput.ChunkResult{}, c.statusError(resp, "webdav: put")
	}
}

// Finalize is a no-op: the PUT response already committed the file.
func (c *Client) Finalize(_ context.Context, _ driveput.Handle, _ driveput.Credential) (*driveput.Resource, error) {
	return nil, nil
}

// Abort deletes whatever the interrupted PUT may have left at the target.
func (c *Client) Abort(ctx context.Context, h driveput.Handle, cred driveput.Credential) error {
	obj, err := handleOf(h)
	if err != nil {
		return err
	}

	return c.delete(ctx, obj.url, cred)
}

func (c *Client) delete(ctx context.Context, url string, cred driveput.Credential) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, http.NoBody)
	if err != nil {
		return driveput.WrapErr(driveput.KindNetwork, err, "webdav: creating delete request")
	}

	c.setHeaders(req, cred)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return driveput.WrapErr(driveput.KindNetwork, err, "webdav: delete failed")
	}
	defer resp.Body.Close()

	drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return c.statusError(resp, "webdav: delete")
	}
}

func (c *Client) setHeaders(req *http.Request, cred driveput.Credential) {
	req.Header.Set("Authorization", c.authScheme+" "+cred.AccessToken)
	req.Header.Set("User-Agent", userAgent)
}

// statusError maps a WebDAV error response to the taxonomy.
func (c *Client) statusError(resp *http.Response, op string) error {
	e := &driveput.Error{
		Kind:    driveput.StatusKind(resp.StatusCode),
		Chunk:   driveput.NoChunk,
		Status:  resp.StatusCode,
		Message: fmt.Sprintf("%s returned status %d", op, resp.StatusCode),
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			e.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	c.logger.Warn("webdav request failed",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
	)

	return e
}

func handleOf(h driveput.Handle) (*object, error) {
	obj, ok := h.(*object)
	if !ok {
		return nil, driveput.Errf(driveput.KindValidation, "webdav: handle is %T, not a webdav object", h)
	}

	return obj, nil
}

func drain(r io.Reader) {
	io.Copy(io.Discard, r) //nolint:errcheck // best-effort drain
}
