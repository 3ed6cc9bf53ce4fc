// Package onedrive implements the driveput backend for Microsoft-Graph-style
// OneDrive endpoints. Small files go up as a single PUT; larger files use a
// resumable upload session with Content-Range chunks against a
// pre-authenticated session URL.
package onedrive

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

// DefaultBaseURL is the Graph API v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const (
	// chunkAlignment is the required alignment for chunk sizes (320 KiB).
	// All chunks except the final one must be a multiple of this value.
	chunkAlignment = 320 * 1024

	// simpleUploadMaxSize is the largest file sent as a single PUT (4 MB).
	// Larger files use resumable upload sessions.
	simpleUploadMaxSize = 4 * 1024 * 1024

	// maxFileSize is the service's file size ceiling (250 GB).
	maxFileSize = 250 * 1024 * 1024 * 1024

	// defaultChunkSize is 10 MiB, 32 alignment units.
	defaultChunkSize = 10 * 1024 * 1024

	userAgent = "driveput/0.1"
)

// Client is the OneDrive backend. It implements driveput.Backend against the
// drive root of the authenticated user.
type Client struct {
	baseURL    string
	drivePath  string
	httpClient *http.Client
	logger     *slog.Logger
	chunkSize  int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the Graph endpoint (tests, sovereign clouds).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

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

// WithChunkSize overrides the session chunk size. Rounded down to the
// nearest alignment multiple; values below one alignment unit are raised
// to it.
func WithChunkSize(size int64) ClientOption {
	return func(c *Client) {
		size -= size % chunkAlignment
		if size < chunkAlignment {
			size = chunkAlignment
		}

		c.chunkSize = size
	}
}

// NewClient creates a OneDrive backend for the authenticated user's drive.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		drivePath:  "/me/drive",
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		chunkSize:  defaultChunkSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name implements driveput.Backend.
func (c *Client) Name() string { return "onedrive" }

// ChunkConstraints declares a single whole-file PUT for small files and
// aligned session chunks for everything else.
func (c *Client) ChunkConstraints(totalLength int64) driveput.Constraints {
	if totalLength <= simpleUploadMaxSize {
		return driveput.Constraints{MaxChunk: simpleUploadMaxSize}
	}

	return driveput.Constraints{
		MinChunk:  chunkAlignment,
		MaxChunk:  c.chunkSize,
		Alignment: chunkAlignment,
	}
}

// upload is the per-upload handle. For simple uploads only itemPath is set;
// session uploads carry the pre-authenticated session URL.
type upload struct {
	simple      bool
	itemPath    string // escaped path relative to the drive root
	uploadURL   string
	total       int64
	contentType string
}

// createFolderRequest is the Graph JSON shape for folder creation. The empty
// folder facet marks the item as a folder.
type createFolderRequest struct {
	Name             string   `json:"name"`
	Folder           struct{} `json:"folder"`
	ConflictBehavior string   `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

// createUploadSessionRequest is the Graph JSON shape for session creation.
type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

type uploadSessionResponse struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// uploadStatusResponse is returned for intermediate chunks (202) and when
// querying a session.
type uploadStatusResponse struct {
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// driveItemResponse is the subset of the Graph driveItem the uploader needs.
type driveItemResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	WebURL string `json:"webUrl"`
}

// Initiate validates the target and, for session uploads, creates the remote
// upload session. Simple uploads have no initiation step; the handle is
// derived from the target.
func (c *Client) Initiate(
	ctx context.Context, target driveput.UploadTarget, cred driveput.Credential,
) (driveput.Handle, error) {
	if target.TotalLength > maxFileSize {
		return nil, driveput.Errf(driveput.KindValidation,
			"onedrive: %s is %d bytes, exceeds the %d byte service limit", target.Path, target.TotalLength, int64(maxFileSize))
	}

	clean := remotepath.Clean(target.Path)
	if clean == "" {
		return nil, driveput.Errf(driveput.KindValidation, "onedrive: target path %q resolves to the drive root", target.Path)
	}

	if err := c.ensureParents(ctx, clean, cred); err != nil {
		return nil, err
	}

	u := &upload{
		itemPath:    remotepath.Escape(clean),
		total:       target.TotalLength,
		contentType: contentTypeOrDefault(target.ContentType),
	}

	if target.TotalLength <= simpleUploadMaxSize {
		u.simple = true

		c.logger.Debug("simple upload, no session needed", slog.String("path", target.Path))

		return u, nil
	}

	session, err := c.createUploadSession(ctx, u, cred)
	if err != nil {
		return nil, err
	}

	u.uploadURL = session.UploadURL

	c.logger.Info("upload session created",
		slog.String("path", target.Path),
		slog.String("expires", session.ExpirationDateTime),
	)

	return u, nil
}

// ensureParents creates the target's missing ancestor folders, outermost
// first. Graph addresses items by path but does not create intermediate
// folders on upload, so each ancestor gets its own children POST.
func (c *Client) ensureParents(ctx context.Context, clean string, cred driveput.Credential) error {
	for _, dir := range remotepath.Parents(clean) {
		if err := c.createFolder(ctx, dir, cred); err != nil {
			return err
		}
	}

	return nil
}

// createFolder POSTs one folder into its parent's children collection.
// 409 means the folder already exists.
func (c *Client) createFolder(ctx context.Context, dir string, cred driveput.Credential) error {
	parent, name := splitDir(dir)

	url := fmt.Sprintf("%s%s/root/children", c.baseURL, c.drivePath)
	if parent != "" {
		url = fmt.Sprintf("%s%s/root:/%s:/children", c.baseURL, c.drivePath, remotepath.Escape(parent))
	}

	body, err := encodeJSON(createFolderRequest{
		Name:             name,
		ConflictBehavior: "fail",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return driveput.WrapErr(driveput.KindNetwork, err, "onedrive: creating folder request")
	}

	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return driveput.WrapErr(driveput.KindNetwork, err, "onedrive: create folder request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		drain(resp.Body)

		c.logger.Debug("folder ensured", slog.String("dir", dir))

		return nil
	default:
		return c.responseError(resp, "onedrive: create folder "+dir)
	}
}

func splitDir(p string) (parent, name string) {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}

	return "", p
}

// createUploadSession POSTs createUploadSession for the target item with
// replace conflict behavior.
func (c *Client) createUploadSession(ctx context.Context, u *upload, cred driveput.Credential) (*uploadSessionResponse, error) {
	url := fmt.Sprintf("%s%s/root:/%s:/createUploadSession", c.baseURL, c.drivePath, u.itemPath)

	body, err := encodeJSON(createUploadSessionRequest{
		Item: uploadSessionItem{ConflictBehavior: "replace"},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, driveput.WrapErr(driveput.KindNetwork, err, "onedrive: creating session request")
	}

	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, driveput.WrapErr(driveput.KindNetwork, err, "onedrive: create session request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.responseError(resp, "onedrive: create upload session")
	}

	var session uploadSessionResponse
	if err := decodeJSON(resp.Body, &session); err != nil {
		return nil, err
	}

	if session.UploadURL == "" {
		return nil, driveput.Errf(driveput.KindBackendProtocol, "onedrive: session response missing uploadUrl")
	}

	return &session, nil
}

// UploadChunk sends one chunk. Simple uploads PUT the whole file to the
// content endpoint; session uploads PUT to the pre-authenticated session URL
// with a Content-Range header and no Authorization header.
func (c *Client) UploadChunk(
	ctx context.Context, h driveput.Handle, desc driveput.ChunkDescriptor, body io.Reader, cred driveput.Credential,
) (driveput.ChunkResult, error) {
	u, err := handleOf(h)
	if err != nil {
		return driveput.ChunkResult{}, err
	}

	if u.simple {
		return c.simpleUpload(ctx, u, desc, body, cred)
	}

	return c.sessionUpload(ctx, u, desc, body)
}

// simpleUpload PUTs the file content in a single request.
func (c *Client) simpleUpload(
	ctx context.Context, u *upload, desc driveput.ChunkDescriptor, body io.Reader, cred driveput.Credential,
) (driveput.ChunkResult, error) {
	url := fmt.Sprintf("%s%s/root:/%s:/content", c.baseURL, c.drivePath, u.itemPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return driveput.ChunkResult{}, driveput.WrapErr(driveput.KindNetwork, err, "onedrive: creating upload request")
	}

	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", u.contentType)
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = desc.Length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return driveput.ChunkResult{}, driveput.WrapErr(driveput.KindNetwork, err, "onedrive: upload request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return driveput.ChunkResult{}, c.responseError(resp, "onedrive: simple upload")
	}

	var item driveItemResponse
	if err := decodeJSON(resp.Body, &item); err != nil {
		return driveput.ChunkResult{}, err
	}

	c.logger.Debug("simple upload complete", slog.String("item_id", item.ID))

	return driveput.ChunkResult{
		NextOffset: desc.End(),
		Complete:   true,
		Resource:   &driveput.Resource{ID: item.ID, URL: item.WebURL},
	}, nil
}

// sessionUpload PUTs one chunk to the session URL. 202 acknowledges an
// intermediate chunk; 200/201 means the upload is committed and carries the
// created item.
func (c *Client) sessionUpload(
	ctx context.Context, u *upload, desc driveput.ChunkDescriptor, body io.Reader,
) (driveput.ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.uploadURL, body)
	if err != nil {
		return driveput.ChunkResult{}, driveput.WrapErr(driveput.KindNetwork, err, "onedrive: creating chunk request")
	}

	// The session URL is pre-authenticated; no Authorization header.
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", desc.Offset, desc.End()-1, u.total))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = desc.Length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return driveput.ChunkResult{}, driveput.WrapErr(driveput.KindNetwork, err, "onedrive: chunk request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		// The final chunk must commit the item. A 202 here leaves the session
		// dangling with no driveItem to report, so it counts as a failure and
		// the chunk is re-attempted.
		if desc.Final {
			return driveput.ChunkResult{}, driveput.Errf(driveput.KindBackendProtocol,
				"onedrive: final chunk acknowledged without committing the upload")
		}

		var status uploadStatusResponse
		if err := decodeJSON(resp.Body, &status); err != nil {
			return driveput.ChunkResult{}, err
		}

		next := nextExpectedOffset(status.NextExpectedRanges, desc.End())

		c.logger.Debug("intermediate chunk accepted",
			slog.Int("chunk", desc.Index),
			slog.Int64("next_offset", next),
		)

		return driveput.ChunkResult{NextOffset: next}, nil

	case http.StatusOK, http.StatusCreated:
		var item driveItemResponse
		if err := decodeJSON(resp.Body, &item); err != nil {
			return driveput.ChunkResult{}, err
		}

		c.logger.Debug("final chunk accepted, upload committed",
			slog.String("item_id", item.ID),
		)

		return driveput.ChunkResult{
			NextOffset: desc.End(),
			Complete:   true,
			Resource:   &driveput.Resource{ID: item.ID, URL: item.WebURL},
		}, nil

	default:
		return driveput.ChunkResult{}, c.responseError(resp, "onedrive: chunk upload")
	}
}

// Finalize is a no-op: acknowledgment of the final chunk commits the upload.
func (c *Client) Finalize(_ context.Context, _ driveput.Handle, _ driveput.Credential) (*driveput.Resource, error) {
	return nil, nil
}

// Abort cancels the remote upload session with a DELETE on the session URL.
// Simple uploads have nothing remote to clean up.
func (c *Client) Abort(ctx context.Context, h driveput.Handle, _ driveput.Credential) error {
	u, err := handleOf(h)
	if err != nil {
		return err
	}

	if u.simple || u.uploadURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.uploadURL, http.NoBody)
	if err != nil {
		return driveput.WrapErr(driveput.KindNetwork, err, "onedrive: creating cancel request")
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return driveput.WrapErr(driveput.KindNetwork, err, "onedrive: cancel session request failed")
	}
	defer resp.Body.Close()

	drain(resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return driveput.Errf(driveput.KindBackendProtocol, "onedrive: cancel session returned status %d", resp.StatusCode)
	}

	c.logger.Debug("upload session cancelled")

	return nil
}

// responseError reads the error body and maps the status to the taxonomy.
// 429 responses carry the Retry-After wait hint.
func (c *Client) responseError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048)) //nolint:errcheck // best-effort read for the message

	e := &driveput.Error{
		Kind:    driveput.StatusKind(resp.StatusCode),
		Chunk:   driveput.NoChunk,
		Status:  resp.StatusCode,
		Message: fmt.Sprintf("%s: %s", op, string(body)),
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			e.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	c.logger.Warn("onedrive request failed",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", resp.Header.Get("request-id")),
	)

	return e
}

// nextExpectedOffset parses the first nextExpectedRanges entry ("12345-" or
// "12345-67890") into an offset. Falls back to the sent range's end when the
// response omits ranges or they fail to parse.
func nextExpectedOffset(ranges []string, fallback int64) int64 {
	if len(ranges) == 0 {
		return fallback
	}

	start, _, ok := splitRange(ranges[0])
	if !ok {
		return fallback
	}

	return start
}

func splitRange(r string) (start, end int64, ok bool) {
	for i := 0; i < len(r); i++ {
		if r[i] != '-' {
			continue
		}

		start, err := strconv.ParseInt(r[:i], 10, 64)
		if err != nil {
			return 0, 0, false
		}

		if i+1 == len(r) {
			return start, -1, true
		}

		end, err := strconv.ParseInt(r[i+1:], 10, 64)
		if err != nil {
			return 0, 0, false
		}

		return start, end, true
	}

	return 0, 0, false
}

func handleOf(h driveput.Handle) (*upload, error) {
	u, ok := h.(*upload)
	if !ok {
		return nil, driveput.Errf(driveput.KindValidation, "onedrive: handle is %T, not an onedrive upload", h)
	}

	return u, nil
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
