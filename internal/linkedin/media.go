package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/pkg/failure"
)

// maxImageBytes caps the media a job may attach
const maxImageBytes = 10 << 20

// InitializeUploadRequest is the request body for the Images API
type InitializeUploadRequest struct {
	InitializeUploadRequest InitializeUploadRequestInner `json:"initializeUploadRequest"`
}

// InitializeUploadRequestInner contains the owner for the upload
type InitializeUploadRequestInner struct {
	Owner string `json:"owner"`
}

// InitializeUploadResponse is the response from the Images API
type InitializeUploadResponse struct {
	Value InitializeUploadValue `json:"value"`
}

// InitializeUploadValue contains the upload details
type InitializeUploadValue struct {
	UploadURLExpiresAt int64  `json:"uploadUrlExpiresAt"`
	UploadURL          string `json:"uploadUrl"`
	Image              string `json:"image"` // urn:li:image:xxx
}

// InitializeImageUpload registers an image upload for ownerURN
func (c *Client) InitializeImageUpload(ctx context.Context, cred *models.PlatformCredential, ownerURN string) (*InitializeUploadValue, error) {
	reqBody := InitializeUploadRequest{
		InitializeUploadRequest: InitializeUploadRequestInner{Owner: ownerURN},
	}

	resp, err := c.do(ctx, cred, http.MethodPost, "/rest/images?action=initializeUpload", reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, statusError("initialize upload", resp)
	}

	var uploadResp InitializeUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return nil, failure.Transient("linkedin", fmt.Errorf("failed to parse upload response: %w", err))
	}
	if uploadResp.Value.UploadURL == "" || uploadResp.Value.Image == "" {
		return nil, failure.Fatal("linkedin", fmt.Errorf("upload response is missing the upload url or image urn"))
	}

	c.log.Info().
		Str("image", uploadResp.Value.Image).
		Msg("Image upload initialized successfully")

	return &uploadResp.Value, nil
}

// fetchMedia downloads the job's media
func (c *Client) fetchMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, failure.Validation("linkedin", fmt.Errorf("invalid media url: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch media", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if len(data) > maxImageBytes {
		return nil, failure.Fatal("linkedin", fmt.Errorf("media exceeds %d bytes", maxImageBytes))
	}
	return data, nil
}

// UploadImageToURL uploads image data to a pre-signed upload URL
func (c *Client) UploadImageToURL(ctx context.Context, uploadURL string, imageData []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(imageData))
	if err != nil {
		return failure.Fatal("linkedin", fmt.Errorf("failed to create upload request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	// The upload URL is pre-signed so no bearer token is sent
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError("upload image", resp)
	}

	c.log.Info().
		Int("size_bytes", len(imageData)).
		Msg("Image uploaded successfully")

	return nil
}

// uploadImage runs the full upload flow and returns the image URN
func (c *Client) uploadImage(ctx context.Context, cred *models.PlatformCredential, ownerURN, mediaURL string) (string, error) {
	data, err := c.fetchMedia(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	upload, err := c.InitializeImageUpload(ctx, cred, ownerURN)
	if err != nil {
		return "", err
	}

	if err := c.UploadImageToURL(ctx, upload.UploadURL, data); err != nil {
		return "", err
	}

	if c.processingDelay > 0 {
		t := time.NewTimer(c.processingDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for image processing: %w", ctx.Err())
		}
	}

	return upload.Image, nil
}
