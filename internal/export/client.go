// Package export delivers deidentified archives to the DRAW server with
// health checking, token refresh and checksummed multipart uploads.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chavi-india/draw-agent/internal/conf"
	"github.com/chavi-india/draw-agent/internal/errors"
)

// Client talks to the DRAW server API.
type Client struct {
	settings   *conf.Settings
	httpClient *http.Client
}

// NewClient builds a client with the configured upload timeout. Health and
// refresh calls carry their own shorter per-request timeouts via context.
func NewClient(settings *conf.Settings) *Client {
	return &Client{
		settings: settings,
		httpClient: &http.Client{
			Timeout: settings.Draw.UploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// HealthResult reports one health probe.
type HealthResult struct {
	Healthy    bool
	StatusCode int
}

// Health probes GET /api/health. Only a 200 counts as healthy; a 503 means
// the server is up but not ready. Network errors return err.
func (c *Client) Health(ctx context.Context) (HealthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.settings.Draw.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.Draw.BaseURL+"/api/health", nil)
	if err != nil {
		return HealthResult{}, netErr("building health request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthResult{}, netErr("health check", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return HealthResult{Healthy: resp.StatusCode == http.StatusOK, StatusCode: resp.StatusCode}, nil
}

// TokenResponse is the refresh endpoint payload.
type TokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// RefreshToken posts the refresh token as bearer credential to
// /api/auth/refresh and returns the new token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.Draw.BaseURL+"/api/auth/refresh", nil)
	if err != nil {
		return nil, netErr("building refresh request", err)
	}
	req.Header.Set("Authorization", "Bearer "+refreshToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, netErr("token refresh", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("token refresh rejected with status %d", resp.StatusCode).
			Component("export").
			Category(errors.CategoryAuth).
			Build()
	}

	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, errors.New(fmt.Errorf("decoding refresh response: %w", err)).
			Component("export").
			Category(errors.CategoryAuth).
			Build()
	}
	if tokens.AccessToken == "" {
		return nil, errors.NewStd("refresh response missing access token")
	}
	return &tokens, nil
}

// uploadResponse is the accepted-upload payload. Some server versions call
// the field transaction_id.
type uploadResponse struct {
	TaskID        string `json:"task_id"`
	TransactionID string `json:"transaction_id"`
}

// Upload sends the archive, its checksum and the optional client id as a
// multipart request. A 2xx response without a task identifier is an error.
func (c *Client) Upload(ctx context.Context, archivePath, checksum, accessToken string) (string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return "", errors.New(fmt.Errorf("opening archive: %w", err)).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("path", archivePath).
			Build()
	}
	defer file.Close()

	// stream the multipart body through a pipe so large archives are never
	// buffered in memory
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()

		part, werr := mw.CreateFormFile("file", filepath.Base(archivePath))
		if werr != nil {
			return
		}
		if _, werr = io.Copy(part, file); werr != nil {
			return
		}
		if werr = mw.WriteField("checksum", checksum); werr != nil {
			return
		}
		if c.settings.Draw.ClientID != "" {
			if werr = mw.WriteField("client_id", c.settings.Draw.ClientID); werr != nil {
				return
			}
		}
		werr = mw.Close()
	}()

	url := c.settings.Draw.BaseURL + c.settings.Draw.UploadEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return "", netErr("building upload request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", netErr("upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return "", errors.Newf("upload rejected with status %d", resp.StatusCode).
			Component("export").
			Category(errors.CategoryHTTP).
			Context("status_code", resp.StatusCode).
			Build()
	}

	var accepted uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return "", errors.New(fmt.Errorf("decoding upload response: %w", err)).
			Component("export").
			Category(errors.CategoryHTTP).
			Build()
	}
	taskID := accepted.TaskID
	if taskID == "" {
		taskID = accepted.TransactionID
	}
	if taskID == "" {
		return "", errors.NewStd("upload accepted but response carries no task id")
	}
	return taskID, nil
}

// TaskStatusResponse reports the remote processing state of an upload.
type TaskStatusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// TaskStatus polls the status endpoint for a previously uploaded archive.
func (c *Client) TaskStatus(ctx context.Context, taskID, accessToken string) (*TaskStatusResponse, error) {
	path := strings.Replace(c.settings.Draw.StatusEndpoint, "{task_id}", taskID, 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.Draw.BaseURL+path, nil)
	if err != nil {
		return nil, netErr("building status request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, netErr("task status", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("task status query returned %d", resp.StatusCode).
			Component("export").
			Category(errors.CategoryHTTP).
			Build()
	}

	var status TaskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, errors.New(fmt.Errorf("decoding status response: %w", err)).
			Component("export").
			Category(errors.CategoryHTTP).
			Build()
	}
	return &status, nil
}

func netErr(op string, err error) error {
	return errors.New(fmt.Errorf("%s: %w", op, err)).
		Component("export").
		Category(errors.CategoryNetwork).
		Build()
}
