package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// Image query error messages.
const (
	ErrMsgFileNotFound  = "File not found"
	ErrMsgUploadFailed  = "Upload failed"
	ErrMsgNoCredential  = "Session token not configured"
	maxImageUploadBytes = 20 << 20
)

type uploadResponse struct {
	URL string `json:"url"`
}

// AskWithImage uploads the image at req.ImagePath and asks about it.
// A missing file is reported as an input error before any network call; an
// upload failure stops before the ask call.
func (c *Client) AskWithImage(ctx context.Context, req ImageRequest) (res ImageResult) {
	if req.Model == "" {
		req.Model = DefaultImageModel
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("image ask panicked", "panic", r)
			res = imageFailed(req.Model, KindInternal, fmt.Sprintf("internal error: %v", r), "Error processing the image")
		}
	}()

	data, err := readImage(req.ImagePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return imageFailed(req.Model, KindInput, ErrMsgFileNotFound, "Image file not found")
		}
		return imageFailed(req.Model, KindInput, err.Error(), "Could not read the image file")
	}

	if !c.HasCredential() {
		return imageFailed(req.Model, KindCredential, ErrMsgNoCredential,
			"Image analysis requires a valid session token (PERPLEXITY_SESSION_TOKEN)")
	}

	imageURL, err := c.upload(ctx, filepath.Base(req.ImagePath), data)
	if err != nil {
		c.logger.Warn("image upload failed", "error", err)
		return imageFailed(req.Model, KindTransport, ErrMsgUploadFailed, "Failed to upload the image")
	}

	sess := c.sessions.Get(ctx)
	payload := askPayload{
		Query:     req.Query,
		Model:     req.Model,
		Focus:     FocusWeb,
		ImageURL:  imageURL,
		SessionID: sess.ID,
		Timestamp: c.clock.Now().UnixMilli(),
	}

	resp, cancel, err := c.postJSON(ctx, AskPath, payload, c.cfg.AskTimeout)
	if err != nil {
		c.sessions.Invalidate()
		c.logger.Warn("image ask request failed", "error", err)
		return imageFailed(req.Model, KindTransport, err.Error(), "Error analyzing the image")
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.sessions.Invalidate()
		return imageFailed(req.Model, KindTransport, fmt.Sprintf("HTTP %d", resp.StatusCode), "Error analyzing the image")
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return imageFailed(req.Model, KindInternal, fmt.Sprintf("decode ask response: %v", err), "Error analyzing the image")
	}
	return ImageResult{
		Outcome:       OutcomeLive,
		Text:          firstText(raw),
		ModelUsed:     req.Model,
		ImageAnalyzed: true,
	}
}

func (c *Client) upload(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	resp, cancel, err := c.post(ctx, UploadPath, w.FormDataContentType(), &body, c.cfg.UploadTimeout)
	if err != nil {
		c.sessions.Invalidate()
		return "", err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("upload status %d", resp.StatusCode)
	}

	var up uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return up.URL, nil
}

func readImage(path string) ([]byte, error) {
	if path == "" {
		return nil, fs.ErrNotExist
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImageUploadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageUploadBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageUploadBytes)
	}
	return data, nil
}

func imageFailed(model string, kind ErrorKind, msg, text string) ImageResult {
	return ImageResult{
		Outcome:   OutcomeFailed,
		Text:      text,
		ModelUsed: model,
		Error:     msg,
		Kind:      kind,
	}
}
