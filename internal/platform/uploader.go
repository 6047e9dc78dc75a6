package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mtzanidakis/postdeck/internal/oauth1"
)

// MediaUploader pushes an image to the text platform's upload endpoint and
// returns the media id a post can reference.
type MediaUploader struct {
	client   *http.Client
	endpoint string
	signer   *oauth1.Signer
}

func NewMediaUploader(client *http.Client, endpoint string, signer *oauth1.Signer) *MediaUploader {
	return &MediaUploader{client: client, endpoint: endpoint, signer: signer}
}

// Upload sends raw as the base64 media_data form field. raw may already be
// a data: URL, in which case the prefix is stripped and its base64 payload
// is sent unchanged.
func (u *MediaUploader) Upload(ctx context.Context, raw []byte, mimeType string) (string, error) {
	payload := mediaPayload(raw)
	if dataMIME, _, ok := ParseDataURL(string(raw)); ok && mimeType == "" {
		mimeType = dataMIME
	}
	if mimeType != "" && !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("%w: unsupported media type %s", ErrInvalidContent, mimeType)
	}

	form := url.Values{"media_data": {payload}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := u.signer.Sign(req, form); err != nil {
		return "", err
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "POST media upload", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &NetworkError{Op: "POST media upload", Err: err}
	}
	if !isSuccess(resp.StatusCode) {
		return "", &UploadError{Status: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}

	var out struct {
		MediaIDString string      `json:"media_id_string"`
		MediaID       json.Number `json:"media_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &UploadError{Status: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}
	id := out.MediaIDString
	if id == "" {
		id = out.MediaID.String()
	}
	if id == "" {
		return "", &UploadError{Status: resp.StatusCode, Body: "response carried no media id"}
	}
	return id, nil
}

func mediaPayload(raw []byte) string {
	if _, payload, ok := ParseDataURL(string(raw)); ok {
		return payload
	}
	return base64.StdEncoding.EncodeToString(raw)
}
