package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

const MaxCaptionLength = 2200

// InstagramAdapter publishes a single image with a caption through the
// two-step container flow of the Graph API. The platform fetches the image
// itself, so every post needs a publicly reachable media URL.
type InstagramAdapter struct {
	client  *http.Client
	creds   Credentials
	media   *MediaLoader
	apiBase string
}

func NewInstagram(client *http.Client, creds Credentials, media *MediaLoader, apiBase string) *InstagramAdapter {
	return &InstagramAdapter{client: client, creds: creds, media: media, apiBase: strings.TrimRight(apiBase, "/")}
}

func (i *InstagramAdapter) Platform() Platform { return Instagram }

func (i *InstagramAdapter) Connected(ctx context.Context) bool {
	_, _, err := i.account(ctx)
	return err == nil
}

func (i *InstagramAdapter) account(ctx context.Context) (token, userID string, err error) {
	if token, err = i.creds.Get(ctx, CredInstagramAccessToken); err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", CredInstagramAccessToken, err)
	}
	if userID, err = i.creds.Get(ctx, CredInstagramUserID); err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", CredInstagramUserID, err)
	}
	if token == "" || userID == "" {
		return "", "", fmt.Errorf("%w: instagram token and user id are required", ErrNotConnected)
	}
	return token, userID, nil
}

func (i *InstagramAdapter) Publish(ctx context.Context, text string, media []string) PostResult {
	id, permalink, err := i.publish(ctx, text, media)
	if err != nil {
		logFailure(Instagram, err)
		return Failed(Instagram, err)
	}
	if permalink == "" {
		permalink = "https://www.instagram.com/"
	}
	return succeeded(Instagram, id, permalink)
}

func (i *InstagramAdapter) publish(ctx context.Context, text string, media []string) (string, string, error) {
	if n := utf8.RuneCountInString(text); n > MaxCaptionLength {
		return "", "", fmt.Errorf("%w: caption is %d characters, limit is %d", ErrInvalidContent, n, MaxCaptionLength)
	}
	token, userID, err := i.account(ctx)
	if err != nil {
		return "", "", err
	}
	if len(media) == 0 {
		return "", "", fmt.Errorf("%w: instagram posts need an image", ErrMediaRequired)
	}
	imageURL, ok := i.media.PublicURL(media[0])
	if !ok {
		return "", "", fmt.Errorf("%w: instagram needs a publicly reachable image url", ErrMediaRequired)
	}

	ReportProgress(ctx, "creating instagram media container")
	var container struct {
		ID string `json:"id"`
	}
	err = i.postForm(ctx, token, "/"+url.PathEscape(userID)+"/media", url.Values{
		"image_url": {imageURL},
		"caption":   {text},
	}, &container)
	if err != nil {
		return "", "", err
	}
	if container.ID == "" {
		return "", "", &RemoteRejectedError{Platform: Instagram, Status: http.StatusOK, Message: "no media container id returned"}
	}

	ReportProgress(ctx, "publishing to instagram")
	var published struct {
		ID string `json:"id"`
	}
	err = i.postForm(ctx, token, "/"+url.PathEscape(userID)+"/media_publish", url.Values{
		"creation_id": {container.ID},
	}, &published)
	if err != nil {
		return "", "", err
	}
	if published.ID == "" {
		return "", "", &RemoteRejectedError{Platform: Instagram, Status: http.StatusOK, Message: "no media id returned"}
	}

	return published.ID, i.permalink(ctx, token, published.ID), nil
}

// permalink is best effort; the post exists even if this lookup fails.
func (i *InstagramAdapter) permalink(ctx context.Context, token, mediaID string) string {
	req, err := http.NewRequest(http.MethodGet, i.apiBase+"/"+url.PathEscape(mediaID)+"?fields=permalink", nil)
	if err != nil {
		return ""
	}
	bearer(req, token)
	_, body, err := send(ctx, i.client, Instagram, req)
	if err != nil {
		return ""
	}
	var out struct {
		Permalink string `json:"permalink"`
	}
	if decodeJSON(Instagram, body, &out) != nil {
		return ""
	}
	return out.Permalink
}

func (i *InstagramAdapter) postForm(ctx context.Context, token, path string, form url.Values, out any) error {
	req, err := http.NewRequest(http.MethodPost, i.apiBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build instagram request: %w", err)
	}
	bearer(req, token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, body, err := send(ctx, i.client, Instagram, req)
	if err != nil {
		return err
	}
	return decodeJSON(Instagram, body, out)
}
