package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// FacebookAdapter posts to a page feed. The first remote media URL, if any,
// is attached as the post link.
type FacebookAdapter struct {
	client  *http.Client
	creds   Credentials
	apiBase string
}

func NewFacebook(client *http.Client, creds Credentials, apiBase string) *FacebookAdapter {
	return &FacebookAdapter{client: client, creds: creds, apiBase: strings.TrimRight(apiBase, "/")}
}

func (f *FacebookAdapter) Platform() Platform { return Facebook }

func (f *FacebookAdapter) Connected(ctx context.Context) bool {
	tok, err := f.creds.Get(ctx, CredFacebookAccessToken)
	return err == nil && tok != ""
}

func (f *FacebookAdapter) Publish(ctx context.Context, text string, media []string) PostResult {
	id, err := f.publish(ctx, text, media)
	if err != nil {
		logFailure(Facebook, err)
		return Failed(Facebook, err)
	}
	return succeeded(Facebook, id, "https://www.facebook.com/"+id)
}

func (f *FacebookAdapter) publish(ctx context.Context, text string, media []string) (string, error) {
	token, err := f.creds.Get(ctx, CredFacebookAccessToken)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", CredFacebookAccessToken, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w: %s missing", ErrNotConnected, CredFacebookAccessToken)
	}
	pageID, err := f.creds.Get(ctx, CredFacebookPageID)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", CredFacebookPageID, err)
	}
	if pageID == "" {
		pageID = "me"
	}

	form := url.Values{}
	if strings.TrimSpace(text) != "" {
		form.Set("message", text)
	}
	for _, m := range media {
		if IsRemote(m) {
			form.Set("link", m)
			break
		}
	}
	if len(form) == 0 {
		return "", fmt.Errorf("%w: empty post", ErrInvalidContent)
	}

	ReportProgress(ctx, "posting to facebook")
	req, err := http.NewRequest(http.MethodPost, f.apiBase+"/"+url.PathEscape(pageID)+"/feed", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build facebook request: %w", err)
	}
	bearer(req, token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, body, err := send(ctx, f.client, Facebook, req)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(Facebook, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &RemoteRejectedError{Platform: Facebook, Status: http.StatusOK, Message: "response carried no post id"}
	}
	return out.ID, nil
}
