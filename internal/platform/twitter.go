package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mtzanidakis/postdeck/internal/oauth1"
)

// MaxTweetLength is the hard text ceiling of the text platform.
const MaxTweetLength = 280

// TwitterAdapter is the text platform: OAuth 1.0a signed calls, optional
// media uploaded first and referenced by id.
type TwitterAdapter struct {
	client     *http.Client
	creds      Credentials
	media      *MediaLoader
	apiBase    string
	uploadBase string
	signerOpts []oauth1.Option
}

func NewTwitter(client *http.Client, creds Credentials, media *MediaLoader, apiBase, uploadBase string, opts ...oauth1.Option) *TwitterAdapter {
	return &TwitterAdapter{
		client:     client,
		creds:      creds,
		media:      media,
		apiBase:    strings.TrimRight(apiBase, "/"),
		uploadBase: strings.TrimRight(uploadBase, "/"),
		signerOpts: opts,
	}
}

func (t *TwitterAdapter) Platform() Platform { return Twitter }

func (t *TwitterAdapter) Connected(ctx context.Context) bool {
	_, err := t.signer(ctx)
	return err == nil
}

func (t *TwitterAdapter) signer(ctx context.Context) (*oauth1.Signer, error) {
	names := []string{CredTwitterConsumerKey, CredTwitterConsumerSecret, CredTwitterAccessToken, CredTwitterAccessSecret}
	vals := make([]string, len(names))
	for i, n := range names {
		v, err := t.creds.Get(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", n, err)
		}
		if v == "" {
			return nil, fmt.Errorf("%w: %s missing", ErrNotConnected, n)
		}
		vals[i] = v
	}
	return oauth1.NewSigner(oauth1.Credentials{
		ConsumerKey:    vals[0],
		ConsumerSecret: vals[1],
		Token:          vals[2],
		TokenSecret:    vals[3],
	}, t.signerOpts...), nil
}

func (t *TwitterAdapter) Publish(ctx context.Context, text string, media []string) PostResult {
	id, err := t.publish(ctx, text, media)
	if err != nil {
		logFailure(Twitter, err)
		return Failed(Twitter, err)
	}
	return succeeded(Twitter, id, "https://x.com/i/web/status/"+id)
}

func (t *TwitterAdapter) publish(ctx context.Context, text string, media []string) (string, error) {
	if n := utf8.RuneCountInString(text); n > MaxTweetLength {
		return "", fmt.Errorf("%w: text is %d characters, limit is %d", ErrInvalidContent, n, MaxTweetLength)
	}
	if strings.TrimSpace(text) == "" && len(media) == 0 {
		return "", fmt.Errorf("%w: empty post", ErrInvalidContent)
	}
	if len(media) > MaxMedia {
		return "", fmt.Errorf("%w: at most %d media per post", ErrInvalidContent, MaxMedia)
	}

	signer, err := t.signer(ctx)
	if err != nil {
		return "", err
	}

	mediaIDs, uploadErr := t.uploadAll(ctx, signer, media)
	if strings.TrimSpace(text) == "" && len(mediaIDs) == 0 {
		return "", uploadErr
	}

	ReportProgress(ctx, "posting to twitter")

	payload := tweetRequest{Text: text}
	if len(mediaIDs) > 0 {
		payload.Media = &tweetMedia{MediaIDs: mediaIDs}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode tweet: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, t.apiBase+"/2/tweets", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build tweet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// JSON bodies do not take part in the OAuth 1.0a signature.
	if err := signer.Sign(req, nil); err != nil {
		return "", err
	}

	_, body, err := send(ctx, t.client, Twitter, req)
	if err != nil {
		return "", err
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := decodeJSON(Twitter, body, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", &RemoteRejectedError{Platform: Twitter, Status: http.StatusOK, Message: "response carried no post id"}
	}
	return out.Data.ID, nil
}

// uploadAll uploads every locator in order. A failed upload is logged and
// skipped; the last failure is returned alongside the ids that succeeded.
func (t *TwitterAdapter) uploadAll(ctx context.Context, signer *oauth1.Signer, media []string) ([]string, error) {
	if len(media) == 0 {
		return nil, nil
	}

	up := NewMediaUploader(t.client, t.uploadBase+"/1.1/media/upload.json", signer)
	var (
		ids     []string
		lastErr error
	)
	for i, loc := range media {
		ReportProgress(ctx, fmt.Sprintf("uploading media %d/%d", i+1, len(media)))

		m, err := t.media.Load(ctx, loc)
		if err != nil {
			slog.Warn("media load failed, continuing", "platform", Twitter, "index", i, "error", err)
			lastErr = err
			continue
		}
		id, err := up.Upload(ctx, m.Data, m.MIMEType)
		if err != nil {
			if errors.Is(err, oauth1.ErrSignature) {
				return nil, err
			}
			slog.Warn("media upload failed, continuing", "platform", Twitter, "index", i, "error", err)
			lastErr = err
			continue
		}
		ids = append(ids, id)
	}
	return ids, lastErr
}

type tweetRequest struct {
	Text  string      `json:"text,omitempty"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type TwitterUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type Tweet struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Me returns the account the credentials belong to.
func (t *TwitterAdapter) Me(ctx context.Context) (*TwitterUser, error) {
	var out struct {
		Data TwitterUser `json:"data"`
	}
	if err := t.signedGet(ctx, "/2/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// RecentPosts lists the latest posts of userID, newest first.
func (t *TwitterAdapter) RecentPosts(ctx context.Context, userID string, max int) ([]Tweet, error) {
	if max < 5 || max > 100 {
		max = 10
	}
	q := url.Values{
		"max_results":  {strconv.Itoa(max)},
		"tweet.fields": {"created_at"},
	}
	var out struct {
		Data []Tweet `json:"data"`
	}
	if err := t.signedGet(ctx, "/2/users/"+url.PathEscape(userID)+"/tweets", q, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (t *TwitterAdapter) signedGet(ctx context.Context, path string, query url.Values, out any) error {
	signer, err := t.signer(ctx)
	if err != nil {
		return err
	}
	u := t.apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if err := signer.Sign(req, nil); err != nil {
		logFailure(Twitter, err)
		return errors.New(Message(err))
	}
	_, body, err := send(ctx, t.client, Twitter, req)
	if err != nil {
		return err
	}
	return decodeJSON(Twitter, body, out)
}

func logFailure(p Platform, err error) {
	if errors.Is(err, oauth1.ErrSignature) {
		slog.Error("request signing failed", "platform", p, "error", err)
		return
	}
	slog.Warn("publish failed", "platform", p, "kind", Kind(err), "error", err)
}
