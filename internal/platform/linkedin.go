package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"
)

const MaxLinkedInLength = 3000

// LinkedInAdapter shares text posts on behalf of the authenticated member.
// Media is not attached.
type LinkedInAdapter struct {
	client  *http.Client
	creds   Credentials
	apiBase string
}

func NewLinkedIn(client *http.Client, creds Credentials, apiBase string) *LinkedInAdapter {
	return &LinkedInAdapter{client: client, creds: creds, apiBase: strings.TrimRight(apiBase, "/")}
}

func (l *LinkedInAdapter) Platform() Platform { return LinkedIn }

func (l *LinkedInAdapter) Connected(ctx context.Context) bool {
	tok, err := l.creds.Get(ctx, CredLinkedInAccessToken)
	return err == nil && tok != ""
}

func (l *LinkedInAdapter) Publish(ctx context.Context, text string, media []string) PostResult {
	id, err := l.publish(ctx, text, media)
	if err != nil {
		logFailure(LinkedIn, err)
		return Failed(LinkedIn, err)
	}
	return succeeded(LinkedIn, id, "https://www.linkedin.com/feed/update/"+id)
}

func (l *LinkedInAdapter) publish(ctx context.Context, text string, media []string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty post", ErrInvalidContent)
	}
	if n := utf8.RuneCountInString(text); n > MaxLinkedInLength {
		return "", fmt.Errorf("%w: text is %d characters, limit is %d", ErrInvalidContent, n, MaxLinkedInLength)
	}

	token, err := l.creds.Get(ctx, CredLinkedInAccessToken)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", CredLinkedInAccessToken, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w: %s missing", ErrNotConnected, CredLinkedInAccessToken)
	}
	if len(media) > 0 {
		slog.Warn("linkedin posts are text only, ignoring media", "count", len(media))
	}

	ReportProgress(ctx, "resolving linkedin member")
	sub, err := l.memberID(ctx, token)
	if err != nil {
		return "", err
	}

	ReportProgress(ctx, "posting to linkedin")
	payload := ugcPost{
		Author:         "urn:li:person:" + sub,
		LifecycleState: "PUBLISHED",
		Visibility:     map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}
	payload.SpecificContent.ShareContent.ShareCommentary.Text = text
	payload.SpecificContent.ShareContent.ShareMediaCategory = "NONE"

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode linkedin post: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, l.apiBase+"/v2/ugcPosts", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build linkedin request: %w", err)
	}
	bearer(req, token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	resp, body, err := send(ctx, l.client, LinkedIn, req)
	if err != nil {
		return "", err
	}

	id := resp.Header.Get("X-RestLi-Id")
	if id == "" {
		var out struct {
			ID string `json:"id"`
		}
		if len(body) > 0 {
			_ = json.Unmarshal(body, &out)
		}
		id = out.ID
	}
	if id == "" {
		return "", &RemoteRejectedError{Platform: LinkedIn, Status: resp.StatusCode, Message: "response carried no post id"}
	}
	return id, nil
}

func (l *LinkedInAdapter) memberID(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, l.apiBase+"/v2/userinfo", nil)
	if err != nil {
		return "", fmt.Errorf("build userinfo request: %w", err)
	}
	bearer(req, token)

	_, body, err := send(ctx, l.client, LinkedIn, req)
	if err != nil {
		return "", err
	}
	var info struct {
		Sub string `json:"sub"`
	}
	if err := decodeJSON(LinkedIn, body, &info); err != nil {
		return "", err
	}
	if info.Sub == "" {
		return "", &RemoteRejectedError{Platform: LinkedIn, Status: http.StatusOK, Message: "userinfo carried no member id"}
	}
	return info.Sub, nil
}

type ugcPost struct {
	Author          string `json:"author"`
	LifecycleState  string `json:"lifecycleState"`
	SpecificContent struct {
		ShareContent struct {
			ShareCommentary struct {
				Text string `json:"text"`
			} `json:"shareCommentary"`
			ShareMediaCategory string `json:"shareMediaCategory"`
		} `json:"com.linkedin.ugc.ShareContent"`
	} `json:"specificContent"`
	Visibility map[string]string `json:"visibility"`
}
