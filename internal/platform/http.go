package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	maxResponseBytes = 1 << 20
	maxErrorBody     = 512
)

// send executes req and returns the response with its body already read.
// Transport failures become *NetworkError, non-2xx answers become
// *RemoteRejectedError.
func send(ctx context.Context, client *http.Client, p Platform, req *http.Request) (*http.Response, []byte, error) {
	op := req.Method + " " + req.URL.Path
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: err}
	}

	if !isSuccess(resp.StatusCode) {
		return resp, body, &RemoteRejectedError{
			Platform: p,
			Status:   resp.StatusCode,
			Message:  remoteMessage(resp.StatusCode, body),
		}
	}
	return resp, body, nil
}

func decodeJSON(p Platform, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", p, err)
	}
	return nil
}

func bearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

// remoteMessage pulls a human readable message out of the error payloads
// the supported APIs return.
func remoteMessage(status int, body []byte) string {
	var payload struct {
		Detail  string `json:"detail"`
		Title   string `json:"title"`
		Message string `json:"message"`
		Error   any    `json:"error"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch e := payload.Error.(type) {
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		case string:
			if e != "" {
				return e
			}
		}
		for _, m := range []string{payload.Detail, payload.Message, payload.Title} {
			if m != "" {
				return m
			}
		}
		if len(payload.Errors) > 0 && payload.Errors[0].Message != "" {
			return payload.Errors[0].Message
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return truncate(text, maxErrorBody)
	}
	return http.StatusText(status)
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
