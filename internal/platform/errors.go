package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/mtzanidakis/postdeck/internal/oauth1"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrMediaRequired  = errors.New("media required")
	ErrInvalidContent = errors.New("invalid content")
	ErrUnsupported    = errors.New("platform not yet implemented")
	ErrInternal       = errors.New("internal error")
)

// Error kinds reported in PostResult.ErrorKind.
const (
	KindNotConnected   = "not_connected"
	KindRemoteRejected = "remote_rejected"
	KindMediaRequired  = "media_required"
	KindNetwork        = "network_error"
	KindInvalidContent = "invalid_content"
	KindUnsupported    = "unsupported_platform"
	KindInternal       = "internal"
)

// RemoteRejectedError is a non-2xx answer from a platform API.
type RemoteRejectedError struct {
	Platform Platform
	Status   int
	Message  string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("%s rejected request (%d): %s", e.Platform, e.Status, e.Message)
}

// NetworkError covers timeouts and connection failures.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if isTimeout(e.Err) {
		return fmt.Sprintf("network error: %s: timed out", e.Op)
	}
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// UploadError is a rejected media upload; Body carries the remote answer
// for diagnostics.
type UploadError struct {
	Status int
	Body   string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("media upload failed (%d): %s", e.Status, e.Body)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Kind classifies err into one of the Kind* constants.
func Kind(err error) string {
	var (
		rejected *RemoteRejectedError
		upload   *UploadError
		network  *NetworkError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, ErrMediaRequired):
		return KindMediaRequired
	case errors.Is(err, ErrInvalidContent):
		return KindInvalidContent
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.As(err, &rejected), errors.As(err, &upload):
		return KindRemoteRejected
	case errors.As(err, &network), isTimeout(err):
		return KindNetwork
	default:
		return KindInternal
	}
}

// Message is the caller-safe text for err. Signing failures are reduced to
// a generic message; the detail belongs in the logs.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, oauth1.ErrSignature) {
		return "internal error signing request"
	}
	return err.Error()
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
