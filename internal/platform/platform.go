// Package platform talks to the chat platforms users reach the assistant on.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	Feishu   = "feishu"
	Telegram = "telegram"
)

// DefaultTimeout bounds every outbound platform call.
const DefaultTimeout = 10 * time.Second

// MaxImageSize caps an image downloaded from a platform.
const MaxImageSize = 20 << 20

var (
	// ErrNotConfigured is returned when a platform has no credentials.
	ErrNotConfigured = errors.New("platform not configured")
	// ErrImageTooLarge is returned for images over MaxImageSize.
	ErrImageTooLarge = errors.New("image too large")
)

// readImage reads r whole, refusing anything over MaxImageSize rather than
// handing a truncated image on.
func readImage(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("%w: over %d bytes", ErrImageTooLarge, MaxImageSize)
	}
	return data, nil
}

// Messenger sends replies to a user and fetches images they sent.
type Messenger interface {
	Send(ctx context.Context, userID, text string) error
	FetchImage(ctx context.Context, messageID, key string) (data []byte, mimeType string, err error)
}

// APIError is a non-success response from a platform API.
type APIError struct {
	Platform string
	Status   int
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s api error %d: %s", e.Platform, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api returned %d: %s", e.Platform, e.Status, e.Message)
}
