package feed

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL       = errors.New("invalid feed URL")
	ErrEmptyBody        = errors.New("response body too small")
	ErrUnknownTransport = errors.New("unknown transport strategy")
	ErrNoRootElement    = errors.New("document has no root element")
	ErrFeedNotFound     = errors.New("feed config not found")
)

// DownloadError reports a failed fetch of one feed.
type DownloadError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: HTTP %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("download %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// ParseError reports an XML document that could not be read as a whole.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IOError reports an output file that could not be opened or written.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
