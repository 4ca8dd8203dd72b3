package feed

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

const (
	DefaultMinBodySize = 64
	DefaultMaxRetries  = 3
)

type FetchOptions struct {
	FeedID       string
	Transport    Transport
	Timeout      time.Duration
	ItemElements []string
	Log          LogSink
}

// Fetcher downloads one feed document to local storage.
type Fetcher struct {
	client      *http.Client
	http1Client *http.Client
	userAgent   string
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	minBodySize int64
}

func NewFetcher(userAgent string, maxRetries int) *Fetcher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Fetcher{
		client: &http.Client{},
		http1Client: &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
				ForceAttemptHTTP2: false,
				// A non-nil empty map disables HTTP/2 negotiation.
				TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
			},
		},
		userAgent:   userAgent,
		maxRetries:  maxRetries,
		backoff:     time.Second,
		maxBackoff:  30 * time.Second,
		minBodySize: DefaultMinBodySize,
	}
}

// Fetch downloads rawURL into dest and returns the number of item start tags
// seen in the body. dest is only created when a complete, non-trivial 2xx
// body was received.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string, opts FetchOptions) (int, error) {
	log := opts.Log
	if log == nil {
		log = DiscardLog
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, &DownloadError{URL: rawURL, Err: ErrInvalidURL}
	}

	transport := opts.Transport
	if transport == "" {
		transport = TransportAuto
	}
	var clients []*http.Client
	switch transport {
	case TransportAuto:
		clients = []*http.Client{f.client, f.http1Client}
	case TransportHTTP:
		clients = []*http.Client{f.client}
	case TransportHTTP1:
		clients = []*http.Client{f.http1Client}
	default:
		return 0, &DownloadError{URL: rawURL, Err: fmt.Errorf("%w: %q", ErrUnknownTransport, transport)}
	}

	var (
		lastErr    error
		lastStatus int
		attempts   int
	)
	for i, client := range clients {
		if i > 0 {
			log.Append("[%s] retrying over HTTP/1.1", opts.FeedID)
		}

		count, status, tries, err := f.fetchWithRetry(ctx, client, rawURL, dest, opts, log)
		attempts += tries
		if err == nil {
			log.Append("[%s] downloaded (~%d items)", opts.FeedID, count)
			return count, nil
		}
		lastErr, lastStatus = err, status

		if ctx.Err() != nil || !fallbackHelps(status, err) {
			break
		}
	}

	return 0, &DownloadError{URL: rawURL, StatusCode: lastStatus, Attempts: attempts, Err: lastErr}
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, client *http.Client, rawURL, dest string, opts FetchOptions, log LogSink) (count, status, attempts int, err error) {
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoff << uint(attempt-1)
			if delay > f.maxBackoff {
				delay = f.maxBackoff
			}
			slog.Debug("Fetch retry scheduled", "feed", opts.FeedID, "attempt", attempt+1, "delay", delay.String())

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, status, attempts, ctx.Err()
			case <-timer.C:
			}
		}

		attempts++
		var retryable bool
		count, status, retryable, err = f.download(ctx, client, rawURL, dest, opts)
		if err == nil {
			return count, status, attempts, nil
		}
		log.Append("[%s] attempt %d failed: %v", opts.FeedID, attempts, err)
		if !retryable {
			break
		}
	}
	return 0, status, attempts, err
}

func (f *Fetcher) download(ctx context.Context, client *http.Client, rawURL, dest string, opts FetchOptions) (int, int, bool, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/xml, text/xml, application/rss+xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, ctx.Err() == nil || errors.Is(err, context.DeadlineExceeded), err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return 0, resp.StatusCode, retryable, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return 0, resp.StatusCode, false, &IOError{Op: "create", Path: part, Err: err}
	}

	counter := newTagCounter(itemElementNames(opts.ItemElements))
	size, copyErr := io.Copy(io.MultiWriter(out, counter), resp.Body)
	closeErr := out.Close()

	switch {
	case copyErr != nil:
		os.Remove(part)
		return 0, resp.StatusCode, true, fmt.Errorf("failed to read response body: %w", copyErr)
	case closeErr != nil:
		os.Remove(part)
		return 0, resp.StatusCode, false, &IOError{Op: "close", Path: part, Err: closeErr}
	case size < f.minBodySize:
		os.Remove(part)
		return 0, resp.StatusCode, false, fmt.Errorf("%w: %d bytes", ErrEmptyBody, size)
	}

	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return 0, resp.StatusCode, false, &IOError{Op: "rename", Path: dest, Err: err}
	}
	_ = os.Chmod(dest, 0644)

	return counter.count, resp.StatusCode, false, nil
}

// A client error will not change by switching protocol.
func fallbackHelps(status int, err error) bool {
	var ioErr *IOError
	if errors.As(err, &ioErr) || errors.Is(err, ErrEmptyBody) {
		return false
	}
	return status == 0 || status >= 500 || status == http.StatusTooManyRequests
}

func itemElementNames(names []string) []string {
	if len(names) == 0 {
		return DefaultItemElements
	}
	return names
}

// tagCounter counts opening tags for a set of element names in a byte
// stream, handling tags split across writes.
type tagCounter struct {
	patterns [][]byte
	tail     []byte
	keep     int
	count    int
}

func newTagCounter(names []string) *tagCounter {
	c := &tagCounter{}
	for _, n := range names {
		p := []byte("<" + string(bytes.ToLower([]byte(n))))
		c.patterns = append(c.patterns, p)
		if len(p) > c.keep {
			c.keep = len(p)
		}
	}
	return c
}

func (c *tagCounter) Write(p []byte) (int, error) {
	buf := bytes.ToLower(append(c.tail, p...))
	old := len(c.tail)

	for _, pattern := range c.patterns {
		for i := 0; ; {
			j := bytes.Index(buf[i:], pattern)
			if j < 0 {
				break
			}
			start := i + j
			end := start + len(pattern)
			if end >= len(buf) {
				break
			}
			// A match lying entirely inside the previous tail was already seen.
			if end+1 > old && isTagDelimiter(buf[end]) {
				c.count++
			}
			i = start + 1
		}
	}

	if len(buf) > c.keep {
		buf = buf[len(buf)-c.keep:]
	}
	c.tail = append(c.tail[:0], buf...)
	return len(p), nil
}

func isTagDelimiter(b byte) bool {
	switch b {
	case '>', '/', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
