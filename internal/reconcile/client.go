package reconcile

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"afetnet/internal/logger"
)

const (
	// sendAttempts is the number of tries per request before a
	// NetworkError surfaces to the drain.
	sendAttempts = 3

	// attemptDelay is the fixed wait between tries. The queue's own
	// backoff governs retries beyond a single drain pass.
	attemptDelay = 2 * time.Second

	headerTimestamp = "X-Afet-Timestamp"
	headerSignature = "X-Afet-Signature"
)

// NetworkError reports a remote call that failed after all attempts.
// The drain treats it like any other failure: retry later, drop after
// the retry budget.
type NetworkError struct {
	Path string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Remote sends one sync operation to the central service. Client is the
// production implementation; tests substitute their own.
type Remote interface {
	Send(ctx context.Context, item SyncItem) error
}

// Client signs and posts sync operations. Every request carries a
// millisecond timestamp and an HMAC-SHA256 signature over
// "timestamp:body" under the shared secret, which the service verifies
// to reject tampered or replayed requests.
type Client struct {
	baseURL string
	secret  []byte
	http    *http.Client

	now func() time.Time
}

// NewClient builds a signing client for the service at baseURL.
func NewClient(baseURL string, secret []byte) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
}

// Sign computes the hex HMAC-SHA256 of "timestamp:body" under the
// shared secret.
func Sign(secret []byte, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// pathFor maps an operation kind to its service endpoint.
func pathFor(kind string) string {
	switch kind {
	case KindMessage:
		return "/v1/sync/message"
	case KindLocation:
		return "/v1/sync/location"
	case KindStatus:
		return "/v1/sync/status"
	case KindSOS:
		return "/v1/sync/sos"
	default:
		return "/v1/sync/record"
	}
}

// Send posts one operation, retrying transient failures a fixed number
// of times with a fixed delay before giving up with a NetworkError.
func (c *Client) Send(ctx context.Context, item SyncItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal sync item: %w", err)
	}

	path := pathFor(item.Kind)

	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(attemptDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.post(ctx, path, body)
		if lastErr == nil {
			return nil
		}

		logger.Debug("sync attempt failed",
			"path", path,
			"attempt", attempt,
			"error", lastErr,
		)
	}

	return &NetworkError{Path: path, Err: lastErr}
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}

	ts := c.now().UnixMilli()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerSignature, Sign(c.secret, ts, body))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, snippet)
	}

	return nil
}
