package uploader

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/aalto-grader/async-grader/internal/graderr"
)

// Poster delivers a form-encoded result payload to an upstream URL. It is
// an interface so tests can substitute a fake without touching the network.
type Poster interface {
	PostForm(ctx context.Context, uploadURL string, form url.Values) (statusCode int, body []byte, err error)
}

// RetryableHTTPPoster is the production Poster, built on
// github.com/hashicorp/go-retryablehttp. RetryMax is kept at 0: the
// Uploader's own job-level backoff (spec.md §4.G) owns retry pacing across
// attempts, so a single network-level attempt per call avoids doubling up
// on two independent backoff schedules. The passthrough error handler hands
// back the response of a retryable status (5xx, 429) instead of an error, so
// the Uploader sees and records the real status code.
type RetryableHTTPPoster struct {
	client *retryablehttp.Client
}

// NewRetryableHTTPPoster builds a Poster with the given per-request timeout.
func NewRetryableHTTPPoster(timeout time.Duration) *RetryableHTTPPoster {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	client.HTTPClient.Timeout = timeout
	return &RetryableHTTPPoster{client: client}
}

func (p *RetryableHTTPPoster) PostForm(ctx context.Context, uploadURL string, form url.Values) (int, []byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, uploadURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, graderr.Permanent("uploader.post_form", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, graderr.Transient("uploader.post_form", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, graderr.Transient("uploader.post_form", err)
	}
	return resp.StatusCode, body, nil
}
