package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// Fetcher performs single HTTP GET attempts and classifies the outcome.
// Retrying is the caller's business.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
	log          *logrus.Entry
	now          func() time.Time
}

// NewFetcher creates a Fetcher. maxBodyBytes <= 0 disables truncation.
func NewFetcher(client *http.Client, userAgent string, maxBodyBytes int64, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client:       client,
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
		log:          log.WithField("component", "fetcher"),
		now:          time.Now,
	}
}

// Fetch performs one GET of rawURL.
//
// Transport failures return a *utils.NetworkError and a nil document. Any response
// that was received yields a document, even when the status is not 2xx; in that case
// the error is a *utils.HTTPStatusError so callers can both classify and inspect it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*models.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, utils.WrapErrorf(utils.ErrRequestCreation, "GET %s: %v", rawURL, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	fetchLog := f.log.WithField("url", rawURL)
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fetchLog.Debugf("Request failed: %v", err)
		return nil, utils.NewNetworkError("GET", rawURL, err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if f.maxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		fetchLog.Debugf("Reading body failed: %v", err)
		return nil, utils.NewNetworkError("read body", rawURL, errors.Join(utils.ErrResponseBodyRead, err))
	}

	doc := &models.Document{
		URL:         rawURL,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		Header:      resp.Header.Clone(),
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FetchedAt:   f.now(),
		Source:      models.SourceLive,
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		fetchLog.WithField("status", resp.StatusCode).Trace("Fetched")
		return doc, nil
	}

	statusErr := &utils.HTTPStatusError{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		statusErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), f.now())
	}
	fetchLog.WithField("status", resp.StatusCode).Debug("Non-success status")
	return doc, statusErr
}

// ParseRetryAfter reads a Retry-After header given either as delta seconds or as an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
