package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/araddon/dateparse"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

type fetchRequest struct {
	ID        string `json:"id,omitempty"`
	URL       string `json:"url"`
	Priority  string `json:"priority,omitempty"`   // high, normal, low
	CacheKey  string `json:"cache_key,omitempty"`  // overrides the URL-derived key
	Force     bool   `json:"force,omitempty"`      // bypass the cache
	ArchiveAt string `json:"archive_at,omitempty"` // any common date format
	OmitBody  bool   `json:"omit_body,omitempty"`
}

func (req fetchRequest) toTask() (models.Task, error) {
	if req.URL == "" {
		return models.Task{}, errors.New("url required")
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		return models.Task{}, err
	}
	task := models.Task{
		ID:       req.ID,
		URL:      req.URL,
		Priority: priority,
		CacheKey: req.CacheKey,
		Force:    req.Force,
	}
	if req.ArchiveAt != "" {
		at, err := dateparse.ParseAny(req.ArchiveAt)
		if err != nil {
			return models.Task{}, fmt.Errorf("archive_at %q: %w", req.ArchiveAt, err)
		}
		task.ArchiveAt = at
	}
	return task, nil
}

type batchRequest struct {
	Tasks []fetchRequest `json:"tasks"`
}

type batchResponse struct {
	Results   []fetchResponse `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

type concurrencyRequest struct {
	MaxConcurrency int64 `json:"max_concurrency"`
}

type fetchResponse struct {
	TaskID     string              `json:"task_id"`
	Status     models.ResultStatus `json:"status"`
	Source     models.Source       `json:"source,omitempty"`
	FromCache  bool                `json:"from_cache"`
	Attempts   int                 `json:"attempts"`
	DurationMs int64               `json:"duration_ms"`
	Error      string              `json:"error,omitempty"`
	ErrorKind  string              `json:"error_kind,omitempty"`

	URL         string    `json:"url,omitempty"`
	FinalURL    string    `json:"final_url,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	FetchedAt   time.Time `json:"fetched_at,omitzero"`
	Body        string    `json:"body,omitempty"`
}

func newFetchResponse(res models.TaskResult, omitBody bool) fetchResponse {
	out := fetchResponse{
		TaskID:     res.TaskID,
		Status:     res.Status,
		Source:     res.Source,
		FromCache:  res.FromCache,
		Attempts:   res.Attempts,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
		out.ErrorKind = utils.KindOf(res.Err).String()
	}
	if doc := res.Value; doc != nil {
		out.URL = doc.URL
		out.FinalURL = doc.FinalURL
		out.StatusCode = doc.StatusCode
		out.ContentType = doc.ContentType
		out.FetchedAt = doc.FetchedAt
		if !omitBody {
			out.Body = string(doc.Body)
		}
	}
	return out
}

// statusFor maps a single-task result to an HTTP status.
func statusFor(res models.TaskResult) int {
	if res.OK() {
		return http.StatusOK
	}
	switch {
	case errors.Is(res.Err, utils.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(res.Err, utils.ErrExecutorClosed):
		return http.StatusServiceUnavailable
	}
	switch utils.KindOf(res.Err) {
	case utils.KindRobotsDisallowed:
		return http.StatusForbidden
	case utils.KindSemaphoreAcquisition:
		return http.StatusServiceUnavailable
	case utils.KindCanceled, utils.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
