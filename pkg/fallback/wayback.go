package fallback

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/fetch"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// WaybackTimestampLayout is the 14-digit timestamp format used by the Wayback Machine.
const WaybackTimestampLayout = "20060102150405"

// WaybackClient finds and retrieves archived snapshots from the Wayback Machine.
// The availability API answers "closest"; the CDX API answers "before" and "after".
type WaybackClient struct {
	fetcher *fetch.Fetcher
	apiBase string // availability API host, e.g. https://archive.org
	webBase string // CDX and snapshot host, e.g. https://web.archive.org
	log     *logrus.Entry
}

// NewWaybackClient creates a client issuing requests through fetcher.
func NewWaybackClient(fetcher *fetch.Fetcher, apiBase, webBase string, log *logrus.Entry) *WaybackClient {
	return &WaybackClient{
		fetcher: fetcher,
		apiBase: strings.TrimRight(apiBase, "/"),
		webBase: strings.TrimRight(webBase, "/"),
		log:     log.WithField("component", "wayback"),
	}
}

type availabilityResponse struct {
	ArchivedSnapshots struct {
		Closest *struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Timestamp string `json:"timestamp"`
			Status    string `json:"status"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

// Closest returns the snapshot nearest to at. A zero at means now.
func (w *WaybackClient) Closest(ctx context.Context, target string, at time.Time) (*models.ArchiveSnapshot, error) {
	if at.IsZero() {
		at = time.Now()
	}
	q := url.Values{}
	q.Set("url", target)
	q.Set("timestamp", at.UTC().Format(WaybackTimestampLayout))
	endpoint := w.apiBase + "/wayback/available?" + q.Encode()

	var resp availabilityResponse
	if err := w.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	c := resp.ArchivedSnapshots.Closest
	if c == nil || !c.Available || c.Timestamp == "" {
		return nil, utils.WrapErrorf(utils.ErrNoSnapshot, "closest to %s for %s", at.UTC().Format(WaybackTimestampLayout), target)
	}
	ts, err := time.Parse(WaybackTimestampLayout, c.Timestamp)
	if err != nil {
		return nil, utils.WrapErrorf(utils.ErrParsing, "wayback timestamp %q: %v", c.Timestamp, err)
	}
	status, _ := strconv.Atoi(c.Status)
	return &models.ArchiveSnapshot{
		URL:         w.snapshotURL(c.Timestamp, target),
		OriginalURL: target,
		Timestamp:   ts,
		StatusCode:  status,
	}, nil
}

// Before returns the latest successful snapshot taken at or before at.
func (w *WaybackClient) Before(ctx context.Context, target string, at time.Time) (*models.ArchiveSnapshot, error) {
	q := cdxQuery(target)
	q.Set("to", at.UTC().Format(WaybackTimestampLayout))
	q.Set("limit", "-1") // last row of the range
	return w.cdx(ctx, target, q)
}

// After returns the earliest successful snapshot taken at or after at.
func (w *WaybackClient) After(ctx context.Context, target string, at time.Time) (*models.ArchiveSnapshot, error) {
	q := cdxQuery(target)
	q.Set("from", at.UTC().Format(WaybackTimestampLayout))
	q.Set("limit", "1")
	return w.cdx(ctx, target, q)
}

func cdxQuery(target string) url.Values {
	q := url.Values{}
	q.Set("url", target)
	q.Set("output", "json")
	q.Set("fl", "timestamp,original,statuscode")
	q.Set("filter", "statuscode:200")
	return q
}

// cdx runs a CDX query and turns its single data row into a snapshot. The JSON output
// is an array of rows whose first row holds the field names.
func (w *WaybackClient) cdx(ctx context.Context, target string, q url.Values) (*models.ArchiveSnapshot, error) {
	endpoint := w.webBase + "/cdx/search/cdx?" + q.Encode()

	var rows [][]string
	if err := w.getJSON(ctx, endpoint, &rows); err != nil {
		return nil, err
	}
	if len(rows) < 2 || len(rows[len(rows)-1]) < 2 {
		return nil, utils.WrapErrorf(utils.ErrNoSnapshot, "cdx %s", target)
	}
	row := rows[len(rows)-1]
	ts, err := time.Parse(WaybackTimestampLayout, row[0])
	if err != nil {
		return nil, utils.WrapErrorf(utils.ErrParsing, "cdx timestamp %q: %v", row[0], err)
	}
	snap := &models.ArchiveSnapshot{
		URL:         w.snapshotURL(row[0], row[1]),
		OriginalURL: row[1],
		Timestamp:   ts,
	}
	if len(row) > 2 {
		snap.StatusCode, _ = strconv.Atoi(row[2])
	}
	return snap, nil
}

// snapshotURL points at the raw archived bytes (the id_ flag strips the Wayback toolbar).
func (w *WaybackClient) snapshotURL(timestamp, original string) string {
	return w.webBase + "/web/" + timestamp + "id_/" + original
}

// FetchSnapshot downloads the archived content of snap. The document keeps the original
// URL; FinalURL is the snapshot address.
func (w *WaybackClient) FetchSnapshot(ctx context.Context, snap *models.ArchiveSnapshot) (*models.Document, error) {
	doc, err := w.fetcher.Fetch(ctx, snap.URL)
	if err != nil {
		return nil, err
	}
	doc.FinalURL = doc.URL
	doc.URL = snap.OriginalURL
	doc.Source = models.SourceArchive
	w.log.WithFields(logrus.Fields{
		"url":       snap.OriginalURL,
		"timestamp": snap.Timestamp.Format(WaybackTimestampLayout),
	}).Debug("Fetched archived snapshot")
	return doc, nil
}

func (w *WaybackClient) getJSON(ctx context.Context, endpoint string, out any) error {
	doc, err := w.fetcher.Fetch(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc.Body, out); err != nil {
		return utils.WrapErrorf(utils.ErrParsing, "decode %s: %v", endpoint, err)
	}
	return nil
}
