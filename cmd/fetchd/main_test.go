package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

const quietConfig = `
log_level: error
semaphore:
  max_concurrency: 4
  max_per_host: 0
rate_limiter:
  default_interval: 0s
robots:
  enabled: false
retry:
  max_retries: 0
adaptive_concurrency:
  enabled: false
fallback:
  enabled: false
cache:
  persistence:
    backend: none
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsageTo(&buf)

	for _, cmd := range []string{"serve", "fetch", "validate", "version"} {
		assert.Contains(t, buf.String(), cmd)
	}
}

func TestDoValidate_Valid(t *testing.T) {
	path := writeConfig(t, quietConfig)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(path, &stdout, &stderr)

	assert.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "OK: max_concurrency=4")
	assert.Contains(t, stdout.String(), "Configuration valid")
}

func TestDoValidate_Warnings(t *testing.T) {
	path := writeConfig(t, "semaphore:\n  max_concurrency: -1\n")

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(path, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "WARN: semaphore.max_concurrency")
}

func TestDoValidate_Invalid(t *testing.T) {
	path := writeConfig(t, "robots:\n  on_fetch_error: maybe\n")

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(path, &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "on_fetch_error")
}

func TestDoValidate_MissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doValidate("/nonexistent/path/config.yaml", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.NotEmpty(t, stderr.String())
}

func TestDoValidate_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{{invalid yaml")

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(path, &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "parse config")
}

func TestDoFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "page:%s", r.URL.Path)
	}))
	defer srv.Close()

	outDir := filepath.Join(t.TempDir(), "out")
	opts := fetchOptions{
		configPath: writeConfig(t, quietConfig),
		priority:   "high",
		outputDir:  outDir,
		urls:       []string{srv.URL + "/a", srv.URL + "/missing"},
	}

	var stdout, stderr bytes.Buffer
	exitCode := doFetch(context.Background(), opts, &stdout, &stderr)

	assert.Equal(t, 1, exitCode, "one URL failed")
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "OK "), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "FAILED "), lines[1])
	assert.Contains(t, lines[1], "client_error")

	body, err := os.ReadFile(filepath.Join(outDir, utils.OutputName(srv.URL+"/a")))
	require.NoError(t, err)
	assert.Equal(t, "page:/a", string(body))
}

func TestDoFetch_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	opts := fetchOptions{
		configPath: writeConfig(t, quietConfig),
		priority:   "normal",
		asJSON:     true,
		urls:       []string{srv.URL + "/"},
	}

	var stdout, stderr bytes.Buffer
	exitCode := doFetch(context.Background(), opts, &stdout, &stderr)

	require.Equal(t, 0, exitCode, stderr.String())
	var line map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &line))
	assert.Equal(t, "success", line["status"])
	assert.Equal(t, "live", line["source"])
	assert.EqualValues(t, 5, line["bytes"])
}

func TestDoFetch_BadFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := doFetch(context.Background(), fetchOptions{priority: "urgent", urls: []string{"https://a.test"}}, &stdout, &stderr)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "unknown priority")

	stderr.Reset()
	exitCode = doFetch(context.Background(), fetchOptions{priority: "low", archiveAt: "???", urls: []string{"https://a.test"}}, &stdout, &stderr)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "archive-at")
}

func TestFormatResult(t *testing.T) {
	ok := models.TaskResult{
		Status:   models.ResultDegraded,
		Source:   models.SourceArchive,
		Value:    &models.Document{Body: []byte("abc")},
		Attempts: 1,
		Duration: 1500 * time.Microsecond,
	}
	assert.Equal(t, "DEGRADED https://a.test [archive] 3 bytes, 1 attempt, 2ms", formatResult("https://a.test", ok))

	failed := models.TaskResult{Status: models.ResultFailed, Err: utils.ErrExecutorClosed}
	assert.True(t, strings.HasPrefix(formatResult("https://a.test", failed), "FAILED   https://a.test [unknown]"))
}
