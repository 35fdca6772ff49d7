// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/gridrao/services/rao/config"
	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/dcmodel"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/scenario"
	"github.com/AleutianAI/gridrao/services/rao/searchtree"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

const corridorCase = "../../services/rao/scenario/testdata/corridor.yaml"

// execute runs the root command with args and returns stdout, stderr and
// the error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("RAO_METRICS_ENABLED", "false")
	t.Setenv("RAO_TRACING_ENABLED", "false")

	var stdout, stderr bytes.Buffer
	a := &app{}
	root := newRootCmd(a, &stderr)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	_ = a.close()
	return stdout.String(), stderr.String(), err
}

func stateID(contingencyID, instantID string) string {
	return crac.StateID(contingencyID, instantID)
}

func TestRunCommand_Corridor(t *testing.T) {
	stdout, stderr, err := execute(t, "run", corridorCase)
	require.NoError(t, err, stderr)

	var rep report
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, searchtree.OutcomeOptimal.String(), rep.Outcome)
	assert.Equal(t, sensitivity.StatusPartialFailure.String(), rep.Status)
	assert.Empty(t, rep.Error)
	assert.Len(t, rep.Costs, 4)
	require.Len(t, rep.Perimeters, 4)

	prev := rep.Perimeters[0]
	assert.Empty(t, prev.ContingencyID)
	assert.Equal(t, []string{"na-prev"}, prev.Activated)
	assert.Equal(t, -15.0, prev.Cost)

	assert.Contains(t, stderr, "perimeter optimized")
}

func TestRunCommand_OutputFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "result.json")
	stdout, _, err := execute(t, "run", corridorCase, "--output", out)
	require.NoError(t, err)
	assert.Empty(t, stdout)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var rep report
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Len(t, rep.Perimeters, 4)
}

func TestRunCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	badCase := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badCase, []byte("id: [unterminated"), 0o600))
	badConfig := filepath.Join(dir, "rao.yaml")
	require.NoError(t, os.WriteFile(badConfig, []byte("cost_policy: median\n"), 0o600))

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"invalid case", []string{"run", badCase}, exitInvalidInput},
		{"invalid parameters", []string{"run", corridorCase, "--config", badConfig}, exitInvalidInput},
		{"invalid log level", []string{"run", corridorCase, "--log-level", "loud"}, exitInvalidInput},
		{"missing case", []string{"run", filepath.Join(dir, "absent.yaml")}, exitFailure},
		{"unknown variant", []string{"run", corridorCase, "--variant", "nope"}, exitRunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, exitCode(err))
		})
	}
}

func TestRunCommand_FailedRunStillReports(t *testing.T) {
	stdout, _, err := execute(t, "run", corridorCase, "--variant", "nope")
	require.ErrorIs(t, err, scenario.ErrNetworkSetup)

	var rep report
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, searchtree.OutcomeFailed.String(), rep.Outcome)
	assert.NotEmpty(t, rep.Error)
	assert.Empty(t, rep.Costs)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitInvalidInput, exitCode(fmt.Errorf("wrap: %w", config.ErrInvalidParameters)))
	assert.Equal(t, exitInvalidInput, exitCode(dcmodel.ErrInvalidCase))
	assert.Equal(t, exitInvalidInput, exitCode(&crac.ModelError{Kind: crac.ErrInvalidModel, ID: "na-x"}))
	assert.Equal(t, exitRunFailed, exitCode(searchtree.ErrRootFailed))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
}

// newTestApp returns an app as the root command would build it, without
// metrics or tracing.
func newTestApp(t *testing.T) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)
	params := config.DefaultParameters()
	params.Observability.MetricsEnabled = false
	return &app{
		params: params,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func readCorridor(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(corridorCase)
	require.NoError(t, err)
	return data
}

func TestServer_RunLifecycle(t *testing.T) {
	a := newTestApp(t)
	router := a.router(newRunStore(4), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(readCorridor(t))))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.RunID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/runs/"+created.RunID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var fetched report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, created.RunID, fetched.RunID)

	// co-b has no remedial action of its own: the preventive perimeter covers it
	w = httptest.NewRecorder()
	path := fmt.Sprintf("/v1/runs/%s/perimeters/%s", created.RunID, url.PathEscape(stateID("co-b", "curative")))
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var p perimeterReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Empty(t, p.ContingencyID)

	w = httptest.NewRecorder()
	path = fmt.Sprintf("/v1/runs/%s/perimeters/%s", created.RunID, "nowhere")
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Errors(t *testing.T) {
	a := newTestApp(t)
	a.params.Server.MaxCaseBytes = 1 << 16
	router := a.router(newRunStore(4), nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"unknown run", http.MethodGet, "/v1/runs/missing", "", http.StatusNotFound},
		{"invalid case", http.MethodPost, "/v1/runs", "id: [unterminated", http.StatusUnprocessableEntity},
		{"zero timeout uses default", http.MethodPost, "/v1/runs?timeout_s=0", "", http.StatusOK},
		{"timeout too large", http.MethodPost, "/v1/runs?timeout_s=99999", "", http.StatusBadRequest},
		{"too large", http.MethodPost, "/v1/runs", strings.Repeat("#", 1<<17), http.StatusRequestEntityTooLarge},
		{"failed run", http.MethodPost, "/v1/runs?variant=nope", "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == "" && tt.method == http.MethodPost {
				body = string(readCorridor(t))
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, strings.NewReader(body)))
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestServer_Health(t *testing.T) {
	router := newTestApp(t).router(newRunStore(1), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), version)

	// metrics are disabled
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunStore_EvictsOldest(t *testing.T) {
	s := newRunStore(2)
	for _, id := range []string{"a", "b", "c"} {
		s.put(&report{RunID: id})
	}
	_, ok := s.get("a")
	assert.False(t, ok)
	_, ok = s.get("c")
	assert.True(t, ok)
}

func TestServer_RateLimit(t *testing.T) {
	a := newTestApp(t)
	a.params.Server.RunsPerSecond = 0.001
	a.params.Server.RunBurst = 1
	router := a.router(newRunStore(4), newRunLimiter(a.params.Server))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(readCorridor(t))))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)

	assert.Equal(t, rate.Inf, runLimit(config.ServerConfig{}))
}

func TestWatchConfig_Reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rao.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cost_policy: max\n"), 0o600))

	a := newTestApp(t)
	a.configPath = path
	reloaded := make(chan config.Parameters, 4)
	stop, err := a.watchConfig(context.Background(), func(p config.Parameters) { reloaded <- p })
	require.NoError(t, err)
	defer stop()

	// an invalid file is ignored
	require.NoError(t, os.WriteFile(path, []byte("cost_policy: median\n"), 0o600))
	time.Sleep(2 * reloadDebounce)
	assert.Equal(t, objective.PolicyMax, a.current().CostPolicy)

	require.NoError(t, os.WriteFile(path, []byte("cost_policy: total\n"), 0o600))
	select {
	case p := <-reloaded:
		assert.Equal(t, objective.PolicyTotal, p.CostPolicy)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
	assert.Equal(t, objective.PolicyTotal, a.current().CostPolicy)
}

func TestNewLogger_Formats(t *testing.T) {
	p := config.DefaultParameters()
	var buf bytes.Buffer

	// a buffer is not a terminal
	newLogger(&buf, p).Info("hello")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), buf.String())

	buf.Reset()
	p.Observability.LogFormat = "text"
	newLogger(&buf, p).Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}
