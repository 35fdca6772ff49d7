// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/gridrao/services/rao/config"
	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/dcmodel"
	"github.com/AleutianAI/gridrao/services/rao/scenario"
	"github.com/AleutianAI/gridrao/services/rao/telemetry"
)

// maxStoredRuns bounds the reports kept for GET /v1/runs/:id.
const maxStoredRuns = 256

func newServeCmd(a *app) *cobra.Command {
	var addr string
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve optimizations over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				p := a.current()
				p.Server.Addr = addr
				a.setParams(p)
			}
			if debug {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable gin debug mode")
	return cmd
}

// serve runs the HTTP server until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	params := a.current()
	limiter := newRunLimiter(params.Server)
	srv := &http.Server{
		Addr:              params.Server.Addr,
		Handler:           a.router(newRunStore(maxStoredRuns), limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if params.Server.WatchConfig && a.configPath != "" {
		stop, err := a.watchConfig(ctx, func(p config.Parameters) {
			limiter.SetLimit(runLimit(p.Server))
			limiter.SetBurst(p.Server.RunBurst)
		})
		if err != nil {
			return err
		}
		defer stop()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("rao server listening", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		a.logger.Info("shutting down rao server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// router builds the HTTP routes. Observability settings are read once;
// run settings are read per request.
func (a *app) router(store *runStore, limiter *rate.Limiter) *gin.Engine {
	params := a.current()
	router := gin.New()
	router.Use(gin.Recovery())
	if params.Observability.TracingEnabled {
		router.Use(otelgin.Middleware(params.Observability.ServiceName))
	}
	if a.otel != nil {
		router.Use(a.otel.GinMiddleware())
	}

	if params.Observability.MetricsEnabled {
		handler := telemetry.MetricsHandler()
		if handler == nil {
			handler = promhttp.Handler()
		}
		router.GET("/metrics", gin.WrapH(handler))
	}

	v1 := router.Group("/v1")
	v1.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	h := &runHandlers{app: a, store: store}
	v1.POST("/runs", limitRuns(limiter), h.create)
	v1.GET("/runs/:id", h.get)
	v1.GET("/runs/:id/perimeters/:state", h.perimeter)
	return router
}

// runQuery are the query parameters of POST /v1/runs.
type runQuery struct {
	Variant string `form:"variant"`

	// TimeoutSeconds overrides server.run_timeout.
	TimeoutSeconds int `form:"timeout_s" binding:"omitempty,gte=1,lte=3600"`
}

type runHandlers struct {
	app   *app
	store *runStore
}

// create optimizes the case in the request body.
//
// The body is a YAML or JSON case file. Responds 200 with the report, 400
// for bad query parameters, 413 for an oversized body, 422 for an invalid
// case and 500 with the partial report when the run fails.
func (h *runHandlers) create(c *gin.Context) {
	var q runQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := h.app.current()
	body := http.MaxBytesReader(c.Writer, c.Request.Body, params.Server.MaxCaseBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "case file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cs, err := dcmodel.ParseCase(data)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	timeout := params.Server.RunTimeout
	if q.TimeoutSeconds > 0 {
		timeout = time.Duration(q.TimeoutSeconds) * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, runErr := h.app.optimize(ctx, cs, scenario.Input{Variant: q.Variant}, nil)
	rep := newReport(cs.Crac, res, runErr)
	h.store.put(rep)

	if runErr != nil {
		status := http.StatusInternalServerError
		var me *crac.ModelError
		if errors.As(runErr, &me) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, rep)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *runHandlers) get(c *gin.Context) {
	rep, ok := h.store.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// perimeter returns the perimeter of a run covering a state.
func (h *runHandlers) perimeter(c *gin.Context) {
	rep, ok := h.store.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	state := c.Param("state")
	for _, p := range rep.Perimeters {
		for _, id := range p.Covers {
			if id == state {
				c.JSON(http.StatusOK, p)
				return
			}
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no perimeter covers state"})
}

// runLimit converts the configured rate, zero meaning unlimited.
func runLimit(s config.ServerConfig) rate.Limit {
	if s.RunsPerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(s.RunsPerSecond)
}

func newRunLimiter(s config.ServerConfig) *rate.Limiter {
	return rate.NewLimiter(runLimit(s), s.RunBurst)
}

// limitRuns rejects runs above the limiter rate with 429.
func limitRuns(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "run rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// runStore keeps the most recent reports by run ID.
//
// Thread Safety: Safe for concurrent use.
type runStore struct {
	mu    sync.RWMutex
	limit int
	order []string
	byID  map[string]*report
}

func newRunStore(limit int) *runStore {
	return &runStore{limit: limit, byID: make(map[string]*report)}
}

func (s *runStore) put(r *report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.RunID]; !ok {
		s.order = append(s.order, r.RunID)
	}
	s.byID[r.RunID] = r
	for len(s.order) > s.limit {
		delete(s.byID, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *runStore) get(id string) (*report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}
