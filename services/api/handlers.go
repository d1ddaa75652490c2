// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianTriage/pkg/telemetry"
	"github.com/AleutianAI/AleutianTriage/services/orchestrator"
	"github.com/AleutianAI/AleutianTriage/services/queue"
	"github.com/gin-gonic/gin"
)

// ResolveRequest is the body of POST /v1/queue/items/:id/resolve.
type ResolveRequest struct {
	Type        queue.ResolutionType `json:"type" validate:"required"`
	ActionTaken string               `json:"action_taken"`
	ResolvedBy  string               `json:"resolved_by" validate:"required"`
}

// SnoozeRequest is the body of PUT /v1/queue/items/:id/snooze. Exactly one
// of Until and DurationSeconds is used; Until wins when both are set.
type SnoozeRequest struct {
	Until           time.Time `json:"until"`
	DurationSeconds int64     `json:"duration_seconds" validate:"gte=0"`
	Reason          string    `json:"reason"`
}

// ListResponse wraps GET /v1/queue/items.
type ListResponse struct {
	Items []*queue.Item `json:"items"`
	Count int           `json:"count"`
}

func (s *service) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *service) dispatchMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Dispatcher.GetMetrics())
}

func (s *service) queueStats(c *gin.Context) {
	stats, err := s.deps.Store.Stats()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *service) listItems(c *gin.Context) {
	f := queue.Filter{
		State:   queue.State(c.Query("state")),
		Tab:     queue.Tab(c.Query("tab")),
		Account: c.Query("account"),
	}
	if f.State != "" && !f.State.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state: " + string(f.State)})
		return
	}
	if f.Tab != "" && !slices.Contains(queue.AllTabs, f.Tab) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tab: " + string(f.Tab)})
		return
	}
	if raw := c.Query("include_snoozed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "include_snoozed must be a boolean"})
			return
		}
		f.IncludeSnoozed = v
	}

	items, err := s.deps.Store.List(f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Count: len(items)})
}

func (s *service) getItem(c *gin.Context) {
	item, err := s.deps.Store.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *service) createEvent(c *gin.Context) {
	var ev orchestrator.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item, err := s.deps.Processor.Process(c.Request.Context(), ev)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (s *service) resolveItem(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resolution type: " + string(req.Type)})
		return
	}

	id := c.Param("id")
	var (
		item *queue.Item
		err  error
	)
	if s.deps.Processor != nil {
		item, err = s.deps.Processor.Resolve(id, req.Type, req.ActionTaken, req.ResolvedBy)
	} else {
		item, err = s.deps.Store.SetState(id, queue.ToProcessed(queue.Resolution{
			Type:        req.Type,
			ActionTaken: req.ActionTaken,
			ResolvedBy:  req.ResolvedBy,
		}))
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *service) snoozeItem(c *gin.Context) {
	var req SnoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	until := req.Until
	if until.IsZero() {
		if req.DurationSeconds == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "until or duration_seconds is required"})
			return
		}
		until = time.Now().Add(time.Duration(req.DurationSeconds) * time.Second)
	}

	item, err := s.deps.Store.SetSnooze(c.Param("id"), until, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *service) unsnoozeItem(c *gin.Context) {
	item, err := s.deps.Store.ClearSnooze(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// fail maps queue and orchestrator errors to HTTP statuses.
func (s *service) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
	}
	body := gin.H{"error": err.Error()}
	if traceID := telemetry.TraceID(c.Request.Context()); traceID != "" {
		body["trace_id"] = traceID
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrDuplicate),
		errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, queue.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvariant),
		errors.Is(err, orchestrator.ErrAutoResolution):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrInvalidEvent),
		errors.Is(err, queue.ErrInvalidID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
