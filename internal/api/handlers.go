package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/drive"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

const (
	defaultClipLimit = 50
	maxClipLimit     = 500
)

// GetStatus handles GET /api/v1/status
func (s *Server) GetStatus(c echo.Context) error {
	if s.status == nil {
		return notAvailable(c, "status")
	}
	snap, err := s.status.Snapshot(c.Request().Context())
	if err != nil {
		return s.HandleError(c, err, "Failed to build status snapshot")
	}
	return c.JSON(http.StatusOK, snap)
}

// SwitchMode handles POST /api/v1/mode
func (s *Server) SwitchMode(c echo.Context) error {
	if s.switcher == nil {
		return notAvailable(c, "drive mode switching")
	}

	var req ModeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, NewErrorResponse(err, "Invalid request body", http.StatusBadRequest))
	}
	target, err := drive.ParseMode(req.Mode)
	if err != nil {
		return s.HandleError(c, err, "Invalid target mode")
	}

	// a dropped client must not abandon a switch half way
	ctx := context.WithoutCancel(c.Request().Context())
	start := time.Now()
	t, err := s.switcher.Switch(ctx, target)
	s.recordOverride("mode", string(target), err, start)
	if err != nil {
		return s.HandleError(c, err, "Mode switch failed")
	}

	s.log.Info("manual mode switch", logger.String("target", string(target)), logger.String("ip", c.RealIP()))
	return c.JSON(http.StatusOK, transitionView(t))
}

// Reconcile handles POST /api/v1/retention/reconcile
func (s *Server) Reconcile(c echo.Context) error {
	if s.reconciler == nil {
		return notAvailable(c, "retention")
	}
	start := time.Now()
	report, err := s.reconciler.Run(c.Request().Context())
	s.recordOverride("retention", "reconcile", err, start)
	if err != nil {
		return s.HandleError(c, err, "Retention reconcile failed")
	}
	return c.JSON(http.StatusOK, report)
}

// ReprocessClip handles POST /api/v1/clips/:id/reprocess
func (s *Server) ReprocessClip(c echo.Context) error {
	if s.processor == nil {
		return notAvailable(c, "clip processing")
	}
	id := c.Param("id")
	start := time.Now()
	err := s.processor.Reprocess(c.Request().Context(), id)
	s.recordOverride("clips", "reprocess", err, start)
	if err != nil {
		return s.HandleError(c, err, "Reprocess request failed")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"clip_id": id, "status": string(catalog.StatusUnprocessed)})
}

// GetClip handles GET /api/v1/clips/:id
func (s *Server) GetClip(c echo.Context) error {
	if s.clips == nil {
		return notAvailable(c, "the catalog")
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	clip, err := s.clips.GetClip(ctx, id)
	if err != nil {
		return s.HandleError(c, err, "Failed to read clip")
	}
	results, err := s.clips.Results(ctx, id)
	if err != nil {
		return s.HandleError(c, err, "Failed to read results")
	}

	detail := ClipDetail{Clip: clipView(clip), Results: make([]ResultView, 0, len(results))}
	for i := range results {
		detail.Results = append(detail.Results, resultView(&results[i]))
	}
	return c.JSON(http.StatusOK, detail)
}

// ListClips handles GET /api/v1/clips?status=done,error&transfer=transferred&limit=50
func (s *Server) ListClips(c echo.Context) error {
	if s.clips == nil {
		return notAvailable(c, "the catalog")
	}

	filter := catalog.ClipFilter{Limit: defaultClipLimit, NewestFirst: true}
	for _, v := range splitList(c.QueryParam("status")) {
		filter.ProcessingStatus = append(filter.ProcessingStatus, catalog.ProcessingStatus(v))
	}
	for _, v := range splitList(c.QueryParam("transfer")) {
		filter.TransferStatus = append(filter.TransferStatus, catalog.TransferStatus(v))
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxClipLimit {
			verr := errors.Newf("limit must be between 1 and %d", maxClipLimit).
				Component("api").
				Category(errors.CategoryValidation).
				Build()
			return s.HandleError(c, verr, "Invalid limit")
		}
		filter.Limit = n
	}

	clips, err := s.clips.ListClips(c.Request().Context(), filter)
	if err != nil {
		return s.HandleError(c, err, "Failed to list clips")
	}
	out := make([]ClipView, 0, len(clips))
	for i := range clips {
		out = append(out, clipView(&clips[i]))
	}
	return c.JSON(http.StatusOK, out)
}

// GetGallery handles GET /api/v1/gallery
func (s *Server) GetGallery(c echo.Context) error {
	if s.gallery == nil {
		return notAvailable(c, "the gallery")
	}
	return c.JSON(http.StatusOK, s.gallery.Stats())
}

func (s *Server) recordOverride(handler, operation string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.HTTP.RecordHandlerOperation(handler, operation, outcome, time.Since(start).Seconds())
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetTransfers handles GET /api/v1/transfers
func (s *Server) GetTransfers(c echo.Context) error {
	if s.transfers == nil {
		return notAvailable(c, "transfers")
	}
	ops := s.transfers.Operations()
	return c.JSON(http.StatusOK, TransferActivityView{
		InFlight:   s.transfers.InFlight(),
		Operations: ops,
		Idle:       ops == 0,
	})
}

// CancelTransfers handles POST /api/v1/transfers/cancel
func (s *Server) CancelTransfers(c echo.Context) error {
	if s.transfers == nil {
		return notAvailable(c, "transfers")
	}
	start := time.Now()
	ops := s.transfers.Operations()
	s.transfers.CancelInFlight()
	s.recordOverride("transfers", "cancel", nil, start)
	s.log.Warn("in-flight transfers cancelled by peer",
		logger.Int("operations", ops),
		logger.String("ip", c.RealIP()))
	return c.JSON(http.StatusAccepted, TransferActivityView{
		InFlight:   s.transfers.InFlight(),
		Operations: ops,
	})
}
