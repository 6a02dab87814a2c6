package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unifiedcart/aggregator/internal/match"
	"github.com/unifiedcart/aggregator/internal/pipeline"
	"github.com/unifiedcart/aggregator/internal/store"
	"github.com/unifiedcart/aggregator/pkg/model"
)

// BatchHandler accepts raw listing batches and exposes job polling.
type BatchHandler struct {
	logger  *zap.Logger
	jobs    *pipeline.JobRegistry
	baseCtx context.Context
}

// NewBatchHandler creates a new BatchHandler. baseCtx is the service
// context: submitted jobs keep running after the HTTP request ends.
func NewBatchHandler(logger *zap.Logger, jobs *pipeline.JobRegistry, baseCtx context.Context) *BatchHandler {
	return &BatchHandler{logger: logger, jobs: jobs, baseCtx: baseCtx}
}

// SubmitBatch handles batch ingestion requests.
func (h *BatchHandler) SubmitBatch(c *fiber.Ctx) error {
	var batch []model.RawProduct
	if err := c.BodyParser(&batch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if len(batch) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "empty batch"})
	}

	jobID := h.jobs.Submit(h.baseCtx, batch)

	h.logger.Info("api.batch_accepted",
		zap.String("job_id", jobID.String()),
		zap.Int("records", len(batch)),
	)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": jobID,
		"status": pipeline.JobRunning,
	})
}

// GetJob handles job status polling.
func (h *BatchHandler) GetJob(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid job id"})
	}

	job := h.jobs.Get(id)
	if job == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown job"})
	}
	return c.JSON(job)
}

// DuplicatesHandler exposes the manual review queue.
type DuplicatesHandler struct {
	logger *zap.Logger
	store  store.Store
}

func NewDuplicatesHandler(logger *zap.Logger, st store.Store) *DuplicatesHandler {
	return &DuplicatesHandler{logger: logger, store: st}
}

// List returns duplicate candidates, optionally filtered by status.
func (h *DuplicatesHandler) List(c *fiber.Ctx) error {
	status := model.DuplicateStatus(c.Query("status", string(model.DuplicatePending)))
	switch status {
	case model.DuplicatePending, model.DuplicateApproved, model.DuplicateRejected, model.DuplicateMerged, "":
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid status filter"})
	}

	list, err := h.store.ListDuplicates(c.Context(), status)
	if err != nil {
		h.logger.Error("api.list_duplicates.failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store error"})
	}
	return c.JSON(fiber.Map{"duplicates": list, "count": len(list)})
}

type resolveRequest struct {
	Action string `json:"action"` // "approve" | "reject"
}

// Resolve applies a human verdict to a pending duplicate candidate.
// Approving merges the two products; rejecting keeps them separate.
func (h *DuplicatesHandler) Resolve(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid candidate id"})
	}

	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	switch req.Action {
	case "reject":
		if err := h.store.ResolveDuplicate(c.Context(), id, model.DuplicateRejected); err != nil {
			return h.resolveError(c, id, err)
		}
		return c.JSON(fiber.Map{"id": id, "status": model.DuplicateRejected})

	case "approve":
		return h.approve(c, id)

	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "action must be approve or reject"})
	}
}

func (h *DuplicatesHandler) approve(c *fiber.Ctx, id int64) error {
	dc, err := h.store.GetDuplicate(c.Context(), id)
	if err != nil {
		return h.resolveError(c, id, err)
	}
	if dc.Status != model.DuplicatePending {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "candidate already resolved"})
	}

	primary, err := h.store.GetProduct(c.Context(), dc.PrimaryID)
	if err != nil {
		return h.resolveError(c, id, err)
	}
	duplicate, err := h.store.GetProduct(c.Context(), dc.CandidateID)
	if err != nil {
		return h.resolveError(c, id, err)
	}

	merged := match.MergeDuplicates(primary, duplicate)
	if err := h.store.MergeProducts(c.Context(), merged, duplicate.ID, id); err != nil {
		h.logger.Error("api.merge_duplicates.failed",
			zap.Int64("candidate", id),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "merge failed"})
	}

	h.logger.Info("api.duplicates_merged",
		zap.Int64("candidate", id),
		zap.String("primary", merged.ID.String()),
		zap.String("duplicate", duplicate.ID.String()),
	)

	return c.JSON(fiber.Map{
		"id":       id,
		"status":   model.DuplicateMerged,
		"produced": merged.ID,
	})
}

func (h *DuplicatesHandler) resolveError(c *fiber.Ctx, id int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	h.logger.Error("api.resolve_duplicate.failed", zap.Int64("candidate", id), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store error"})
}
