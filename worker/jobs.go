package worker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nftfolio/backend/service/queue"
	"github.com/nftfolio/backend/util"
)

type queueURI struct {
	Name string `uri:"name" binding:"required"`
}

type jobURI struct {
	Name string `uri:"name" binding:"required"`
	ID   string `uri:"id" binding:"required"`
}

type queueCountsOutput struct {
	Queue  string                `json:"queue"`
	Counts map[queue.State]int64 `json:"counts"`
}

// jobStatusOutput is the operator view of one queued job.
type jobStatusOutput struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	State        queue.State     `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
}

func (c *Clients) queueByName(name string) (*queue.Queue, bool) {
	switch name {
	case c.FetchQueue.Name():
		return c.FetchQueue, true
	case c.PortfolioQueue.Name():
		return c.PortfolioQueue, true
	}
	return nil, false
}

func getQueueCounts(c *Clients) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		uri := queueURI{}
		if err := ctx.ShouldBindUri(&uri); err != nil {
			util.ErrResponse(ctx, http.StatusBadRequest, err)
			return
		}

		q, ok := c.queueByName(uri.Name)
		if !ok {
			util.ErrResponse(ctx, http.StatusNotFound, fmt.Errorf("unknown queue: %s", uri.Name))
			return
		}

		counts, err := q.Counts(ctx)
		if err != nil {
			util.ErrResponse(ctx, http.StatusInternalServerError, err)
			return
		}

		ctx.JSON(http.StatusOK, queueCountsOutput{Queue: q.Name(), Counts: counts})
	}
}

func getJobStatus(c *Clients) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		uri := jobURI{}
		if err := ctx.ShouldBindUri(&uri); err != nil {
			util.ErrResponse(ctx, http.StatusBadRequest, err)
			return
		}

		q, ok := c.queueByName(uri.Name)
		if !ok {
			util.ErrResponse(ctx, http.StatusNotFound, fmt.Errorf("unknown queue: %s", uri.Name))
			return
		}

		job, err := q.GetJob(ctx, uri.ID)
		if err != nil {
			if util.ErrorAs[queue.ErrJobNotFound](err) {
				util.ErrResponse(ctx, http.StatusNotFound, err)
				return
			}
			util.ErrResponse(ctx, http.StatusInternalServerError, err)
			return
		}

		ctx.JSON(http.StatusOK, jobStatusFromJob(job))
	}
}

func jobStatusFromJob(job *queue.Job) jobStatusOutput {
	out := jobStatusOutput{
		ID:           job.ID,
		Queue:        job.Queue,
		State:        job.State,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		CreatedAt:    job.CreatedAt,
		FailedReason: job.FailedReason,
		Progress:     job.Progress,
	}
	if !job.ProcessedAt.IsZero() {
		processedAt := job.ProcessedAt
		out.ProcessedAt = &processedAt
	}
	if !job.FinishedAt.IsZero() {
		finishedAt := job.FinishedAt
		out.FinishedAt = &finishedAt
	}
	return out
}
