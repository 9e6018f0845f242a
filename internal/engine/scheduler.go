package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bulkwave/wacampaign-backend/internal/apperrors"
	"github.com/bulkwave/wacampaign-backend/internal/model"
)

// Schedule sets an absolute UTC start time on a created (or already
// scheduled) campaign. The sweep promotes it once the time arrives.
func (e *Engine) Schedule(id int, at time.Time) error {
	ok, err := e.Campaigns.CASStatus(id,
		[]model.CampaignStatus{model.StatusCreated, model.StatusScheduled}, model.StatusScheduled)
	if err != nil {
		return err
	}
	if !ok {
		c, gerr := e.Campaigns.GetByID(id)
		if gerr != nil {
			return gerr
		}
		return apperrors.NewConcurrency(id, "schedule", string(c.Status))
	}
	at = at.UTC()
	return e.Campaigns.SetSchedule(id, &at)
}

// ScheduleAll schedules every created campaign, in creation order, with
// strictly increasing start times offset by stagger. Returns how many were
// scheduled; zero is a valid outcome.
func (e *Engine) ScheduleAll(at time.Time, stagger time.Duration) (int, error) {
	created, err := e.Campaigns.ListByStatus(model.StatusCreated)
	if err != nil {
		return 0, err
	}

	n := 0
	for i, c := range created {
		t := at.Add(time.Duration(i) * stagger)
		if err := e.Schedule(c.ID, t); err != nil {
			e.Log.WithError(err).WithField("campaign", c.ID).Warn("schedule-all: skipped")
			continue
		}
		n++
	}
	return n, nil
}

// StopAll cancels every running campaign and returns every queued campaign
// to created. Reports both counts.
func (e *Engine) StopAll() (stopped, requeued int, err error) {
	running, err := e.Campaigns.ListByStatus(model.StatusRunning)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range running {
		if err := e.Stop(c.ID); err != nil {
			e.Log.WithError(err).WithField("campaign", c.ID).Warn("stop-all: stop failed")
			continue
		}
		stopped++
	}

	queued, err := e.Campaigns.ListByStatus(model.StatusQueued)
	if err != nil {
		return stopped, 0, err
	}
	for _, c := range queued {
		ok, err := e.Campaigns.CASStatus(c.ID,
			[]model.CampaignStatus{model.StatusQueued}, model.StatusCreated)
		if err != nil || !ok {
			continue
		}
		_ = e.Campaigns.SetQueuePosition(c.ID, nil)
		requeued++
	}
	return stopped, requeued, nil
}

// PromoteDueScheduled moves scheduled campaigns whose start time has arrived
// through the normal start path, still subject to per-session queueing.
// Called from the periodic sweep.
func (e *Engine) PromoteDueScheduled(ctx context.Context, now time.Time) int {
	due, err := e.Campaigns.DueScheduled(now)
	if err != nil {
		e.Log.WithError(err).Error("scheduled sweep failed")
		return 0
	}

	n := 0
	for _, c := range due {
		if err := e.admit(ctx, c); err != nil {
			e.Log.WithError(err).WithField("campaign", c.ID).Warn("scheduled start failed")
			continue
		}
		n++
	}
	return n
}

// Recover picks up campaigns that were running when the previous process
// died: stale locks have been reaped, so each one is re-admitted and its
// dispatch continues at the next unprocessed row.
func (e *Engine) Recover(ctx context.Context) int {
	orphaned, err := e.Campaigns.ListByStatus(model.StatusRunning)
	if err != nil {
		e.Log.WithError(err).Error("recovery scan failed")
		return 0
	}

	n := 0
	for _, c := range orphaned {
		e.mu.Lock()
		_, alive := e.runs[c.ID]
		e.mu.Unlock()
		if alive {
			continue
		}

		owner := uuid.NewString()
		acquired, err := e.Locks.Acquire(c.SessionName, c.ID, owner)
		if err != nil || !acquired {
			continue // another process owns the session
		}
		if err := e.launch(ctx, c, owner); err != nil {
			e.Log.WithError(err).WithField("campaign", c.ID).Warn("recovery failed")
			continue
		}
		e.Log.WithFields(logrus.Fields{
			"campaign": c.ID, "row": c.ProcessedRows + 1,
		}).Info("campaign recovered")
		n++
	}
	return n
}
