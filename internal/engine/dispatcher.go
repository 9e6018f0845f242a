package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bulkwave/wacampaign-backend/internal/composer"
	"github.com/bulkwave/wacampaign-backend/internal/model"
)

// How long to wait before re-checking a session whose daily cap is exhausted
// when the throttle cannot say precisely.
const throttledRecheck = 30 * time.Second

// dispatch is the per-campaign send loop: one sequential worker, one message
// at a time, in recipient order. Pause parks the loop in place; it exits on
// stop, engine shutdown, or completion.
func (e *Engine) dispatch(r *run) {
	c := r.campaign
	log := e.Log.WithFields(logrus.Fields{"campaign": c.ID, "session": c.SessionName})

	// Floor inter-message gap, applied regardless of retries. Waiting through
	// the limiter keeps the sleep interruptible by stop.
	gap := rate.NewLimiter(rate.Inf, 1)
	if c.DelaySeconds > 0 {
		gap = rate.NewLimiter(rate.Every(time.Duration(c.DelaySeconds)*time.Second), 1)
	}

	for r.next < len(r.recipients) {
		// Cooperative status check between recipients. The store is the
		// authority, so pause/stop take effect even when the operator action
		// happened in another process.
		fresh, err := e.Campaigns.GetByID(c.ID)
		if err != nil {
			log.WithError(err).Error("status check failed")
			if e.baseCtx.Err() != nil {
				return
			}
			if r.ctx.Err() != nil {
				// Stop already committed the status flip before cancelling
				// the run; tear down instead of retrying against a dead run.
				e.finishRun(r)
				return
			}
			sleepCtx(r.ctx, time.Second)
			continue
		}
		switch fresh.Status {
		case model.StatusRunning:
			r.parked = false
		case model.StatusPaused:
			if r.ctx.Err() != nil {
				if e.baseCtx.Err() != nil {
					return
				}
				e.finishRun(r)
				return
			}
			// Park until resume wakes us, stop/shutdown cancels the run, or
			// the recheck timer fires. Keeping the goroutine parked instead
			// of exiting means resume can never race a dispatcher that is
			// still winding down; the timer covers resume and stop issued in
			// another process, which only flip the status in the store.
			if !r.parked {
				r.parked = true
				log.WithField("next_row", r.next+1).Info("campaign paused, dispatch parked")
			}
			recheck := time.NewTimer(e.parkRecheck)
			select {
			case <-r.wake:
			case <-r.ctx.Done():
			case <-recheck.C:
			}
			recheck.Stop()
			continue
		default:
			// cancelled, or some other terminal transition
			e.finishRun(r)
			return
		}

		if r.ctx.Err() != nil {
			if e.baseCtx.Err() != nil {
				return // engine shutdown; Recover picks this campaign up on next boot
			}
			e.finishRun(r)
			return
		}

		_ = e.Locks.Refresh(c.SessionName, r.lockOwner)

		// Daily cap gate. The campaign stays logically running while
		// throttled; no public status change.
		allowed, retryAfter, err := e.Throttle.Allow(r.ctx, c.SessionName, c.MaxDailyMessages)
		if err != nil {
			if r.ctx.Err() != nil {
				continue
			}
			log.WithError(err).Warn("throttle check failed, retrying")
			sleepCtx(r.ctx, throttledRecheck)
			continue
		}
		if !allowed {
			wait := retryAfter
			if wait <= 0 || wait > throttledRecheck {
				wait = throttledRecheck
			}
			log.WithField("retry_in", wait).Info("daily cap reached, dispatch suspended")
			sleepCtx(r.ctx, wait)
			continue
		}

		if err := gap.Wait(r.ctx); err != nil {
			continue // cancelled; next iteration re-checks status
		}

		rec := r.recipients[r.next]

		text, err := composer.Compose(c.MessageMode, c.MessageSamples, rec)
		if err != nil {
			// Broken message configuration; nothing can be sent.
			_ = e.Campaigns.SetLastError(c.ID, err.Error())
			_, _ = e.Campaigns.CASStatus(c.ID,
				[]model.CampaignStatus{model.StatusRunning, model.StatusPaused}, model.StatusFailed)
			log.WithError(err).Error("campaign failed: compose")
			e.finishRun(r)
			return
		}

		if c.SaveContactBeforeMessage {
			// Fire-and-forget: a directory failure never blocks the send.
			if err := e.Directory.SaveContact(r.ctx, c.SessionName, rec); err != nil {
				log.WithError(err).WithField("phone", rec.Phone).Warn("save contact failed")
			}
		}

		sendErr := e.sendWithRetry(r, c, rec.Phone, text)

		d := &model.Delivery{
			CampaignID:  c.ID,
			RowIndex:    r.next + 1,
			PhoneNumber: rec.Phone,
			ContactName: rec.Name,
			MessageSent: text,
			Status:      model.DeliverySent,
		}
		if sendErr != nil {
			d.Status = model.DeliveryFailed
			d.ErrorMessage = sendErr.Error()
			log.WithError(sendErr).WithFields(logrus.Fields{
				"row": d.RowIndex, "phone": rec.Phone,
			}).Warn("send failed after retries")
		}
		if err := e.Deliveries.Create(d); err != nil {
			log.WithError(err).WithField("row", d.RowIndex).Error("failed to record delivery")
		}
		if err := e.Campaigns.IncrementProgress(c.ID, sendErr == nil); err != nil {
			log.WithError(err).Error("failed to update progress")
		}
		r.next++
	}

	if _, err := e.Campaigns.CASStatus(c.ID,
		[]model.CampaignStatus{model.StatusRunning, model.StatusPaused}, model.StatusCompleted); err != nil {
		log.WithError(err).Error("failed to mark campaign completed")
	}
	log.WithField("rows", len(r.recipients)).Info("campaign completed")
	e.finishRun(r)
}

// sendWithRetry attempts one recipient's message, retrying up to
// RetryAttempts additional times with DelaySeconds between attempts. The send
// itself is never aborted mid-flight; stop only interrupts the backoff sleep.
func (e *Engine) sendWithRetry(r *run, c *model.Campaign, phone, text string) error {
	backoff := time.Duration(c.DelaySeconds) * time.Second
	sendCtx := context.WithoutCancel(r.ctx)

	var last error
	for attempt := 0; attempt <= c.RetryAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(r.ctx, backoff) {
				return last
			}
		}
		if err := e.Transport.Send(sendCtx, c.SessionName, phone, text); err != nil {
			last = err
			e.Log.WithError(err).WithFields(logrus.Fields{
				"campaign": c.ID, "phone": phone, "attempt": attempt + 1,
			}).Debug("send attempt failed")
			continue
		}
		return nil
	}
	return last
}

// sleepCtx sleeps for d, returning false if the context was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
