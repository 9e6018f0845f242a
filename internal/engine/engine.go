package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bulkwave/wacampaign-backend/internal/apperrors"
	"github.com/bulkwave/wacampaign-backend/internal/gateway"
	"github.com/bulkwave/wacampaign-backend/internal/model"
	"github.com/bulkwave/wacampaign-backend/internal/repository"
	"github.com/bulkwave/wacampaign-backend/internal/resolver"
)

// Throttle gates sends against the per-session daily cap.
type Throttle interface {
	Allow(ctx context.Context, sessionName string, limit int) (bool, time.Duration, error)
}

// RecipientResolver materializes a campaign's recipient list.
type RecipientResolver interface {
	Resolve(ctx context.Context, c *model.Campaign, skip map[string]bool) ([]model.Recipient, error)
}

// Engine owns campaign lifecycle transitions, the per-session admission
// queue, and the dispatch loops. The store is the sole authority on status;
// all transitions go through compare-and-set so racing operator actions
// cannot double-transition a campaign.
type Engine struct {
	Campaigns  repository.CampaignRepositoryInterface
	Deliveries repository.DeliveryRepositoryInterface
	Locks      repository.SessionLockRepositoryInterface
	Resolver   RecipientResolver
	Transport  gateway.Transport
	Directory  gateway.Directory
	Throttle   Throttle
	Log        *logrus.Logger

	mu   sync.Mutex
	runs map[int]*run // campaign id → live dispatcher runtime

	// How often a parked (paused) dispatcher re-reads its status from the
	// store. Resume and stop issued in another process only flip the status
	// there, so the parked loop has to notice on its own.
	parkRecheck time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// run is the in-memory runtime of one campaign dispatch. It survives pause
// (the goroutine parks on wake, the run stays) so resume continues from the
// next unprocessed row without re-resolving.
type run struct {
	campaign   *model.Campaign
	recipients []model.Recipient
	next       int // index into recipients of the next unprocessed row

	lockOwner string
	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	parked    bool // touched only by the dispatch goroutine
}

func New(
	campaigns repository.CampaignRepositoryInterface,
	deliveries repository.DeliveryRepositoryInterface,
	locks repository.SessionLockRepositoryInterface,
	res RecipientResolver,
	transport gateway.Transport,
	directory gateway.Directory,
	throttle Throttle,
	log *logrus.Logger,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		Campaigns:   campaigns,
		Deliveries:  deliveries,
		Locks:       locks,
		Resolver:    res,
		Transport:   transport,
		Directory:   directory,
		Throttle:    throttle,
		Log:         log,
		runs:        map[int]*run{},
		parkRecheck: 5 * time.Second,
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// Shutdown stops accepting work and waits for in-flight sends to finish.
// Running campaigns stay `running` in the store and are picked up again on
// the next boot through the paused-restart path.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// Start admits a campaign to run. created/scheduled campaigns whose session
// is busy are queued FIFO instead; paused campaigns resume from the next
// unprocessed row.
func (e *Engine) Start(ctx context.Context, id int) error {
	c, err := e.Campaigns.GetByID(id)
	if err != nil {
		return err
	}

	switch c.Status {
	case model.StatusCreated, model.StatusScheduled:
		return e.admit(ctx, c)
	case model.StatusPaused:
		return e.resume(ctx, c)
	default:
		return apperrors.NewConcurrency(id, "start", string(c.Status))
	}
}

// Resume is an explicit alias for starting a paused campaign.
func (e *Engine) Resume(ctx context.Context, id int) error {
	c, err := e.Campaigns.GetByID(id)
	if err != nil {
		return err
	}
	if c.Status != model.StatusPaused {
		return apperrors.NewConcurrency(id, "resume", string(c.Status))
	}
	return e.resume(ctx, c)
}

// admit moves a created/scheduled campaign to running if its session is
// free, otherwise to queued with its FIFO position.
func (e *Engine) admit(ctx context.Context, c *model.Campaign) error {
	owner := uuid.NewString()
	acquired, err := e.Locks.Acquire(c.SessionName, c.ID, owner)
	if err != nil {
		return err
	}

	if !acquired {
		ahead, err := e.Campaigns.QueuedCount(c.SessionName)
		if err != nil {
			return err
		}
		ok, err := e.Campaigns.CASStatus(c.ID,
			[]model.CampaignStatus{model.StatusCreated, model.StatusScheduled}, model.StatusQueued)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.NewConcurrency(c.ID, "start", string(c.Status))
		}
		if err := e.Campaigns.SetQueuePosition(c.ID, &ahead); err != nil {
			return err
		}
		if c.IsScheduled {
			_ = e.Campaigns.SetSchedule(c.ID, nil)
		}
		e.Log.WithFields(logrus.Fields{
			"campaign": c.ID, "session": c.SessionName, "position": ahead,
		}).Info("campaign queued, session busy")
		return nil
	}

	ok, err := e.Campaigns.CASStatus(c.ID,
		[]model.CampaignStatus{model.StatusCreated, model.StatusScheduled}, model.StatusRunning)
	if err != nil {
		_ = e.Locks.Release(c.SessionName, owner)
		return err
	}
	if !ok {
		_ = e.Locks.Release(c.SessionName, owner)
		return apperrors.NewConcurrency(c.ID, "start", string(c.Status))
	}
	if c.IsScheduled {
		_ = e.Campaigns.SetSchedule(c.ID, nil)
	}

	return e.launch(ctx, c, owner)
}

// launch resolves recipients (exactly once, at the transition into running)
// and spawns the dispatch goroutine. A resolution failure is campaign-fatal.
func (e *Engine) launch(ctx context.Context, c *model.Campaign, owner string) error {
	skip, err := e.skipSet(ctx, c)
	if err == nil {
		var recipients []model.Recipient
		recipients, err = e.Resolver.Resolve(ctx, c, skip)
		if err == nil {
			r := e.newRun(c, owner, recipients)
			if c.TotalRows == 0 {
				if err := e.Campaigns.SetTotalRows(c.ID, len(recipients)); err != nil {
					e.Log.WithError(err).WithField("campaign", c.ID).Warn("failed to persist total rows")
				}
				c.TotalRows = len(recipients)
			}
			// Process restarts land here with rows already processed; skip them.
			r.next = c.ProcessedRows
			e.spawn(r)
			e.Log.WithFields(logrus.Fields{
				"campaign": c.ID, "session": c.SessionName, "total": len(recipients),
			}).Info("campaign running")
			return nil
		}
	}

	resErr := apperrors.NewResolution(c.ID, err)
	_ = e.Campaigns.SetLastError(c.ID, resErr.Error())
	if _, casErr := e.Campaigns.CASStatus(c.ID,
		[]model.CampaignStatus{model.StatusRunning}, model.StatusFailed); casErr != nil {
		e.Log.WithError(casErr).WithField("campaign", c.ID).Error("failed to mark campaign failed")
	}
	_ = e.Locks.Release(c.SessionName, owner)
	e.Log.WithError(err).WithField("campaign", c.ID).Warn("recipient resolution failed")
	e.drainQueue(c.SessionName)
	return resErr
}

func (e *Engine) skipSet(ctx context.Context, c *model.Campaign) (map[string]bool, error) {
	if c.RestartedFrom == nil || !c.SkipProcessed {
		return nil, nil
	}
	phones, err := e.Deliveries.SuccessfulPhones(*c.RestartedFrom)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(phones))
	for p := range phones {
		skip[resolver.DedupeKey(p)] = true
	}
	return skip, nil
}

func (e *Engine) newRun(c *model.Campaign, owner string, recipients []model.Recipient) *run {
	runCtx, cancel := context.WithCancel(e.baseCtx)
	r := &run{
		campaign:   c,
		recipients: recipients,
		lockOwner:  owner,
		ctx:        runCtx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
	}
	e.mu.Lock()
	e.runs[c.ID] = r
	e.mu.Unlock()
	return r
}

func (e *Engine) spawn(r *run) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(r)
	}()
}

// resume continues a paused campaign. If the runtime is still in this
// process its parked dispatcher is woken and the resolved list is reused; if
// the dispatcher is parked in another process only the status flips and that
// process's recheck continues the loop; after a full restart the list is
// re-materialized from the same immutable source and the loop continues at
// processed_rows.
func (e *Engine) resume(ctx context.Context, c *model.Campaign) error {
	e.mu.Lock()
	r, alive := e.runs[c.ID]
	e.mu.Unlock()

	if alive {
		ok, err := e.Campaigns.CASStatus(c.ID,
			[]model.CampaignStatus{model.StatusPaused}, model.StatusRunning)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.NewConcurrency(c.ID, "resume", string(c.Status))
		}
		e.Log.WithFields(logrus.Fields{"campaign": c.ID, "row": r.next}).Info("campaign resumed")
		select {
		case r.wake <- struct{}{}:
		default: // a wakeup is already pending
		}
		return nil
	}

	owner := uuid.NewString()
	acquired, err := e.Locks.Acquire(c.SessionName, c.ID, owner)
	if err != nil {
		return err
	}
	if !acquired {
		// The lease may belong to this campaign's own dispatcher, parked in
		// another process. Then flipping the status is the whole job: the
		// parked loop picks it up on its periodic store recheck.
		holder, held, err := e.Locks.Holder(c.SessionName)
		if err != nil {
			return err
		}
		if !held || holder != c.ID {
			return apperrors.NewConcurrency(c.ID, "resume", "session busy")
		}
		ok, err := e.Campaigns.CASStatus(c.ID,
			[]model.CampaignStatus{model.StatusPaused}, model.StatusRunning)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.NewConcurrency(c.ID, "resume", string(c.Status))
		}
		e.Log.WithField("campaign", c.ID).Info("campaign resumed")
		return nil
	}
	ok, err := e.Campaigns.CASStatus(c.ID,
		[]model.CampaignStatus{model.StatusPaused}, model.StatusRunning)
	if err != nil {
		_ = e.Locks.Release(c.SessionName, owner)
		return err
	}
	if !ok {
		_ = e.Locks.Release(c.SessionName, owner)
		return apperrors.NewConcurrency(c.ID, "resume", string(c.Status))
	}
	return e.launch(ctx, c, owner)
}

// Pause asks the dispatch loop to halt before the next recipient. The
// in-flight send always completes; no message is ever sent twice.
func (e *Engine) Pause(id int) error {
	ok, err := e.Campaigns.CASStatus(id,
		[]model.CampaignStatus{model.StatusRunning}, model.StatusPaused)
	if err != nil {
		return err
	}
	if !ok {
		c, gerr := e.Campaigns.GetByID(id)
		if gerr != nil {
			return gerr
		}
		return apperrors.NewConcurrency(id, "pause", string(c.Status))
	}
	e.Log.WithField("campaign", id).Info("campaign pause requested")
	return nil
}

// Stop cancels a running/paused campaign, or returns a queued one to
// created so it can be started again later. Deliveries already recorded
// are kept for reporting.
func (e *Engine) Stop(id int) error {
	c, err := e.Campaigns.GetByID(id)
	if err != nil {
		return err
	}

	switch c.Status {
	case model.StatusQueued:
		// Queued work that never ran is not cancelled work.
		ok, err := e.Campaigns.CASStatus(id,
			[]model.CampaignStatus{model.StatusQueued}, model.StatusCreated)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.NewConcurrency(id, "stop", string(e.currentStatus(id)))
		}
		_ = e.Campaigns.SetQueuePosition(id, nil)
		if c.QueuePosition != nil {
			_ = e.Campaigns.ShiftQueuePositions(c.SessionName, *c.QueuePosition)
		}
		e.Log.WithField("campaign", id).Info("queued campaign returned to created")
		return nil

	case model.StatusRunning, model.StatusPaused:
		ok, err := e.Campaigns.CASStatus(id,
			[]model.CampaignStatus{model.StatusRunning, model.StatusPaused}, model.StatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.NewConcurrency(id, "stop", string(e.currentStatus(id)))
		}

		e.mu.Lock()
		r, alive := e.runs[id]
		e.mu.Unlock()
		if alive {
			// Wakes a parked (paused) dispatcher and interrupts retry
			// backoff sleeps; the loop finishes its in-flight send, then
			// exits through finishRun, which drains the session queue.
			r.cancel()
		} else {
			// The dispatch loop lives in another process; it will notice
			// the status flip at its next between-recipient check.
			e.drainQueue(c.SessionName)
		}
		e.Log.WithField("campaign", id).Info("campaign stopped")
		return nil

	default:
		return apperrors.NewConcurrency(id, "stop", string(c.Status))
	}
}

// CancelSchedule returns a scheduled campaign to created.
func (e *Engine) CancelSchedule(id int) error {
	ok, err := e.Campaigns.CASStatus(id,
		[]model.CampaignStatus{model.StatusScheduled}, model.StatusCreated)
	if err != nil {
		return err
	}
	if !ok {
		c, gerr := e.Campaigns.GetByID(id)
		if gerr != nil {
			return gerr
		}
		return apperrors.NewConcurrency(id, "cancel-schedule", string(c.Status))
	}
	return e.Campaigns.SetSchedule(id, nil)
}

func (e *Engine) currentStatus(id int) model.CampaignStatus {
	c, err := e.Campaigns.GetByID(id)
	if err != nil {
		return ""
	}
	return c.Status
}

// finishRun tears down a run's in-memory state, releases the session lock and
// promotes the next queued campaign on the session.
func (e *Engine) finishRun(r *run) {
	e.mu.Lock()
	delete(e.runs, r.campaign.ID)
	e.mu.Unlock()
	r.cancel()
	_ = e.Locks.Release(r.campaign.SessionName, r.lockOwner)
	e.drainQueue(r.campaign.SessionName)
}

// drainQueue promotes the lowest-position queued campaign for the session.
// A promoted campaign whose resolution fails is marked failed and the next
// one is tried.
func (e *Engine) drainQueue(sessionName string) {
	for {
		next, err := e.Campaigns.NextQueued(sessionName)
		if err != nil {
			e.Log.WithError(err).WithField("session", sessionName).Error("queue scan failed")
			return
		}
		if next == nil {
			return
		}

		owner := uuid.NewString()
		acquired, err := e.Locks.Acquire(sessionName, next.ID, owner)
		if err != nil || !acquired {
			return
		}
		ok, err := e.Campaigns.CASStatus(next.ID,
			[]model.CampaignStatus{model.StatusQueued}, model.StatusRunning)
		if err != nil || !ok {
			_ = e.Locks.Release(sessionName, owner)
			if err != nil {
				e.Log.WithError(err).WithField("campaign", next.ID).Error("queue promotion failed")
				return
			}
			continue
		}
		_ = e.Campaigns.SetQueuePosition(next.ID, nil)
		if next.QueuePosition != nil {
			_ = e.Campaigns.ShiftQueuePositions(sessionName, *next.QueuePosition)
		}
		e.Log.WithFields(logrus.Fields{
			"campaign": next.ID, "session": sessionName,
		}).Info("queued campaign promoted")

		if err := e.launch(e.baseCtx, next, owner); err == nil {
			return
		}
		// launch already marked it failed and released the lock; it also
		// re-enters drainQueue, so stop this iteration.
		return
	}
}
