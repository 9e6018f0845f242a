package service

import (
	"context"
	"time"

	"github.com/bulkwave/wacampaign-backend/internal/apperrors"
	"github.com/bulkwave/wacampaign-backend/internal/model"
	"github.com/bulkwave/wacampaign-backend/internal/queue"
	"github.com/bulkwave/wacampaign-backend/internal/repository"
)

// CampaignEngine is the slice of the dispatch engine the service drives.
type CampaignEngine interface {
	Start(ctx context.Context, id int) error
	Pause(id int) error
	Resume(ctx context.Context, id int) error
	Stop(id int) error
	Schedule(id int, at time.Time) error
	CancelSchedule(id int) error
	ScheduleAll(at time.Time, stagger time.Duration) (int, error)
	StopAll() (stopped, requeued int, err error)
	Restart(id, startRow int, stopRow *int, skipProcessed, saveContactBeforeMessage bool) (*model.Campaign, error)
}

type CampaignServiceInterface interface {
	Create(req *CreateCampaignRequest) (*model.Campaign, error)
	Get(id int) (*model.Campaign, error)
	List(page, pageSize int, sessionName string, status model.CampaignStatus) ([]*model.Campaign, int, error)
	Delete(id int) error
	Report(id int) (*CampaignReport, error)

	Start(ctx context.Context, id int) error
	Pause(id int) error
	Stop(id int) error
	Restart(req *RestartRequest) (*model.Campaign, error)
	Schedule(id int, at time.Time) error
	CancelSchedule(id int) error
	StartAll(ctx context.Context) (int, error)
	StopAll() (int, int, error)
	ScheduleAll(at time.Time, stagger time.Duration) (int, error)
}

type CampaignService struct {
	Campaigns  repository.CampaignRepositoryInterface
	Deliveries repository.DeliveryRepositoryInterface
	Engine     CampaignEngine
	Starts     queue.StartPublisher
}

func NewCampaignService(
	campaigns repository.CampaignRepositoryInterface,
	deliveries repository.DeliveryRepositoryInterface,
	eng CampaignEngine,
	starts queue.StartPublisher,
) *CampaignService {
	return &CampaignService{Campaigns: campaigns, Deliveries: deliveries, Engine: eng, Starts: starts}
}

// CreateCampaignRequest is the create payload. RemoveDuplicates is a pointer
// so an omitted field defaults to true rather than false.
type CreateCampaignRequest struct {
	Name        string `json:"name"`
	SessionName string `json:"session_name"`

	MessageMode    string   `json:"message_mode"`
	MessageSamples []string `json:"message_samples"`

	Source model.Source `json:"source"`

	DelaySeconds                 int   `json:"delay_seconds"`
	RetryAttempts                int   `json:"retry_attempts"`
	MaxDailyMessages             int   `json:"max_daily_messages"`
	ExcludeMyContacts            bool  `json:"exclude_my_contacts"`
	ExcludePreviousConversations bool  `json:"exclude_previous_conversations"`
	SaveContactBeforeMessage     bool  `json:"save_contact_before_message"`
	RemoveDuplicates             *bool `json:"remove_duplicates"`

	ScheduledStartTime *time.Time `json:"scheduled_start_time"`
}

type RestartRequest struct {
	CampaignID               int  `json:"-"`
	StartRow                 int  `json:"start_row"`
	StopRow                  *int `json:"stop_row"`
	SkipProcessed            bool `json:"skip_processed"`
	SaveContactBeforeMessage bool `json:"save_contact_before_message"`
}

// CampaignReport combines campaign counters with the per-recipient delivery log.
type CampaignReport struct {
	Campaign    *model.Campaign  `json:"campaign"`
	FailedCount int              `json:"failed_count"`
	ByStatus    map[string]int   `json:"by_status"`
	Deliveries  []model.Delivery `json:"deliveries"`
}

func (s *CampaignService) Create(req *CreateCampaignRequest) (*model.Campaign, error) {
	if req.Name == "" {
		return nil, apperrors.NewValidation("name", "is required")
	}
	if req.SessionName == "" {
		return nil, apperrors.NewValidation("session_name", "is required")
	}

	mode := req.MessageMode
	if mode == "" {
		mode = model.ModeSingle
	}
	if mode != model.ModeSingle && mode != model.ModeMultiple {
		return nil, apperrors.NewValidation("message_mode", "must be single or multiple")
	}
	if len(req.MessageSamples) == 0 {
		return nil, apperrors.NewValidation("message_samples", "at least one sample is required")
	}
	if mode == model.ModeSingle && len(req.MessageSamples) != 1 {
		return nil, apperrors.NewValidation("message_samples", "single mode takes exactly one sample")
	}
	for _, sample := range req.MessageSamples {
		if sample == "" {
			return nil, apperrors.NewValidation("message_samples", "samples must be non-empty")
		}
	}

	source, err := normalizeSource(req.Source)
	if err != nil {
		return nil, err
	}

	if req.DelaySeconds < 0 {
		return nil, apperrors.NewValidation("delay_seconds", "must be >= 0")
	}
	if req.RetryAttempts < 0 {
		return nil, apperrors.NewValidation("retry_attempts", "must be >= 0")
	}
	if req.MaxDailyMessages < 0 {
		return nil, apperrors.NewValidation("max_daily_messages", "must be >= 0")
	}

	removeDuplicates := true
	if req.RemoveDuplicates != nil {
		removeDuplicates = *req.RemoveDuplicates
	}

	c := &model.Campaign{
		Name:        req.Name,
		SessionName: req.SessionName,
		Status:      model.StatusCreated,

		MessageMode:    mode,
		MessageSamples: req.MessageSamples,
		Source:         source,

		DelaySeconds:                 req.DelaySeconds,
		RetryAttempts:                req.RetryAttempts,
		MaxDailyMessages:             req.MaxDailyMessages,
		ExcludeMyContacts:            req.ExcludeMyContacts,
		ExcludePreviousConversations: req.ExcludePreviousConversations,
		SaveContactBeforeMessage:     req.SaveContactBeforeMessage,
		RemoveDuplicates:             removeDuplicates,
	}
	if req.ScheduledStartTime != nil {
		at := req.ScheduledStartTime.UTC()
		c.Status = model.StatusScheduled
		c.IsScheduled = true
		c.ScheduledStartTime = &at
	}

	if err := s.Campaigns.Create(c); err != nil {
		return nil, err
	}
	return c, nil
}

func normalizeSource(src model.Source) (model.Source, error) {
	if src.StartRow == 0 {
		src.StartRow = 1
	}
	if src.StartRow < 1 {
		return src, apperrors.NewValidation("source.start_row", "must be >= 1")
	}
	if src.EndRow != nil && *src.EndRow < src.StartRow {
		return src, apperrors.NewValidation("source.end_row", "must be >= start_row")
	}

	switch src.SourceType {
	case model.SourceCSVUpload:
		if src.FilePath == "" {
			return src, apperrors.NewValidation("source.file_path", "is required for csv_upload")
		}
	case model.SourceWhatsAppGroup:
		if len(src.GroupIDs) == 0 {
			return src, apperrors.NewValidation("source.group_ids", "at least one group is required")
		}
		if src.DeliveryMethod == "" {
			src.DeliveryMethod = model.DeliveryIndividualDMs
		}
		if src.DeliveryMethod != model.DeliveryIndividualDMs && src.DeliveryMethod != model.DeliveryGroupMessage {
			return src, apperrors.NewValidation("source.delivery_method", "must be individual_dms or group_message")
		}
	case model.SourceUserContacts:
		if src.ContactSelection == "" {
			src.ContactSelection = model.SelectAll
		}
		switch src.ContactSelection {
		case model.SelectAll, model.SelectSavedOnly:
		case model.SelectByID:
			if len(src.ContactIDs) == 0 {
				return src, apperrors.NewValidation("source.contact_ids", "required when selecting by id")
			}
		default:
			return src, apperrors.NewValidation("source.contact_selection", "must be all, saved_only or by_id")
		}
	default:
		return src, apperrors.NewValidation("source.source_type", "must be csv_upload, whatsapp_group or user_contacts")
	}
	return src, nil
}

func (s *CampaignService) Get(id int) (*model.Campaign, error) {
	return s.Campaigns.GetByID(id)
}

func (s *CampaignService) List(page, pageSize int, sessionName string, status model.CampaignStatus) ([]*model.Campaign, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.Campaigns.List((page-1)*pageSize, pageSize, sessionName, status)
}

// Delete removes a campaign and its delivery log. Active campaigns must be
// stopped first.
func (s *CampaignService) Delete(id int) error {
	c, err := s.Campaigns.GetByID(id)
	if err != nil {
		return err
	}
	switch c.Status {
	case model.StatusCreated, model.StatusScheduled:
	default:
		if !c.Status.IsTerminal() {
			return apperrors.NewConcurrency(id, "delete", string(c.Status))
		}
	}
	return s.Campaigns.Delete(id)
}

func (s *CampaignService) Report(id int) (*CampaignReport, error) {
	c, err := s.Campaigns.GetByID(id)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.Deliveries.Stats(id)
	if err != nil {
		return nil, err
	}
	deliveries, err := s.Deliveries.ListByCampaign(id)
	if err != nil {
		return nil, err
	}
	return &CampaignReport{
		Campaign:    c,
		FailedCount: c.FailedCount(),
		ByStatus:    byStatus,
		Deliveries:  deliveries,
	}, nil
}

// Start hands a startable campaign to the dispatch side. Paused campaigns
// resume in place; created and scheduled ones go through the start queue so
// dispatch can live in a separate worker.
func (s *CampaignService) Start(ctx context.Context, id int) error {
	c, err := s.Campaigns.GetByID(id)
	if err != nil {
		return err
	}
	switch c.Status {
	case model.StatusPaused:
		return s.Engine.Resume(ctx, id)
	case model.StatusCreated, model.StatusScheduled:
		return s.Starts.PublishStart(id)
	default:
		return apperrors.NewConcurrency(id, "start", string(c.Status))
	}
}

func (s *CampaignService) Pause(id int) error {
	return s.Engine.Pause(id)
}

func (s *CampaignService) Stop(id int) error {
	return s.Engine.Stop(id)
}

func (s *CampaignService) Restart(req *RestartRequest) (*model.Campaign, error) {
	return s.Engine.Restart(req.CampaignID, req.StartRow, req.StopRow,
		req.SkipProcessed, req.SaveContactBeforeMessage)
}

func (s *CampaignService) Schedule(id int, at time.Time) error {
	return s.Engine.Schedule(id, at)
}

func (s *CampaignService) CancelSchedule(id int) error {
	return s.Engine.CancelSchedule(id)
}

// StartAll hands every created campaign to the dispatch side, one start job
// each, so admission happens in whichever process owns dispatch. Scheduled
// campaigns keep their schedule. Zero is a valid outcome.
func (s *CampaignService) StartAll(_ context.Context) (int, error) {
	created, err := s.Campaigns.ListByStatus(model.StatusCreated)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range created {
		if err := s.Starts.PublishStart(c.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *CampaignService) StopAll() (int, int, error) {
	return s.Engine.StopAll()
}

func (s *CampaignService) ScheduleAll(at time.Time, stagger time.Duration) (int, error) {
	return s.Engine.ScheduleAll(at, stagger)
}

var _ CampaignServiceInterface = (*CampaignService)(nil)
