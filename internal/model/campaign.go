package model

import "time"

// Campaign lifecycle statuses.
type CampaignStatus string

const (
	StatusCreated   CampaignStatus = "created"
	StatusQueued    CampaignStatus = "queued"
	StatusScheduled CampaignStatus = "scheduled"
	StatusRunning   CampaignStatus = "running"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusFailed    CampaignStatus = "failed"
	StatusCancelled CampaignStatus = "cancelled"
)

// IsTerminal reports whether a campaign in this status can never run again.
func (s CampaignStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Message modes.
const (
	ModeSingle   = "single"
	ModeMultiple = "multiple"
)

// Source types.
const (
	SourceCSVUpload     = "csv_upload"
	SourceWhatsAppGroup = "whatsapp_group"
	SourceUserContacts  = "user_contacts"
)

// Delivery methods for whatsapp_group sources.
const (
	DeliveryIndividualDMs = "individual_dms"
	DeliveryGroupMessage  = "group_message"
)

// Contact selection modes for user_contacts sources.
const (
	SelectAll       = "all"
	SelectSavedOnly = "saved_only"
	SelectByID      = "by_id"
)

// Source describes where a campaign's recipients come from. Immutable once set.
type Source struct {
	SourceType       string            `json:"source_type"`
	FilePath         string            `json:"file_path,omitempty"`
	ColumnMapping    map[string]string `json:"column_mapping,omitempty"`
	GroupIDs         []string          `json:"group_ids,omitempty"`
	DeliveryMethod   string            `json:"delivery_method,omitempty"`
	ContactSelection string            `json:"contact_selection,omitempty"`
	ContactIDs       []string          `json:"contact_ids,omitempty"`
	StartRow         int               `json:"start_row"`
	EndRow           *int              `json:"end_row,omitempty"`
}

type Campaign struct {
	ID          int            `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	SessionName string         `db:"session_name" json:"session_name"`
	Status      CampaignStatus `db:"status" json:"status"`

	MessageMode    string   `db:"message_mode" json:"message_mode"`
	MessageSamples []string `db:"message_samples" json:"message_samples"`

	Source Source `json:"source"`

	DelaySeconds                 int  `db:"delay_seconds" json:"delay_seconds"`
	RetryAttempts                int  `db:"retry_attempts" json:"retry_attempts"`
	MaxDailyMessages             int  `db:"max_daily_messages" json:"max_daily_messages"`
	ExcludeMyContacts            bool `db:"exclude_my_contacts" json:"exclude_my_contacts"`
	ExcludePreviousConversations bool `db:"exclude_previous_conversations" json:"exclude_previous_conversations"`
	SaveContactBeforeMessage     bool `db:"save_contact_before_message" json:"save_contact_before_message"`
	RemoveDuplicates             bool `db:"remove_duplicates" json:"remove_duplicates"`

	IsScheduled        bool       `db:"is_scheduled" json:"is_scheduled"`
	ScheduledStartTime *time.Time `db:"scheduled_start_time" json:"scheduled_start_time,omitempty"`
	QueuePosition      *int       `db:"queue_position" json:"queue_position,omitempty"`

	// Set on campaigns created by a restart.
	RestartedFrom *int `db:"restarted_from" json:"restarted_from,omitempty"`
	SkipProcessed bool `db:"skip_processed" json:"skip_processed"`

	LastError string `db:"last_error" json:"last_error,omitempty"`

	TotalRows     int `db:"total_rows" json:"total_rows"`
	ProcessedRows int `db:"processed_rows" json:"processed_rows"`
	SuccessCount  int `db:"success_count" json:"success_count"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// FailedCount is derived from the two stored counters, never written directly.
func (c *Campaign) FailedCount() int {
	return c.ProcessedRows - c.SuccessCount
}
