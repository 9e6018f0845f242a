package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bulkwave/wacampaign-backend/internal/apperrors"
	"github.com/bulkwave/wacampaign-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(c *model.Campaign) error
	GetByID(id int) (*model.Campaign, error)
	List(offset, limit int, sessionName string, status model.CampaignStatus) ([]*model.Campaign, int, error)
	Delete(id int) error

	// Status transitions. CASStatus only moves id from one of `from` to `to`
	// and reports whether the transition actually happened, so two racing
	// operator actions can never double-transition a campaign.
	CASStatus(id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
	SetQueuePosition(id int, position *int) error
	SetSchedule(id int, at *time.Time) error
	SetLastError(id int, msg string) error

	// Progress counters; both writes are single atomic statements.
	SetTotalRows(id, total int) error
	IncrementProgress(id int, success bool) error

	// Queue & scheduler queries
	NextQueued(sessionName string) (*model.Campaign, error)
	QueuedCount(sessionName string) (int, error)
	ShiftQueuePositions(sessionName string, above int) error
	ListByStatus(status model.CampaignStatus) ([]*model.Campaign, error)
	DueScheduled(now time.Time) ([]*model.Campaign, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, session_name, status, message_mode, message_samples,
	source_type, file_path, column_mapping, group_ids, delivery_method, contact_selection, contact_ids,
	start_row, end_row, delay_seconds, retry_attempts, max_daily_messages,
	exclude_my_contacts, exclude_previous_conversations, save_contact_before_message, remove_duplicates,
	is_scheduled, scheduled_start_time, queue_position, restarted_from, skip_processed,
	COALESCE(last_error, ''), total_rows, processed_rows, success_count, created_at, updated_at`

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(c *model.Campaign) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.StatusCreated
	}
	if c.Source.StartRow < 1 {
		c.Source.StartRow = 1
	}

	samples, err := json.Marshal(c.MessageSamples)
	if err != nil {
		return err
	}
	mapping, err := json.Marshal(c.Source.ColumnMapping)
	if err != nil {
		return err
	}
	groups, err := json.Marshal(c.Source.GroupIDs)
	if err != nil {
		return err
	}
	contacts, err := json.Marshal(c.Source.ContactIDs)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO campaigns
            (name, session_name, status, message_mode, message_samples,
             source_type, file_path, column_mapping, group_ids, delivery_method, contact_selection, contact_ids,
             start_row, end_row, delay_seconds, retry_attempts, max_daily_messages,
             exclude_my_contacts, exclude_previous_conversations, save_contact_before_message, remove_duplicates,
             is_scheduled, scheduled_start_time, restarted_from, skip_processed, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
        RETURNING id
    `
	return r.DB.QueryRow(query,
		c.Name, c.SessionName, c.Status, c.MessageMode, samples,
		c.Source.SourceType, c.Source.FilePath, mapping, groups, c.Source.DeliveryMethod,
		c.Source.ContactSelection, contacts,
		c.Source.StartRow, c.Source.EndRow, c.DelaySeconds, c.RetryAttempts, c.MaxDailyMessages,
		c.ExcludeMyContacts, c.ExcludePreviousConversations, c.SaveContactBeforeMessage, c.RemoveDuplicates,
		c.IsScheduled, c.ScheduledStartTime, c.RestartedFrom, c.SkipProcessed, c.CreatedAt,
	).Scan(&c.ID)
}

func scanCampaign(row interface{ Scan(...interface{}) error }) (*model.Campaign, error) {
	var c model.Campaign
	var samples, mapping, groups, contacts []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.SessionName, &c.Status, &c.MessageMode, &samples,
		&c.Source.SourceType, &c.Source.FilePath, &mapping, &groups, &c.Source.DeliveryMethod,
		&c.Source.ContactSelection, &contacts,
		&c.Source.StartRow, &c.Source.EndRow, &c.DelaySeconds, &c.RetryAttempts, &c.MaxDailyMessages,
		&c.ExcludeMyContacts, &c.ExcludePreviousConversations, &c.SaveContactBeforeMessage, &c.RemoveDuplicates,
		&c.IsScheduled, &c.ScheduledStartTime, &c.QueuePosition, &c.RestartedFrom, &c.SkipProcessed,
		&c.LastError, &c.TotalRows, &c.ProcessedRows, &c.SuccessCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(samples) > 0 {
		if err := json.Unmarshal(samples, &c.MessageSamples); err != nil {
			return nil, err
		}
	}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &c.Source.ColumnMapping); err != nil {
			return nil, err
		}
	}
	if len(groups) > 0 {
		if err := json.Unmarshal(groups, &c.Source.GroupIDs); err != nil {
			return nil, err
		}
	}
	if len(contacts) > 0 {
		if err := json.Unmarshal(contacts, &c.Source.ContactIDs); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (r *CampaignRepository) GetByID(id int) (*model.Campaign, error) {
	query := fmt.Sprintf(`SELECT %s FROM campaigns WHERE id=$1`, campaignColumns)
	c, err := scanCampaign(r.DB.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewCampaignNotFound(id)
	}
	return c, err
}

func (r *CampaignRepository) List(offset, limit int, sessionName string, status model.CampaignStatus) ([]*model.Campaign, int, error) {
	query := fmt.Sprintf(`SELECT %s FROM campaigns WHERE 1=1`, campaignColumns)
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if sessionName != "" {
		query += fmt.Sprintf(" AND session_name=$%d", argPos)
		countQuery += fmt.Sprintf(" AND session_name=$%d", argPos)
		args = append(args, sessionName)
		argPos++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		countQuery += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// Delete cascades to deliveries via the FK. The service layer is responsible
// for only deleting terminal or created campaigns.
func (r *CampaignRepository) Delete(id int) error {
	res, err := r.DB.Exec(`DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewCampaignNotFound(id)
	}
	return nil
}

// ====================== Status & progress ======================

func (r *CampaignRepository) CASStatus(id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res, err := r.DB.Exec(
		`UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status=ANY($3)`,
		to, id, pq.Array(states),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) SetQueuePosition(id int, position *int) error {
	_, err := r.DB.Exec(`UPDATE campaigns SET queue_position=$1, updated_at=NOW() WHERE id=$2`, position, id)
	return err
}

func (r *CampaignRepository) SetSchedule(id int, at *time.Time) error {
	_, err := r.DB.Exec(
		`UPDATE campaigns SET scheduled_start_time=$1, is_scheduled=$2, updated_at=NOW() WHERE id=$3`,
		at, at != nil, id,
	)
	return err
}

func (r *CampaignRepository) SetLastError(id int, msg string) error {
	_, err := r.DB.Exec(`UPDATE campaigns SET last_error=$1, updated_at=NOW() WHERE id=$2`, msg, id)
	return err
}

func (r *CampaignRepository) SetTotalRows(id, total int) error {
	_, err := r.DB.Exec(`UPDATE campaigns SET total_rows=$1, updated_at=NOW() WHERE id=$2`, total, id)
	return err
}

func (r *CampaignRepository) IncrementProgress(id int, success bool) error {
	_, err := r.DB.Exec(`
        UPDATE campaigns
        SET processed_rows = processed_rows + 1,
            success_count  = success_count + CASE WHEN $1 THEN 1 ELSE 0 END,
            updated_at     = NOW()
        WHERE id=$2`,
		success, id,
	)
	return err
}

// ====================== Queue & scheduler queries ======================

func (r *CampaignRepository) NextQueued(sessionName string) (*model.Campaign, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM campaigns
         WHERE session_name=$1 AND status=$2
         ORDER BY queue_position ASC NULLS LAST, id ASC
         LIMIT 1`, campaignColumns)
	c, err := scanCampaign(r.DB.QueryRow(query, sessionName, model.StatusQueued))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (r *CampaignRepository) QueuedCount(sessionName string) (int, error) {
	var n int
	err := r.DB.QueryRow(
		`SELECT COUNT(*) FROM campaigns WHERE session_name=$1 AND status=$2`,
		sessionName, model.StatusQueued,
	).Scan(&n)
	return n, err
}

// ShiftQueuePositions closes the gap left by a campaign that left the queue:
// every queued campaign on the session behind the vacated slot moves up one.
func (r *CampaignRepository) ShiftQueuePositions(sessionName string, above int) error {
	_, err := r.DB.Exec(`
        UPDATE campaigns
        SET queue_position = queue_position - 1, updated_at = NOW()
        WHERE session_name=$1 AND status=$2 AND queue_position > $3`,
		sessionName, model.StatusQueued, above,
	)
	return err
}

func (r *CampaignRepository) ListByStatus(status model.CampaignStatus) ([]*model.Campaign, error) {
	query := fmt.Sprintf(`SELECT %s FROM campaigns WHERE status=$1 ORDER BY id ASC`, campaignColumns)
	rows, err := r.DB.Query(query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepository) DueScheduled(now time.Time) ([]*model.Campaign, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM campaigns
         WHERE status=$1 AND scheduled_start_time IS NOT NULL AND scheduled_start_time <= $2
         ORDER BY scheduled_start_time ASC, id ASC`, campaignColumns)
	rows, err := r.DB.Query(query, model.StatusScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
