package model

import "time"

// Delivery statuses.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// Delivery records one attempted send to one recipient within a campaign.
// Rows are insert-only; history is kept even after the campaign is stopped.
type Delivery struct {
	ID           int       `db:"id" json:"id"`
	CampaignID   int       `db:"campaign_id" json:"campaign_id"`
	RowIndex     int       `db:"row_index" json:"row_index"`
	PhoneNumber  string    `db:"phone_number" json:"phone_number"`
	ContactName  string    `db:"contact_name" json:"contact_name"`
	Status       string    `db:"status" json:"status"`
	ErrorMessage string    `db:"error_message" json:"error_message,omitempty"`
	MessageSent  string    `db:"message_sent" json:"message_sent"`
	DeliveredAt  time.Time `db:"delivered_at" json:"delivered_at"`
}
