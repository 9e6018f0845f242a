package repository

import (
	"database/sql"
	"time"

	"github.com/bulkwave/wacampaign-backend/internal/model"
)

type DeliveryRepositoryInterface interface {
	Create(d *model.Delivery) error
	ListByCampaign(campaignID int) ([]model.Delivery, error)
	SuccessfulPhones(campaignID int) (map[string]bool, error)
	Stats(campaignID int) (map[string]int, error)
}

type DeliveryRepository struct {
	DB *sql.DB
}

func (r *DeliveryRepository) Create(d *model.Delivery) error {
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now().UTC()
	}
	query := `
        INSERT INTO deliveries
            (campaign_id, row_index, phone_number, contact_name, status, error_message, message_sent, delivered_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING id
    `
	return r.DB.QueryRow(query,
		d.CampaignID, d.RowIndex, d.PhoneNumber, d.ContactName,
		d.Status, d.ErrorMessage, d.MessageSent, d.DeliveredAt,
	).Scan(&d.ID)
}

func (r *DeliveryRepository) ListByCampaign(campaignID int) ([]model.Delivery, error) {
	query := `
        SELECT id, campaign_id, row_index, phone_number, contact_name, status,
               COALESCE(error_message, ''), message_sent, delivered_at
        FROM deliveries
        WHERE campaign_id=$1
        ORDER BY row_index ASC
    `
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := []model.Delivery{}
	for rows.Next() {
		var d model.Delivery
		if err := rows.Scan(
			&d.ID, &d.CampaignID, &d.RowIndex, &d.PhoneNumber, &d.ContactName,
			&d.Status, &d.ErrorMessage, &d.MessageSent, &d.DeliveredAt,
		); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// SuccessfulPhones returns the set of phone numbers with a sent delivery on
// the campaign. Restart with skip_processed filters against this set.
func (r *DeliveryRepository) SuccessfulPhones(campaignID int) (map[string]bool, error) {
	rows, err := r.DB.Query(
		`SELECT DISTINCT phone_number FROM deliveries WHERE campaign_id=$1 AND status=$2`,
		campaignID, model.DeliverySent,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	phones := map[string]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		phones[p] = true
	}
	return phones, rows.Err()
}

func (r *DeliveryRepository) Stats(campaignID int) (map[string]int, error) {
	rows, err := r.DB.Query(
		`SELECT status, COUNT(*) FROM deliveries WHERE campaign_id=$1 GROUP BY status`,
		campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{model.DeliverySent: 0, model.DeliveryFailed: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ DeliveryRepositoryInterface = (*DeliveryRepository)(nil)
