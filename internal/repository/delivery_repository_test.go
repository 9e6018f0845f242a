package repository

import (
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkwave/wacampaign-backend/internal/model"
)

func newMockDeliveries(t *testing.T) (*DeliveryRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &DeliveryRepository{DB: db}, mock
}

func TestDeliveryCreateAssignsID(t *testing.T) {
	repo, mock := newMockDeliveries(t)

	mock.ExpectQuery(`INSERT INTO deliveries`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	d := &model.Delivery{CampaignID: 1, RowIndex: 3, PhoneNumber: "15550000001", Status: model.DeliverySent}
	require.NoError(t, repo.Create(d))
	assert.Equal(t, 11, d.ID)
	assert.False(t, d.DeliveredAt.IsZero())
}

func TestStatsAlwaysIncludesBothBuckets(t *testing.T) {
	repo, mock := newMockDeliveries(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT status, COUNT(*) FROM deliveries WHERE campaign_id=$1 GROUP BY status`)).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("sent", 4))

	stats, err := repo.Stats(1)
	require.NoError(t, err)
	assert.Equal(t, 4, stats[model.DeliverySent])
	assert.Equal(t, 0, stats[model.DeliveryFailed])
}

func TestSuccessfulPhonesBuildsSet(t *testing.T) {
	repo, mock := newMockDeliveries(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT DISTINCT phone_number FROM deliveries WHERE campaign_id=$1 AND status=$2`)).
		WithArgs(1, model.DeliverySent).
		WillReturnRows(sqlmock.NewRows([]string{"phone_number"}).
			AddRow("15550000001").AddRow("15550000002"))

	phones, err := repo.SuccessfulPhones(1)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"15550000001": true, "15550000002": true}, phones)
}
