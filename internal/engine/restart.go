package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bulkwave/wacampaign-backend/internal/apperrors"
	"github.com/bulkwave/wacampaign-backend/internal/model"
)

// Restart spins a new campaign off a finished one, starting at startRow and
// optionally skipping rows that already succeeded. The original campaign is
// never touched; its history stays intact for reporting.
func (e *Engine) Restart(id, startRow int, stopRow *int, skipProcessed, saveContactBeforeMessage bool) (*model.Campaign, error) {
	if startRow < 1 {
		return nil, apperrors.NewValidation("start_row", "must be >= 1")
	}
	if stopRow != nil && *stopRow < startRow {
		return nil, apperrors.NewValidation("stop_row", "must be >= start_row")
	}

	orig, err := e.Campaigns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if !orig.Status.IsTerminal() {
		return nil, apperrors.NewConcurrency(id, "restart", string(orig.Status))
	}

	source := orig.Source
	source.StartRow = startRow
	source.EndRow = stopRow

	clone := &model.Campaign{
		Name:        fmt.Sprintf("%s (restarted from row %d)", orig.Name, startRow),
		SessionName: orig.SessionName,
		Status:      model.StatusCreated,

		MessageMode:    orig.MessageMode,
		MessageSamples: orig.MessageSamples,
		Source:         source,

		DelaySeconds:                 orig.DelaySeconds,
		RetryAttempts:                orig.RetryAttempts,
		MaxDailyMessages:             orig.MaxDailyMessages,
		ExcludeMyContacts:            orig.ExcludeMyContacts,
		ExcludePreviousConversations: orig.ExcludePreviousConversations,
		SaveContactBeforeMessage:     saveContactBeforeMessage,
		RemoveDuplicates:             orig.RemoveDuplicates,

		RestartedFrom: &orig.ID,
		SkipProcessed: skipProcessed,
	}

	if err := e.Campaigns.Create(clone); err != nil {
		return nil, err
	}
	e.Log.WithFields(logrus.Fields{
		"campaign": clone.ID, "origin": orig.ID, "start_row": startRow,
	}).Info("campaign restarted")
	return clone, nil
}
