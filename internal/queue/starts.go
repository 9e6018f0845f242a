package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bulkwave/wacampaign-backend/internal/apperrors"
)

// Permanent reports whether a campaign-start failure should not be retried.
// Bad ids, bad states and failed resolution stay failed no matter how often
// the job is replayed.
func Permanent(err error) bool {
	var nferr *apperrors.ErrCampaignNotFound
	var verr *apperrors.ValidationError
	var cerr *apperrors.ConcurrencyError
	var rerr *apperrors.ResolutionError
	return errors.As(err, &nferr) || errors.As(err, &verr) ||
		errors.As(err, &cerr) || errors.As(err, &rerr)
}

// SubscribeStarts wires a campaign-start consumer onto an in-process queue.
func SubscribeStarts(q Queue, start func(ctx context.Context, id int) error, log *logrus.Logger) error {
	return q.Subscribe(TopicCampaignStarts, func(payload any) error {
		id, ok := payload.(int)
		if !ok {
			return fmt.Errorf("%w: bad campaign-start payload %v", ErrDrop, payload)
		}
		err := start(context.Background(), id)
		if err == nil {
			return nil
		}
		if Permanent(err) {
			log.WithError(err).WithField("campaign", id).Warn("campaign start rejected")
			return ErrDrop
		}
		return err
	})
}
