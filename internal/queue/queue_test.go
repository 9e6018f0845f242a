package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkwave/wacampaign-backend/internal/apperrors"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestPublishWithoutSubscriberFails(t *testing.T) {
	q := NewInMemoryQueue(discardLogger())
	assert.Error(t, q.Publish("nobody-home", 1))
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	q := NewInMemoryQueue(discardLogger())
	got := make(chan any, 1)
	require.NoError(t, q.Subscribe("starts", func(payload any) error {
		got <- payload
		return nil
	}))

	require.NoError(t, q.Publish("starts", 42))
	select {
	case payload := <-got:
		assert.Equal(t, 42, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	q := NewInMemoryQueue(discardLogger())
	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	require.NoError(t, q.Subscribe("starts", func(any) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}))

	require.NoError(t, q.Publish("starts", 1))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not retried to success")
	}
}

func TestDroppedJobIsNotRetried(t *testing.T) {
	q := NewInMemoryQueue(discardLogger())
	var mu sync.Mutex
	attempts := 0
	require.NoError(t, q.Subscribe("starts", func(any) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return ErrDrop
	}))

	require.NoError(t, q.Publish("starts", 1))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestPermanentClassifiesDomainErrors(t *testing.T) {
	assert.True(t, Permanent(apperrors.NewCampaignNotFound(1)))
	assert.True(t, Permanent(apperrors.NewValidation("f", "bad")))
	assert.True(t, Permanent(apperrors.NewConcurrency(1, "start", "running")))
	assert.True(t, Permanent(apperrors.NewResolution(1, errors.New("no file"))))
	assert.False(t, Permanent(errors.New("db timeout")))
}

func TestSubscribeStartsDropsRejectedCampaigns(t *testing.T) {
	q := NewInMemoryQueue(discardLogger())
	var mu sync.Mutex
	attempts := 0
	require.NoError(t, SubscribeStarts(q, func(_ context.Context, id int) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return apperrors.NewConcurrency(id, "start", "running")
	}, discardLogger()))

	require.NoError(t, q.Publish(TopicCampaignStarts, 7))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts, "a rejected start must not be retried")
}
