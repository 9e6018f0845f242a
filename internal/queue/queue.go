package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TopicCampaignStarts carries campaign ids whose dispatch should begin.
const TopicCampaignStarts = "campaign_starts"

// StartPublisher is what the service layer uses to hand a campaign over to
// whichever process runs its dispatch loop.
type StartPublisher interface {
	PublishStart(campaignID int) error
}

// Queue is a minimal topic bus.
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// InMemoryQueue delivers jobs to in-process subscribers with bounded retry.
// It backs the single-binary deployment; remote deployments use RabbitMQ.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]func(payload any) error
	log      *logrus.Logger
}

func NewInMemoryQueue(log *logrus.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers: make(map[string][]func(payload any) error),
		log:      log,
	}
}

type jobEnvelope struct {
	payload    any
	retryCount int
	maxRetries int
}

func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	job := jobEnvelope{payload: payload, maxRetries: 3}
	for _, handler := range handlers {
		go q.processJob(topic, handler, job)
	}
	return nil
}

func (q *InMemoryQueue) processJob(topic string, handler func(payload any) error, job jobEnvelope) {
	for {
		err := handler(job.payload)
		if err == nil {
			return
		}
		if errors.Is(err, ErrDrop) {
			return
		}

		job.retryCount++
		q.log.WithError(err).WithFields(logrus.Fields{
			"topic": topic, "attempt": job.retryCount, "max": job.maxRetries,
		}).Warn("job failed")
		if job.retryCount > job.maxRetries {
			q.log.WithFields(logrus.Fields{"topic": topic, "payload": job.payload}).
				Error("job permanently failed")
			return
		}
		time.Sleep(time.Duration(job.retryCount*500) * time.Millisecond)
	}
}

func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// ErrDrop tells the queue a job should not be retried.
var ErrDrop = errors.New("job dropped")

// LocalPublisher publishes starts onto an in-process queue.
type LocalPublisher struct {
	Q Queue
}

func (p *LocalPublisher) PublishStart(campaignID int) error {
	return p.Q.Publish(TopicCampaignStarts, campaignID)
}

var _ StartPublisher = (*LocalPublisher)(nil)
