package queue

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
)

// StartJob is the wire format of a campaign-start job on RabbitMQ.
type StartJob struct {
	CampaignID int `json:"campaign_id"`
}

// AMQPPublisher hands campaign-start jobs to a RabbitMQ queue for a separate
// dispatch worker process.
type AMQPPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	name string
}

func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		TopicCampaignStarts,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, name: q.Name}, nil
}

func (p *AMQPPublisher) PublishStart(campaignID int) error {
	body, err := json.Marshal(StartJob{CampaignID: campaignID})
	if err != nil {
		return err
	}
	return p.ch.Publish(
		"",     // default exchange
		p.name, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func (p *AMQPPublisher) Close() {
	p.ch.Close()
	p.conn.Close()
}

var _ StartPublisher = (*AMQPPublisher)(nil)
