package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitQueue is an AMQP-backed queue. The named queue is declared
// durable and messages are published persistent, so audit entries
// survive a broker restart.
type RabbitQueue struct {
	url  string
	name string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitQueue builds a queue over the given broker URL. No connection
// is made until the first Publish or Consume.
func NewRabbitQueue(url, name string) *RabbitQueue {
	if name == "" {
		name = "scantrack.audit"
	}
	return &RabbitQueue{url: url, name: name}
}

func (q *RabbitQueue) channel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	q.conn, q.ch = conn, ch
	return ch, nil
}

// Publish sends a message to the queue, reconnecting if the channel died.
func (q *RabbitQueue) Publish(ctx context.Context, msg Message) error {
	ch, err := q.channel()
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/octet-stream",
		Type:         msg.Type,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	}
	return ch.PublishWithContext(ctx, "", q.name, false, false, pub)
}

// Consume streams messages from the queue. It runs a reconnect loop with
// backoff, so a broker outage stalls delivery instead of killing the
// worker. Failed deliveries are rejected without requeue to avoid tight
// redelivery loops.
func (q *RabbitQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			conn, err := amqp.Dial(q.url)
			if err != nil {
				log.Printf("rabbit: dial failed: %v; retrying in %s", err, backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second

			if err := q.consumeLoop(ctx, conn, out); err != nil {
				log.Printf("rabbit: consume loop ended: %v; reconnecting", err)
			}
			_ = conn.Close()
		}
	}()
	return out, nil
}

func (q *RabbitQueue) consumeLoop(ctx context.Context, conn *amqp.Connection, out chan<- Message) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Printf("rabbit: set QoS failed: %v", err)
	}
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			select {
			case out <- Message{Type: d.Type, Body: d.Body}:
				_ = d.Ack(false)
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears down the publisher connection.
func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}
