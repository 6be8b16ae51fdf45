package relay

import (
	"context"
	"errors"
	"time"

	"github.com/streadway/amqp"
)

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	closed   chan *amqp.Error
}

// DialAMQP connects to a broker and declares a durable topic exchange.
func DialAMQP(url, exchange string) Dialer {
	return func(ctx context.Context) (Publisher, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, err
		}
		p := &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
		p.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
		return p, nil
	}
}

func (p *amqpPublisher) Publish(_ context.Context, key string, body []byte) error {
	select {
	case err := <-p.closed:
		if err == nil {
			return errors.New("amqp connection closed")
		}
		return err
	default:
	}
	return p.ch.Publish(p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *amqpPublisher) Close() error {
	return errors.Join(p.ch.Close(), p.conn.Close())
}
