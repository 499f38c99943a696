package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// reconnectDelay задаёт паузу между попытками переподключения к RabbitMQ
const reconnectDelay = 5 * time.Second

var errRabbitNotConnected = errors.New("RabbitMQ not connected")

type RabbitMQProducer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	cfg        RabbitMQConfig
	logger     *zap.Logger
	mu         sync.Mutex
	isClosed   bool
	reconnectC chan struct{}
	done       chan struct{}
}

var _ Producer = (*RabbitMQProducer)(nil)

// NewRabbitMQProducer подключается в фоне; до подключения Produce возвращает ошибку
func NewRabbitMQProducer(cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQProducer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq: url is empty")
	}

	p := &RabbitMQProducer{
		cfg:        cfg,
		logger:     logger.Named("rabbitmq"),
		reconnectC: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	go func() {
		p.logger.Info("Attempting initial RabbitMQ connection", zap.String("url", maskURL(cfg.URL)))
		if err := p.connect(); err != nil {
			p.logger.Warn("Initial RabbitMQ connection failed (will retry)", zap.Error(err))
			p.signalReconnect()
		}
	}()

	go p.handleReconnect()

	return p, nil
}

// connectionURL подставляет virtual host в URL
func connectionURL(rawURL, vhost string) string {
	if vhost == "" {
		return rawURL
	}
	u, err := amqp.ParseURI(rawURL)
	if err != nil {
		return rawURL
	}
	u.Vhost = vhost
	return u.String()
}

// maskURL скрывает пароль для логов
func maskURL(rawURL string) string {
	u, err := amqp.ParseURI(rawURL)
	if err != nil {
		return rawURL
	}
	u.Password = "******"
	return u.String()
}

func (p *RabbitMQProducer) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed {
		return errors.New("producer closed")
	}

	connURL := connectionURL(p.cfg.URL, p.cfg.VirtualHost)
	p.logger.Debug("Connecting to RabbitMQ", zap.String("url", maskURL(connURL)))

	conn, err := amqp.Dial(connURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		p.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if p.cfg.QueueName != "" {
		if _, err = ch.QueueDeclare(p.cfg.QueueName, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to declare queue: %w", err)
		}

		p.logger.Debug("Binding RabbitMQ queue to exchange",
			zap.String("queue", p.cfg.QueueName),
			zap.String("exchange", p.cfg.Exchange),
			zap.String("routing_key", p.cfg.RoutingKey))

		if err = ch.QueueBind(p.cfg.QueueName, p.cfg.RoutingKey, p.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to bind queue: %w", err)
		}
	}

	p.conn = conn
	p.ch = ch

	go func() {
		if err := <-conn.NotifyClose(make(chan *amqp.Error, 1)); err != nil {
			p.logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
		p.signalReconnect()
	}()

	p.logger.Info("Connected to RabbitMQ", zap.String("exchange", p.cfg.Exchange))
	return nil
}

func (p *RabbitMQProducer) signalReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return
	}
	select {
	case p.reconnectC <- struct{}{}:
	default:
	}
}

func (p *RabbitMQProducer) handleReconnect() {
	for {
		select {
		case <-p.done:
			return
		case <-p.reconnectC:
		}

		p.logger.Warn("RabbitMQ connection lost, attempting to reconnect")
		for {
			err := p.connect()
			if err == nil {
				break
			}
			p.logger.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
			select {
			case <-p.done:
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

// Produce публикует данные в exchange; key дописывается к routing key через точку
func (p *RabbitMQProducer) Produce(ctx context.Context, topic string, key string, data interface{}) error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return errors.New("connection is closed")
	}
	ch := p.ch
	p.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		p.signalReconnect()
		return errRabbitNotConnected
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	routingKey := p.cfg.RoutingKey
	if key != "" {
		routingKey = p.cfg.RoutingKey + "." + key
	}

	err = ch.PublishWithContext(ctx,
		p.cfg.Exchange, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
			Type:        topic,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.Debug("Published message to RabbitMQ", zap.String("exchange", p.cfg.Exchange), zap.String("routing_key", routingKey))
	return nil
}

func (p *RabbitMQProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return
	}
	p.isClosed = true
	close(p.done)
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
