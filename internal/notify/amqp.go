package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DefaultAMQPExchange    = "qms.events"
	defaultAMQPDialTimeout = 5 * time.Second
)

// ErrAMQPUnavailable is returned by Publish while no channel is open. A
// background reconnect is already running when it is returned.
var ErrAMQPUnavailable = errors.New("amqp: no open channel")

type AMQPOptions struct {
	URL         string
	Exchange    string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// AMQPPublisher writes events to a durable topic exchange for downstream
// consumers such as notification senders. The routing key is the event type.
// Publish never dials; connection loss is repaired in the background.
type AMQPPublisher struct {
	url         string
	exchange    string
	dialTimeout time.Duration
	logger      *zap.Logger

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
}

func NewAMQPPublisher(options AMQPOptions) *AMQPPublisher {
	exchange := options.Exchange
	if exchange == "" {
		exchange = DefaultAMQPExchange
	}
	timeout := options.DialTimeout
	if timeout <= 0 {
		timeout = defaultAMQPDialTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	life, cancel := context.WithCancel(context.Background())
	return &AMQPPublisher{
		url:         options.URL,
		exchange:    exchange,
		dialTimeout: timeout,
		logger:      logger.Named("amqp"),
		life:        life,
		cancel:      cancel,
	}
}

// Start connects once and, on failure, leaves a background reconnect
// running so the caller can continue without the broker.
func (p *AMQPPublisher) Start(ctx context.Context) {
	if err := p.Connect(ctx); err != nil {
		p.logger.Warn("broker unavailable, reconnecting in background", zap.Error(err))
		p.scheduleReconnect()
	}
}

// Connect dials the broker and declares the exchange. Both the TCP dial and
// the AMQP handshake stop at ctx's deadline, the dial timeout, or Close.
func (p *AMQPPublisher) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	stopOnClose := context.AfterFunc(p.life, cancel)
	defer stopOnClose()

	var stopDeadline func() bool
	dial := func(network, addr string) (net.Conn, error) {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		stopDeadline = context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
		return conn, nil
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Dial:      dial,
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if stopDeadline != nil {
		stopDeadline()
	}
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	p.mu.Lock()
	if p.life.Err() != nil {
		p.mu.Unlock()
		_ = conn.Close()
		return p.life.Err()
	}
	p.conn = conn
	p.ch = ch
	p.wg.Add(1)
	p.mu.Unlock()

	go p.watch(ch, ch.NotifyClose(make(chan *amqp.Error, 1)))
	p.logger.Info("connected", zap.String("exchange", p.exchange))
	return nil
}

func (p *AMQPPublisher) watch(ch *amqp.Channel, closed chan *amqp.Error) {
	defer p.wg.Done()
	select {
	case <-p.life.Done():
	case amqpErr := <-closed:
		p.dropChannel(ch)
		if amqpErr != nil {
			p.logger.Warn("channel closed", zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))
		}
		p.scheduleReconnect()
	}
}

func (p *AMQPPublisher) dropChannel(ch *amqp.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != ch {
		return
	}
	p.ch = nil
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) scheduleReconnect() {
	p.mu.Lock()
	if p.reconnecting || p.life.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.reconnecting = false
			p.mu.Unlock()
		}()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 200 * time.Millisecond
		policy.MaxInterval = 10 * time.Second
		_, _ = backoff.Retry(p.life, func() (struct{}, error) {
			return struct{}{}, p.Connect(p.life)
		},
			backoff.WithBackOff(policy),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				p.logger.Debug("reconnect failed", zap.Error(err), zap.Duration("retry_in", next))
			}),
		)
	}()
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		p.scheduleReconnect()
		return ErrAMQPUnavailable
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    event.CreatedAt,
		Type:         event.Type,
		Body:         body,
	})
	if errors.Is(err, amqp.ErrClosed) {
		p.dropChannel(ch)
		p.scheduleReconnect()
	}
	return err
}

func (p *AMQPPublisher) Close() error {
	p.cancel()
	p.mu.Lock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	p.ch = nil
	p.conn = nil
	p.mu.Unlock()
	p.wg.Wait()
	return errors.Join(errs...)
}
