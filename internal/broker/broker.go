// Package broker wraps the RabbitMQ client for the consumer loop.
//
// Manager 는 Dialer / Session 인터페이스만 알고 있으며,
// 실제 AMQP 구현(amqp091-go)은 이 패키지 안에 숨겨져 있다.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrBrokerUnavailable: 접속 불가, 인증 거부, channel open 실패.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrTopologyConflict: 같은 이름의 exchange/queue 가 다른 속성으로 이미 존재.
	// durability 불일치는 자동으로 고칠 수 없으므로 재시도만 한다.
	ErrTopologyConflict = errors.New("topology conflict")

	// ErrConnectionLost: 구독 중 연결/채널이 닫힘.
	ErrConnectionLost = errors.New("connection lost")
)

// Topology 는 선언할 exchange / queue / binding.
// exchange 는 durable fanout, queue 는 durable / non-exclusive / non-auto-delete,
// binding key 는 항상 "" 이다.
type Topology struct {
	Exchange string
	Queue    string
}

// Session 은 열린 connection + channel 하나.
type Session interface {
	// DeclareTopology 는 exchange, queue, binding 을 선언한다 (idempotent).
	DeclareTopology(t Topology) error

	// Subscribe 는 auto-ack 모드로 consumer 를 등록하고 delivery 채널을 돌려준다.
	// 연결이 끊기면 채널은 닫힌다.
	Subscribe(queue string) (<-chan amqp.Delivery, error)

	// NotifyClose 는 connection 또는 channel 이 닫힐 때 에러를 한 번 전달한다.
	NotifyClose() <-chan error

	Close() error
}

// Dialer 는 매 재시도마다 새 Session 을 만든다.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// AMQPDialer 는 amqp091-go 기반 Dialer.
type AMQPDialer struct {
	URL         string
	Heartbeat   time.Duration
	ConsumerTag string
}

// dialTimeout 은 TCP 접속과 AMQP handshake 에 주는 시간 (amqp091-go 기본값과 같다).
const dialTimeout = 30 * time.Second

// Dial 은 connection 과 channel 을 연다.
// 실패는 모두 ErrBrokerUnavailable 로 감싼다. ctx 가 취소되면 ctx.Err() 를 돌려준다.
//
// ctx 취소는 TCP 접속 중에도, handshake 중에도 즉시 반영된다
// (소켓을 닫아서 블로킹된 read 를 깨운다).
func (d AMQPDialer) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Dial 콜백은 DialConfig 안에서 동기로 호출되므로 stop 은 같은 goroutine 에서만 만진다.
	stop := func() bool { return true }

	cfg := amqp.Config{
		Heartbeat: d.Heartbeat,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "rabbitmq-logsink",
		},
		Dial: func(network, addr string) (net.Conn, error) {
			nd := net.Dialer{Timeout: dialTimeout}
			c, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// handshake 가 끝나면 amqp091-go 가 deadline 을 해제한다.
			if err := c.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
				_ = c.Close()
				return nil, err
			}
			stop = context.AfterFunc(ctx, func() { _ = c.Close() })
			return c, nil
		},
	}

	conn, err := amqp.DialConfig(d.URL, cfg)
	canceled := !stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrBrokerUnavailable, err)
	}
	if canceled {
		_ = conn.Close()
		return nil, ctx.Err()
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", ErrBrokerUnavailable, err)
	}

	s := &amqpSession{
		conn:    conn,
		ch:      ch,
		tag:     d.ConsumerTag,
		closeCh: make(chan error, 1),
	}
	s.watch()
	return s, nil
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	tag  string

	closeCh   chan error
	closeOnce sync.Once
}

// watch 는 connection / channel 의 close 알림을 하나의 채널로 합친다.
func (s *amqpSession) watch() {
	connClosed := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := s.ch.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		var amqpErr *amqp.Error
		var ok bool
		var src string

		select {
		case amqpErr, ok = <-connClosed:
			src = "connection"
		case amqpErr, ok = <-chClosed:
			src = "channel"
		}

		var err error
		switch {
		case !ok || amqpErr == nil:
			// 우리가 Close() 한 경우 (graceful)
			err = fmt.Errorf("%w: %s closed", ErrConnectionLost, src)
		default:
			err = fmt.Errorf("%w: %s closed: %v", ErrConnectionLost, src, amqpErr)
		}

		s.closeCh <- err
	}()
}

func (s *amqpSession) DeclareTopology(t Topology) error {
	err := s.ch.ExchangeDeclare(
		t.Exchange, // name
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return classify("declare exchange "+t.Exchange, err)
	}

	_, err = s.ch.QueueDeclare(
		t.Queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return classify("declare queue "+t.Queue, err)
	}

	err = s.ch.QueueBind(
		t.Queue,    // queue name
		"",         // routing key (fanout 은 무시)
		t.Exchange, // exchange
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return classify("bind queue "+t.Queue, err)
	}
	return nil
}

func (s *amqpSession) Subscribe(queue string) (<-chan amqp.Delivery, error) {
	msgs, err := s.ch.Consume(
		queue, // queue
		s.tag, // consumer
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, classify("consume "+queue, err)
	}
	return msgs, nil
}

func (s *amqpSession) NotifyClose() <-chan error {
	return s.closeCh
}

// Close 는 channel → connection 순으로 닫는다. 여러 번 호출해도 안전하다.
func (s *amqpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := s.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
			err = cerr
		}
	})
	return err
}

// classify 는 broker 가 돌려준 에러를 ErrTopologyConflict / ErrBrokerUnavailable 로 나눈다.
// 406 PRECONDITION_FAILED 는 기존 정의와 속성이 다르다는 뜻이다.
func classify(op string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("%w: %s: %v", ErrTopologyConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, op, err)
}
