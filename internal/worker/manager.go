// internal/worker/manager.go
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"rabbitmq-logsink/internal/broker"
	"rabbitmq-logsink/internal/metrics"
	"rabbitmq-logsink/internal/model"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// State 는 Manager 의 연결 상태.
//
//	Disconnected → Connecting → TopologyReady → Subscribed → Blocked → (실패) → Disconnected
//
// 종료 상태는 없다. 프로세스가 끝날 때까지 순환한다.
type State int32

const (
	Disconnected State = iota
	Connecting
	TopologyReady
	Subscribed
	Blocked
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case TopologyReady:
		return "TopologyReady"
	case Subscribed:
		return "Subscribed"
	case Blocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// Handler 는 delivery 1건을 처리한다. 에러를 돌려주지 않는다 (auto-ack).
type Handler interface {
	Handle(msg model.Message)
}

// HandlerFunc 는 함수를 Handler 로 쓰기 위한 어댑터.
type HandlerFunc func(model.Message)

func (f HandlerFunc) Handle(msg model.Message) { f(msg) }

// Manager 는 broker 구독을 유지하는 재접속 루프다.
//
// 한 iteration:
//  1. Connect (Dialer.Dial)
//  2. DeclareTopology
//  3. Subscribe (auto-ack)
//  4. Blocked: delivery 를 하나씩 순서대로 Handler 에 넘김
//
// 어느 단계든 실패하면 로그를 남기고 RetryDelay 만큼 기다린 뒤 1 부터 다시 시작한다.
// 재시도 횟수 제한, backoff, jitter 없음.
//
// delivery 처리는 Run 을 호출한 goroutine 하나에서만 일어난다.
// worker pool 을 두면 로그 파일 기록 순서가 깨지므로 두지 않는다.
type Manager struct {
	dialer     broker.Dialer
	topology   broker.Topology
	handler    Handler
	retryDelay time.Duration
	metrics    *metrics.Metrics

	state atomic.Int32

	// now 는 수신 시각. 테스트에서 교체한다.
	now func() time.Time
}

// NewManager 는 재접속 루프를 구성한다. Run 을 호출하기 전까지는 아무것도 하지 않는다.
func NewManager(d broker.Dialer, t broker.Topology, h Handler, retryDelay time.Duration, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		dialer:     d,
		topology:   t,
		handler:    h,
		retryDelay: retryDelay,
		metrics:    m,
		now:        time.Now,
	}
}

// State 는 현재 상태. /health 에서 다른 goroutine 이 읽는다.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Run 은 ctx 가 취소될 때까지 반환하지 않는다.
// 반환값은 항상 ctx.Err() 이다.
func (m *Manager) Run(ctx context.Context) error {
	for {
		err := m.runOnce(ctx)
		m.setState(Disconnected)

		if ctx.Err() != nil {
			log.Info().Msg("consumer loop stopped")
			return ctx.Err()
		}

		m.countFailure(err)
		log.Error().Err(err).Dur("retry_in", m.retryDelay).Msg(failurePrefix(err))

		select {
		case <-ctx.Done():
			log.Info().Msg("consumer loop stopped")
			return ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}
}

// runOnce 는 Connect → DeclareTopology → Subscribe → Blocked 한 번을 수행한다.
// 실패 또는 연결 종료 시 에러를 돌려준다. 세션은 항상 닫힌다.
func (m *Manager) runOnce(ctx context.Context) error {
	atomic.AddInt64(&m.metrics.ConnectAttemptsTotal, 1)
	m.setState(Connecting)

	sess, err := m.dialer.Dial(ctx)
	if err != nil {
		return &stageError{stage: stageConnect, err: err}
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("session close")
		}
	}()

	if err := sess.DeclareTopology(m.topology); err != nil {
		return &stageError{stage: stageTopology, err: err}
	}
	m.setState(TopologyReady)

	deliveries, err := sess.Subscribe(m.topology.Queue)
	if err != nil {
		return &stageError{stage: stageSubscribe, err: err}
	}
	m.setState(Subscribed)

	log.Info().
		Str("exchange", m.topology.Exchange).
		Str("queue", m.topology.Queue).
		Msg("[*] subscribed to exchange")

	m.setState(Blocked)
	return m.consume(ctx, deliveries, sess.NotifyClose())
}

// consume 은 연결이 살아있는 동안 delivery 를 순서대로 처리한다.
func (m *Manager) consume(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-closed:
			if err == nil {
				err = broker.ErrConnectionLost
			}
			return &stageError{stage: stageBlocked, err: err}

		case d, ok := <-deliveries:
			if !ok {
				return &stageError{stage: stageBlocked, err: broker.ErrConnectionLost}
			}
			m.handler.Handle(model.Message{
				Body:       d.Body,
				ReceivedAt: m.now(),
			})
		}
	}
}

func (m *Manager) countFailure(err error) {
	switch {
	case errors.Is(err, broker.ErrTopologyConflict):
		atomic.AddInt64(&m.metrics.TopologyConflictTotal, 1)
	case errors.Is(err, broker.ErrConnectionLost):
		atomic.AddInt64(&m.metrics.ConnectionLostTotal, 1)
	default:
		atomic.AddInt64(&m.metrics.BrokerUnavailableTotal, 1)
	}
}

type stage string

const (
	stageConnect   stage = "connect failed"
	stageTopology  stage = "topology declare failed"
	stageSubscribe stage = "subscribe failed"
	stageBlocked   stage = "connection lost"
)

// stageError 는 어느 단계에서 실패했는지를 붙인다.
type stageError struct {
	stage stage
	err   error
}

func (e *stageError) Error() string { return string(e.stage) + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func failurePrefix(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return string(se.stage)
	}
	return "connection failed"
}
