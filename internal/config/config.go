// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// 기본값. LOG_MAX_SIZE 기본값은 250KB (250 * 1024).
const (
	DefaultExchange    = "my_exchange"
	DefaultQueue       = "my_queue"
	DefaultHost        = "localhost"
	DefaultUser        = "guest"
	DefaultPassword    = "guest"
	DefaultLogFilePath = "/var/log/message-consumed-from-RabbitMQ.log"
	DefaultLogMaxSize  = 250 * 1024

	DefaultPort        = 5672
	DefaultVHost       = "/"
	DefaultHeartbeat   = 10 * time.Second
	DefaultRetryDelay  = 5 * time.Second
	DefaultServiceName = "rabbitmq-logsink"
)

// Config
//
// 프로세스 시작 시 Load() 로 한 번만 채워지는 설정 값.
// 이후에는 변경되지 않는 불변(read-only) 값이므로 동기화가 필요 없다.
// 모든 필드는 환경변수가 비어 있으면 기본값을 갖는다.
type Config struct {

	// ---------------------------
	// RabbitMQ 접속 / 토폴로지
	// ---------------------------

	Exchange  string        // fanout exchange 이름
	Queue     string        // durable queue 이름
	Host      string        // broker host
	Port      int           // broker port
	VHost     string        // virtual host
	User      string        // broker 계정
	Password  string        // broker 비밀번호
	Heartbeat time.Duration // AMQP heartbeat 주기

	// 재접속 대기 시간. 고정값이며 backoff/jitter 없음.
	RetryDelay time.Duration

	// ---------------------------
	// 메시지 로그 파일
	// ---------------------------

	LogFilePath string // 수신 메시지를 기록할 파일
	LogMaxSize  int64  // 이 크기(바이트)를 "초과"하면 rotation

	// ---------------------------
	// 운영 로그 / 식별자
	// ---------------------------

	ServiceName string
	InstanceID  string
	LogLevel    string
	LogPretty   bool
	LogSampleN  uint32

	HTTPAddr string // /metrics, /health. 비어 있으면 HTTP 서버를 띄우지 않는다.

	// ---------------------------
	// rotation 된 archive 의 S3 전송 (옵션)
	// ---------------------------

	ArchiveBucket string // 비어 있으면 전송 비활성화
	ArchivePrefix string
	ArchiveQueue  int
	AWSRegion     string
	S3Timeout     time.Duration
	S3AppRetries  int
}

// Load
//
// 환경 변수 기반으로 Config 를 초기화한다.
// 값의 형식이 잘못된 경우(예: LOG_MAX_SIZE 가 정수가 아님) 즉시 종료(fail-fast).
// 잘못된 값으로 조용히 진행하는 것보다 기동 실패가 낫다.
func Load() Config {
	cfg, err := Parse(os.LookupEnv)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	return cfg
}

// Parse 는 lookup 함수로 환경변수를 읽어 Config 를 만든다.
// 테스트에서는 map 기반 lookup 을 넘긴다.
func Parse(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}

	cfg := Config{
		Exchange:   e.getStr("RABBITMQ_EXCHANGE", DefaultExchange),
		Queue:      e.getStr("RABBITMQ_QUEUE", DefaultQueue),
		Host:       e.getStr("RABBITMQ_HOST", DefaultHost),
		Port:       e.getInt("RABBITMQ_PORT", DefaultPort),
		VHost:      e.getStr("RABBITMQ_VHOST", DefaultVHost),
		User:       e.getStr("RABBITMQ_USER", DefaultUser),
		Password:   e.getStr("RABBITMQ_PASS", DefaultPassword),
		Heartbeat:  e.getDur("RABBITMQ_HEARTBEAT", DefaultHeartbeat),
		RetryDelay: e.getDur("RETRY_DELAY", DefaultRetryDelay),

		LogFilePath: e.getStr("LOG_FILE_PATH", DefaultLogFilePath),
		LogMaxSize:  e.getInt64("LOG_MAX_SIZE", DefaultLogMaxSize),

		ServiceName: e.getStr("SERVICE_NAME", DefaultServiceName),
		InstanceID:  e.getStr("INSTANCE_ID", ""),
		LogLevel:    e.getStr("LOG_LEVEL", "info"),
		LogPretty:   e.getBool("LOG_PRETTY", false),

		HTTPAddr: e.getStr("HTTP_ADDR", ""),

		ArchiveBucket: e.getStr("ARCHIVE_S3_BUCKET", ""),
		ArchivePrefix: strings.Trim(e.getStr("ARCHIVE_S3_PREFIX", "archive"), "/"),
		ArchiveQueue:  e.getInt("ARCHIVE_QUEUE", 16),
		AWSRegion:     e.getStr("AWS_REGION", ""),
		S3Timeout:     e.getDur("S3_TIMEOUT", 10*time.Second),
		S3AppRetries:  e.getInt("S3_APP_RETRIES", 3),
	}

	cfg.LogSampleN = e.getUint32("LOG_SAMPLE_N", 0)

	if e.err != nil {
		return Config{}, e.err
	}

	if cfg.LogMaxSize < 0 {
		return Config{}, fmt.Errorf("LOG_MAX_SIZE must not be negative: %d", cfg.LogMaxSize)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("RABBITMQ_PORT out of range: %d", cfg.Port)
	}
	if cfg.RetryDelay <= 0 {
		return Config{}, fmt.Errorf("RETRY_DELAY must be positive: %s", cfg.RetryDelay)
	}
	if cfg.ArchiveQueue <= 0 {
		cfg.ArchiveQueue = 1
	}
	if cfg.S3AppRetries <= 0 {
		cfg.S3AppRetries = 1
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = fallbackInstanceID()
	}

	return cfg, nil
}

// URL 은 amqp091 Dial 에 넘길 접속 URI 를 만든다.
// 계정/비밀번호의 escape 는 amqp.URI 가 처리한다.
func (c Config) URL() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.VHost,
	}.String()
}

// Banner 는 기동 시 stdout 에 출력하는 접속/로그 파라미터 블록.
//
// 주의: RABBITMQ_PASS 가 마스킹 없이 그대로 출력된다.
// 기존 운영 스크립트가 이 출력에 의존할 수 있어 형태를 유지한다.
func (c Config) Banner() string {
	var sb strings.Builder
	sb.WriteString("trying-to-connect-into:\n")
	fmt.Fprintf(&sb, "RABBITMQ_HOST:%s\n", c.Host)
	fmt.Fprintf(&sb, "RABBITMQ_USER:%s\n", c.User)
	fmt.Fprintf(&sb, "RABBITMQ_PASS:%s\n", c.Password)
	fmt.Fprintf(&sb, "RABBITMQ_QUEUE:%s\n", c.Queue)
	fmt.Fprintf(&sb, "check-messages-log-on:%s\n", c.LogFilePath)
	return sb.String()
}

// ArchiveEnabled 는 S3 archive 전송 여부.
func (c Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// env 는 첫 번째 파싱 에러만 기억한다.
// 빈 문자열은 "설정 안 됨"으로 취급해 기본값을 쓴다.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *env) getStr(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) getInt(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid int env %s=%q: %w", key, v, err))
		return def
	}
	return n
}

func (e *env) getInt64(key string, def int64) int64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(fmt.Errorf("invalid int64 env %s=%q: %w", key, v, err))
		return def
	}
	return n
}

func (e *env) getUint32(key string, def uint32) uint32 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		e.fail(fmt.Errorf("invalid uint32 env %s=%q: %w", key, v, err))
		return def
	}
	return uint32(n)
}

func (e *env) getDur(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid duration env %s=%q: %w", key, v, err))
		return def
	}
	return d
}

func (e *env) getBool(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid bool env %s=%q: %w", key, v, err))
		return def
	}
	return b
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// fallbackInstanceID
//
// 인스턴스 식별 값.
//   - 기본: hostname
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
