// internal/logfile/writer.go
package logfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"rabbitmq-logsink/internal/metrics"
	"rabbitmq-logsink/internal/model"

	"github.com/rs/zerolog/log"
)

// TimestampLayout 는 레코드 앞의 시각 포맷. 24시간제, 밀리초.
const TimestampLayout = "2006-01-02 15:04:05.000"

const defaultFileMode = 0o644

var (
	// ErrLogWrite 는 로그 파일 open/write 실패. 해당 레코드만 버린다.
	ErrLogWrite = errors.New("logfile: write failed")

	// ErrLogRotation 은 rename 실패. 크기 초과 파일에 계속 append 한다.
	ErrLogRotation = errors.New("logfile: rotation failed")
)

// Writer 는 수신 메시지를 로그 파일에 한 줄씩 기록하고,
// 파일 크기가 MaxBytes 를 넘으면 rotation 한다.
//
// 동시 호출을 가정하지 않는다. Manager 가 delivery 를 하나씩
// 순서대로 넘기기 때문에 별도의 lock 이 없다.
type Writer struct {
	path     string
	maxBytes int64
	metrics  *metrics.Metrics

	// now 는 테스트에서 고정 시각을 넣기 위한 hook.
	now func() time.Time

	// onRotate 는 rotation 성공 시 호출된다. 블로킹하면 안 된다.
	onRotate func(model.Archive)
}

// Option 은 Writer 생성 옵션.
type Option func(*Writer)

// WithClock 은 시각 함수를 교체한다.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithRotateHook 은 rotation 된 archive 를 넘겨받을 함수를 등록한다.
func WithRotateHook(fn func(model.Archive)) Option {
	return func(w *Writer) { w.onRotate = fn }
}

// NewWriter 는 path 에 기록하는 Writer 를 만든다. 파일은 첫 기록 때 생성된다.
func NewWriter(path string, maxBytes int64, m *metrics.Metrics, opts ...Option) *Writer {
	if m == nil {
		m = metrics.New()
	}
	w := &Writer{
		path:     path,
		maxBytes: maxBytes,
		metrics:  m,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle 은 delivery callback 이다.
//  1. 크기 검사 후 필요하면 rotation
//  2. 레코드 append
//
// 어떤 실패도 호출자에게 돌려주지 않는다. 메시지는 이미 auto-ack 되었으므로
// 실패한 레코드는 보고만 하고 버린다.
func (w *Writer) Handle(msg model.Message) {
	atomic.AddInt64(&w.metrics.MessagesReceivedTotal, 1)

	ts := msg.ReceivedAt
	if ts.IsZero() {
		ts = w.now()
	}

	log.Info().Str("record", recordLine(ts, msg.Body)).Msg("[x] received")

	if _, err := w.CheckAndRotate(); err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("log rotation failed")
	}

	if err := w.AppendRecord(ts, msg.Body); err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("failed to write message to log file")
	}
}

// CheckAndRotate
//
// 파일이 존재하고 크기가 maxBytes 를 "초과"하면 <path>.<epoch millis> 로 rename 한다.
// 파일이 없거나 크기가 한도 이내이면 아무것도 하지 않는다.
//
// 반환값:
//   - rotated: rename 된 archive 경로 (rotation 이 없으면 "")
//   - err: ErrLogRotation 을 감싼 에러
//
// check-then-act 이므로 파일이 한도를 레코드 1개 길이만큼 넘는 것은 허용된다.
func (w *Writer) CheckAndRotate() (string, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		atomic.AddInt64(&w.metrics.RotationErrorsTotal, 1)
		return "", fmt.Errorf("%w: stat %s: %v", ErrLogRotation, w.path, err)
	}

	if info.Size() <= w.maxBytes {
		return "", nil
	}

	rotatedAt := w.now()
	rotated := RotatedName(w.path, rotatedAt)

	if err := os.Rename(w.path, rotated); err != nil {
		atomic.AddInt64(&w.metrics.RotationErrorsTotal, 1)
		return "", fmt.Errorf("%w: rename %s: %v", ErrLogRotation, w.path, err)
	}

	atomic.AddInt64(&w.metrics.RotationsTotal, 1)
	log.Info().Str("archive", rotated).Int64("size", info.Size()).Msg("[!] log rotated")

	if w.onRotate != nil {
		w.onRotate(model.Archive{
			Path:      rotated,
			Source:    w.path,
			RotatedAt: rotatedAt,
			SizeBytes: info.Size(),
		})
	}

	return rotated, nil
}

// AppendRecord 는 파일을 append 모드로 열어(없으면 생성) 한 줄을 쓰고 닫는다.
func (w *Writer) AppendRecord(ts time.Time, payload []byte) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		atomic.AddInt64(&w.metrics.RecordWriteErrorsTotal, 1)
		return fmt.Errorf("%w: open: %v", ErrLogWrite, err)
	}

	line := FormatRecord(ts, payload)
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		atomic.AddInt64(&w.metrics.RecordWriteErrorsTotal, 1)
		return fmt.Errorf("%w: write: %v", ErrLogWrite, err)
	}
	if err := f.Close(); err != nil {
		atomic.AddInt64(&w.metrics.RecordWriteErrorsTotal, 1)
		return fmt.Errorf("%w: close: %v", ErrLogWrite, err)
	}

	atomic.AddInt64(&w.metrics.RecordsWrittenTotal, 1)
	return nil
}

// FormatRecord 는 로그 파일 한 줄을 만든다 (개행 포함).
//
//	2024-01-01 10:00:00.000 [x] Received: 'hello'
//
// payload 는 UTF-8 로 해석해 넣는다. 따옴표/개행 escape 하지 않는다.
// 잘못된 바이트는 바이트마다 U+FFFD 하나로 바뀐다.
func FormatRecord(ts time.Time, payload []byte) string {
	return recordLine(ts, payload) + "\n"
}

func recordLine(ts time.Time, payload []byte) string {
	return ts.Format(TimestampLayout) + " [x] Received: '" + decodeUTF8(payload) + "'"
}

// decodeUTF8 는 payload 를 문자열로 바꾼다. 유효한 UTF-8 은 그대로 둔다.
// strings.ToValidUTF8 는 연속된 잘못된 바이트를 U+FFFD 하나로 합치므로 쓰지 않는다.
func decodeUTF8(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}

	var b strings.Builder
	b.Grow(len(payload) + 8)
	for len(payload) > 0 {
		r, size := utf8.DecodeRune(payload)
		b.WriteRune(r) // 잘못된 바이트면 r == utf8.RuneError, size == 1
		payload = payload[size:]
	}
	return b.String()
}

// RotatedName 은 rotation 후 파일명: <path>.<epoch millis>
// 같은 밀리초에 두 번 rotation 되면 이름이 겹칠 수 있다 (허용).
func RotatedName(path string, at time.Time) string {
	return path + "." + strconv.FormatInt(at.UnixMilli(), 10)
}
