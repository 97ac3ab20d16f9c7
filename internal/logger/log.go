// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"rabbitmq-logsink/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번 호출해 운영 로그(stdout)를 설정한다.
// 수신 메시지를 기록하는 로그 파일(LOG_FILE_PATH)과는 별개이며,
// 이쪽은 접속 실패 / rotation 실패 / 쓰기 실패 등 운영 이벤트만 남긴다.
//
//	LOG_LEVEL    : debug | info | warn | error (잘못된 값이면 info)
//	LOG_PRETTY   : true 면 콘솔 포맷, 아니면 JSON 한 줄
//	LOG_SAMPLE_N : N > 1 이면 Debug/Info 를 N 개 중 1 개만 남긴다
//
// 모든 로그에는 service, instance 필드가 붙는다.
func Init(cfg config.Config) {
	InitWriter(cfg, os.Stdout)
}

// InitWriter 는 출력 대상을 지정할 수 있는 Init. 테스트에서 buffer 를 넘긴다.
func InitWriter(cfg config.Config, out io.Writer) {
	level := parseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(output(out, cfg.LogPretty)).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	zlog.Logger = sampled(logger, cfg.LogSampleN)

	// 표준 log 패키지도 같은 출력으로. 시각은 zerolog 가 찍는다.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// parseLevel 은 빈 값, 알 수 없는 값, NoLevel 을 모두 info 로 본다.
func parseLevel(s string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

func output(out io.Writer, pretty bool) io.Writer {
	if !pretty {
		return out
	}
	// 예: 10:00:05 INF [*] subscribed to exchange queue=my_queue
	return zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
}

// sampled
//
// 메시지 수신 echo(Info)가 로그의 대부분을 차지하므로 n > 1 이면 Debug/Info 만 줄인다.
// Warn/Error 는 sampler 가 nil 이라 전부 남는다.
func sampled(l zerolog.Logger, n uint32) zerolog.Logger {
	if n <= 1 {
		return l
	}
	return l.Sample(&zerolog.LevelSampler{
		DebugSampler: &zerolog.BasicSampler{N: n},
		InfoSampler:  &zerolog.BasicSampler{N: n},
	})
}
