package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"rabbitmq-logsink/internal/broker"
	"rabbitmq-logsink/internal/config"
	"rabbitmq-logsink/internal/logfile"
	"rabbitmq-logsink/internal/logger"
	"rabbitmq-logsink/internal/metrics"
	"rabbitmq-logsink/internal/server"
	"rabbitmq-logsink/internal/worker"

	"github.com/rs/zerolog/log"
)

func main() {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	//
	// delivery 처리는 goroutine 하나에서 순서대로 일어나므로
	// 코어를 많이 줘도 처리량은 늘지 않는다. 기본 1.
	// GOMAXPROCS 환경변수로 재정의 가능.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1)
	}

	// ====================================================================
	// Config
	// ====================================================================
	//
	// 환경변수 기반. 형식이 잘못된 값(예: LOG_MAX_SIZE=250KB)이면
	// 여기서 프로세스가 종료된다. 이것이 유일한 fatal 경로.
	// ====================================================================
	cfg := config.Load()

	// 기동 배너 (stdout). 비밀번호가 마스킹 없이 찍힌다.
	fmt.Print(cfg.Banner())

	logger.Init(cfg)
	m := metrics.New()

	// ====================================================================
	// 종료 신호
	// ====================================================================
	//
	// SIGTERM/SIGINT 가 오면 ctx 를 취소한다.
	// 진행 중인 레코드 1건을 마친 뒤 루프가 빠져나오며 별도의 drain 은 없다.
	// ====================================================================
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ====================================================================
	// Archive 전송 (옵션)
	// ====================================================================
	//
	// ARCHIVE_S3_BUCKET 이 설정된 경우에만 rotation 된 파일의 gzip 사본을 S3 로 보낸다.
	// S3 설정 실패는 archive 전송만 끄고 메시지 기록은 계속한다.
	// ====================================================================
	var opts []logfile.Option
	var archiver *worker.Archiver

	if cfg.ArchiveEnabled() {
		uploader, err := worker.NewS3Uploader(ctx, cfg, m)
		if err != nil {
			log.Error().Err(err).Msg("archive shipping disabled")
		} else {
			archiver = worker.NewArchiver(cfg, m, uploader)
			archiver.Start()
			opts = append(opts, logfile.WithRotateHook(archiver.Enqueue))
		}
	}

	// ====================================================================
	// Log Writer + Connection Manager
	// ====================================================================
	writer := logfile.NewWriter(cfg.LogFilePath, cfg.LogMaxSize, m, opts...)

	dialer := broker.AMQPDialer{
		URL:       cfg.URL(),
		Heartbeat: cfg.Heartbeat,
	}
	topology := broker.Topology{
		Exchange: cfg.Exchange,
		Queue:    cfg.Queue,
	}
	mgr := worker.NewManager(dialer, topology, writer, cfg.RetryDelay, m)

	// ====================================================================
	// HTTP (옵션): /metrics, /health
	// ====================================================================
	var srv *http.Server
	if cfg.HTTPAddr != "" {
		h := server.NewHandler(cfg, m, mgr)
		srv = &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      h.Routes(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server terminated")
			}
		}()
	}

	log.Info().
		Str("host", cfg.Host).
		Str("exchange", cfg.Exchange).
		Str("queue", cfg.Queue).
		Str("log_file", cfg.LogFilePath).
		Int64("log_max_size", cfg.LogMaxSize).
		Msg("consumer starting")

	// 취소될 때까지 반환하지 않는다.
	_ = mgr.Run(ctx)

	// ====================================================================
	// 정리
	// ====================================================================
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		cancel()
	}
	if archiver != nil {
		archiver.Shutdown()
	}
	log.Info().Msg("shutdown complete")
}
