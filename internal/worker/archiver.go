// internal/worker/archiver.go
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"rabbitmq-logsink/internal/config"
	"rabbitmq-logsink/internal/metrics"
	"rabbitmq-logsink/internal/model"

	"github.com/rs/zerolog/log"
)

// ObjectStore 는 Archiver 가 쓰는 업로드 기능. S3Uploader 가 구현한다.
type ObjectStore interface {
	UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte, contentType string) error
}

// Archiver 는 rotation 된 로그 파일의 gzip 사본과 manifest 를 S3 에 올린다.
//
//   - Enqueue 는 delivery 경로(Writer 의 rotate hook)에서 호출되므로 절대 블로킹하지 않는다.
//     큐가 가득 차면 해당 archive 는 전송하지 않고 경고만 남긴다.
//   - 업로드는 별도 goroutine 하나가 순서대로 처리한다.
//   - 로컬 archive 파일은 읽기만 한다. 삭제/변경하지 않는다.
type Archiver struct {
	cfg     config.Config
	metrics *metrics.Metrics
	store   ObjectStore
	encoder *Encoder

	queue chan model.Archive

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewArchiver 는 전송 큐를 만든다. Start 전에 Enqueue 된 archive 는 큐에 쌓인다.
func NewArchiver(cfg config.Config, m *metrics.Metrics, store ObjectStore) *Archiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Archiver{
		cfg:     cfg,
		metrics: m,
		store:   store,
		encoder: NewEncoder(),
		queue:   make(chan model.Archive, cfg.ArchiveQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 는 업로드 goroutine 을 실행한다.
func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.shipLoop()
}

// Shutdown 은 진행 중인 업로드를 취소하고 goroutine 종료를 기다린다.
// 큐에 남은 archive 는 로컬 파일로만 남는다.
func (a *Archiver) Shutdown() {
	a.stopOnce.Do(func() {
		a.cancel()
	})
	a.wg.Wait()

	if n := len(a.queue); n > 0 {
		log.Warn().Int("pending", n).Msg("archiver stopped with pending archives")
	}
}

// Enqueue 는 archive 를 전송 큐에 넣는다 (non-blocking).
func (a *Archiver) Enqueue(arc model.Archive) {
	select {
	case <-a.ctx.Done():
		atomic.AddInt64(&a.metrics.ArchivesDroppedTotal, 1)
		return
	default:
	}

	select {
	case a.queue <- arc:
	default:
		atomic.AddInt64(&a.metrics.ArchivesDroppedTotal, 1)
		log.Warn().Str("archive", arc.Path).Msg("archive queue full, not shipping")
	}
}

func (a *Archiver) shipLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return

		case arc := <-a.queue:
			if err := a.Ship(a.ctx, arc); err != nil {
				atomic.AddInt64(&a.metrics.ArchiveErrorsTotal, 1)
				log.Error().Err(err).Str("archive", arc.Path).Msg("archive shipping failed")
				continue
			}
			atomic.AddInt64(&a.metrics.ArchivesShippedTotal, 1)
		}
	}
}

// Ship 은 archive 1개를 압축해 업로드하고, 이어서 manifest 를 올린다.
//
//	<prefix>/dt=YYYY-MM-DD/hr=HH/<instance>_<name>.<millis>.gz
//	<prefix>/dt=YYYY-MM-DD/hr=HH/<instance>_<name>.<millis>.gz.meta.json
func (a *Archiver) Ship(ctx context.Context, arc model.Archive) error {
	raw, err := os.ReadFile(arc.Path)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	data, err := a.encoder.Gzip(raw)
	if err != nil {
		return fmt.Errorf("gzip archive: %w", err)
	}

	key := BuildS3Key(a.cfg.ArchivePrefix, arc.RotatedAt, ArchiveObjectName(a.cfg.InstanceID, arc.Path))
	if err := a.store.UploadBytesWithRetryCtx(ctx, key, data, "application/gzip"); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	meta, err := a.encoder.Manifest(model.ArchiveManifest{
		Source:          arc.Source,
		Archive:         arc.Path,
		Instance:        a.cfg.InstanceID,
		RotatedAtMillis: arc.RotatedAt.UnixMilli(),
		SizeBytes:       int64(len(raw)),
		GzipBytes:       int64(len(data)),
	})
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	// manifest 실패는 archive 본체가 이미 올라갔으므로 경고만 한다.
	if err := a.store.UploadBytesWithRetryCtx(ctx, ManifestKey(key), meta, "application/json"); err != nil {
		log.Warn().Err(err).Str("key", ManifestKey(key)).Msg("manifest upload failed")
	}

	log.Info().Str("archive", arc.Path).Str("key", key).Int("bytes", len(data)).Msg("archive shipped")
	return nil
}
