// internal/worker/s3_uploader.go
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"rabbitmq-logsink/internal/config"
	"rabbitmq-logsink/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Uploader 는 archive 와 manifest 를 S3 에 올린다.
//
// 재시도는 애플리케이션 레벨(S3AppRetries)에서만 한다.
// SDK 자체 retry 와 겹치면 전송 지연을 예측할 수 없으므로 SDK retry 는 0 으로 고정.
type S3Uploader struct {
	cfg     config.Config
	metrics *metrics.Metrics
	client  *s3.Client
}

// NewS3Uploader 는 AWS 설정을 읽어 S3 client 를 만든다.
func NewS3Uploader(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Uploader, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Uploader{
		cfg:     cfg,
		metrics: m,
		client:  client,
	}, nil
}

// newS3Client 는 region(비어 있으면 SDK 기본 체인)과 retry 설정을 적용한다.
func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	var opts []func(*awsCfgLib.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsCfgLib.WithRegion(cfg.AWSRegion))
	}

	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	}), nil
}

// UploadBytesWithRetryCtx
// -----------------------
// body 를 key 로 업로드한다.
//   - 시도당 S3Timeout
//   - 200ms 부터 2배씩, 최대 2초 backoff
//   - ctx 취소 시 즉시 중단
func (u *S3Uploader) UploadBytesWithRetryCtx(
	ctx context.Context,
	key string,
	body []byte,
	contentType string,
) error {

	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= u.cfg.S3AppRetries; attempt++ {

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// 재시도마다 reader 를 새로 만든다.
		err := u.putObject(ctx, key, bytes.NewReader(body), int64(len(body)), contentType)
		if err == nil {
			return nil
		}
		lastErr = err
		atomic.AddInt64(&u.metrics.S3PutErrorsTotal, 1)
		log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("s3 put failed")

		if attempt == u.cfg.S3AppRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// putObject 는 PutObject 1회 호출.
func (u *S3Uploader) putObject(
	ctx context.Context,
	key string,
	body io.Reader,
	size int64,
	contentType string,
) error {

	ctx2, cancel := context.WithTimeout(ctx, u.cfg.S3Timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.ArchiveBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})

	return err
}
