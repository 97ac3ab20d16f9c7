package worker

import (
	"bytes"

	"rabbitmq-logsink/internal/model"
	"rabbitmq-logsink/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Encoder 는 archive 파일 내용을 gzip 으로, manifest 를 JSON 으로 직렬화한다.
//
// 결과는 항상 새 []byte 로 복사해 호출자에게 넘긴다.
// pool 버퍼를 그대로 돌려주면 다음 사용 때 내용이 덮어써진다.
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Gzip 은 data 를 gzip(BestSpeed) 으로 압축한다.
func (e *Encoder) Gzip(data []byte) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	if _, err := gz.Write(data); err != nil {
		_ = gz.Close()
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}

	// Close 시 gzip footer 가 써진다.
	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	raw := buf.Bytes()
	out := make([]byte, len(raw))
	copy(out, raw)

	pool.PutBuffer(buf)

	return out, nil
}

// Manifest 는 archive 메타 정보를 JSON 으로 인코딩한다.
func (e *Encoder) Manifest(m model.ArchiveManifest) ([]byte, error) {
	return json.Marshal(m)
}
