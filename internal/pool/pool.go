package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// rotation 된 archive 는 기본 250KB 안팎이며, S3 전송 전에 gzip 으로 압축한다.
// rotation 이 잦은 환경(작은 LOG_MAX_SIZE)에서 매번 writer/buffer 를
// 새로 만들지 않도록 재사용한다.
// ---------------------------------------------------------------

var (
	// BufferPool:
	//   - gzip 결과를 담는 임시 버퍼
	//   - 초기 용량 256KB (기본 LOG_MAX_SIZE 압축 결과가 여유 있게 들어감)
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용
	//   - archive 는 한 번 쓰고 끝이므로 압축률보다 속도(BestSpeed)
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool 에 되돌려줄 최대 버퍼 용량. 이보다 크면 GC 에 맡긴다.
const MaxBufferCap = 4 * 1024 * 1024 // 4MB

// PutBuffer:
//   - MaxBufferCap 이하이면 풀에 반환
//   - 큰 LOG_MAX_SIZE 로 생긴 초대형 버퍼는 보유하지 않는다
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
