// internal/model/message.go
package model

import "time"

// Message
// ------------------------------------------------------------
// broker 로부터 전달받은 메시지 1건.
// delivery callback 안에서 만들어지고, 로그 파일에 한 줄로 기록된 직후 버려진다.
// 어디에도 보관하지 않는다.
type Message struct {
	Body       []byte    // raw payload (UTF-8 로 가정, 변환/escape 없음)
	ReceivedAt time.Time // 수신 시각 (로컬 시간)
}

// Archive
// ------------------------------------------------------------
// rotation 으로 이름이 바뀐 로그 파일.
// 이름 규칙: <원본 경로>.<epoch millis>
//
// 로컬 파일은 이 프로세스가 더 이상 건드리지 않으며,
// S3 전송이 켜져 있으면 Archiver 가 사본을 업로드한다.
type Archive struct {
	Path      string    // rotation 후 파일 경로
	Source    string    // 원본 로그 경로 (LOG_FILE_PATH)
	RotatedAt time.Time // rotation 시각
	SizeBytes int64     // rotation 직전 크기
}

// ArchiveManifest
// ------------------------------------------------------------
// S3 에 archive 와 함께 올리는 메타 정보 (<key>.meta.json).
type ArchiveManifest struct {
	Source          string `json:"source"`
	Archive         string `json:"archive"`
	Instance        string `json:"instance"`
	RotatedAtMillis int64  `json:"rotated_at_ms"`
	SizeBytes       int64  `json:"size_bytes"`
	GzipBytes       int64  `json:"gzip_bytes"`
}
