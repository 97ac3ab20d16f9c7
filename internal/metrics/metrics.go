package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 consumer 상태를 나타내는 카운터 모음이다.
// 모든 필드는 atomic 으로만 접근한다.
type Metrics struct {
	// ======================
	// Broker 연결 지표
	// ======================

	// ConnectAttemptsTotal
	// - Connect → DeclareTopology → Subscribe 시퀀스를 시작한 횟수.
	// - 정상 운영 중에는 1 에서 멈춰 있어야 한다.
	ConnectAttemptsTotal int64

	// BrokerUnavailableTotal
	// - dial / 인증 / channel open 실패 횟수.
	BrokerUnavailableTotal int64

	// TopologyConflictTotal
	// - exchange/queue 선언이 기존 정의와 충돌(406 PRECONDITION_FAILED)한 횟수.
	// - 자동 복구 불가. 값이 계속 오르면 broker 쪽 정의를 사람이 고쳐야 한다.
	TopologyConflictTotal int64

	// ConnectionLostTotal
	// - 구독 중(Blocked) 연결이 끊긴 횟수.
	ConnectionLostTotal int64

	// ======================
	// 메시지 / 로그 파일 지표
	// ======================

	// MessagesReceivedTotal
	// - delivery callback 진입 횟수. auto-ack 이므로 broker 입장에서는 모두 consumed.
	MessagesReceivedTotal int64

	// RecordsWrittenTotal
	// - 로그 파일에 실제로 기록된 줄 수.
	// - MessagesReceivedTotal - RecordsWrittenTotal = 기록 못 하고 잃어버린 메시지 수.
	RecordsWrittenTotal int64

	// RecordWriteErrorsTotal
	// - open/write 실패 횟수.
	RecordWriteErrorsTotal int64

	// RotationsTotal / RotationErrorsTotal
	// - rename 성공/실패 횟수. 실패 시 크기 초과 파일에 계속 append 한다.
	RotationsTotal      int64
	RotationErrorsTotal int64

	// ======================
	// Archive 전송 지표 (ARCHIVE_S3_BUCKET 설정 시)
	// ======================

	ArchivesShippedTotal int64 // S3 업로드 성공
	ArchiveErrorsTotal   int64 // 읽기/압축/업로드 최종 실패
	ArchivesDroppedTotal int64 // 전송 큐가 가득 차서 버린 건수
	S3PutErrorsTotal     int64 // PutObject 시도(attempt) 단위 실패
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	fmt.Fprintf(&sb, "connect_attempts_total=%d\n", atomic.LoadInt64(&m.ConnectAttemptsTotal))
	fmt.Fprintf(&sb, "broker_unavailable_total=%d\n", atomic.LoadInt64(&m.BrokerUnavailableTotal))
	fmt.Fprintf(&sb, "topology_conflict_total=%d\n", atomic.LoadInt64(&m.TopologyConflictTotal))
	fmt.Fprintf(&sb, "connection_lost_total=%d\n", atomic.LoadInt64(&m.ConnectionLostTotal))

	fmt.Fprintf(&sb, "messages_received_total=%d\n", atomic.LoadInt64(&m.MessagesReceivedTotal))
	fmt.Fprintf(&sb, "records_written_total=%d\n", atomic.LoadInt64(&m.RecordsWrittenTotal))
	fmt.Fprintf(&sb, "record_write_errors_total=%d\n", atomic.LoadInt64(&m.RecordWriteErrorsTotal))
	fmt.Fprintf(&sb, "rotations_total=%d\n", atomic.LoadInt64(&m.RotationsTotal))
	fmt.Fprintf(&sb, "rotation_errors_total=%d\n", atomic.LoadInt64(&m.RotationErrorsTotal))

	fmt.Fprintf(&sb, "archives_shipped_total=%d\n", atomic.LoadInt64(&m.ArchivesShippedTotal))
	fmt.Fprintf(&sb, "archive_errors_total=%d\n", atomic.LoadInt64(&m.ArchiveErrorsTotal))
	fmt.Fprintf(&sb, "archives_dropped_total=%d\n", atomic.LoadInt64(&m.ArchivesDroppedTotal))
	fmt.Fprintf(&sb, "s3_put_errors_total=%d\n", atomic.LoadInt64(&m.S3PutErrorsTotal))

	return sb.String()
}
