// internal/worker/file_util.go
package worker

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// file_util.go
// ------------------------------------------------------------
// archive 를 S3 에 올릴 때 쓰는 이름 규칙.
//
// 로컬 archive 이름: <log 파일명>.<epoch millis>
// S3 object 이름:   <instance>_<log 파일명>.<epoch millis>.gz
//
// 여러 인스턴스가 같은 prefix 를 공유해도 instance 로 구분된다.

// ArchiveObjectName 은 archive 경로로 S3 object 파일명을 만든다.
func ArchiveObjectName(instanceID, archivePath string) string {
	return fmt.Sprintf("%s_%s.gz", instanceID, filepath.Base(archivePath))
}

// BuildS3Key
// ------------------------------------------------------------
// S3 Key 생성기. 파티션은 rotation 시각(UTC) 기준.
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// prefix 가 비어 있으면 dt= 부터 시작한다.
func BuildS3Key(prefix string, at time.Time, filename string) string {
	at = at.UTC()
	key := fmt.Sprintf("dt=%s/hr=%s/%s", at.Format("2006-01-02"), at.Format("15"), filename)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// ManifestKey 는 archive object 옆에 두는 메타 파일 key.
func ManifestKey(objectKey string) string {
	return objectKey + ".meta.json"
}
