package logfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"rabbitmq-logsink/internal/metrics"
	"rabbitmq-logsink/internal/model"
)

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func writeSize(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Repeat("a", size)), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
}

func TestFormatRecord(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local)

	tests := []struct {
		name    string
		ts      time.Time
		payload string
		want    string
	}{
		{
			name:    "plain",
			ts:      ts,
			payload: "hello",
			want:    "2024-01-01 10:00:00.000 [x] Received: 'hello'\n",
		},
		{
			name:    "embedded quotes kept verbatim",
			ts:      ts.Add(7 * time.Millisecond),
			payload: `it's "quoted"`,
			want:    "2024-01-01 10:00:00.007 [x] Received: 'it's \"quoted\"'\n",
		},
		{
			name:    "afternoon uses 24h clock",
			ts:      time.Date(2024, 12, 31, 23, 59, 59, 999_000_000, time.Local),
			payload: "한글",
			want:    "2024-12-31 23:59:59.999 [x] Received: '한글'\n",
		},
		{
			name:    "invalid utf-8 bytes become replacement characters",
			ts:      ts,
			payload: "a\xff\xfeb",
			want:    "2024-01-01 10:00:00.000 [x] Received: 'a\ufffd\ufffdb'\n",
		},
		{
			name:    "truncated multibyte sequence",
			ts:      ts,
			payload: "\xed\x95",
			want:    "2024-01-01 10:00:00.000 [x] Received: '\ufffd\ufffd'\n",
		},
		{
			name:    "empty payload",
			ts:      ts,
			payload: "",
			want:    "2024-01-01 10:00:00.000 [x] Received: ''\n",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FormatRecord(tt.ts, []byte(tt.payload)); got != tt.want {
				t.Fatalf("FormatRecord = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckAndRotate_MissingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "consumed.log")
	w := NewWriter(path, 10, nil)

	rotated, err := w.CheckAndRotate()
	if err != nil {
		t.Fatalf("CheckAndRotate error: %v", err)
	}
	if rotated != "" {
		t.Fatalf("rotated = %q, want none", rotated)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, got %d entries", len(entries))
	}
}

func TestCheckAndRotate_Threshold(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_704_103_200_123)

	tests := []struct {
		name       string
		size       int
		max        int64
		wantRotate bool
	}{
		{name: "below", size: 99, max: 100, wantRotate: false},
		{name: "equal is within bound", size: 100, max: 100, wantRotate: false},
		{name: "one byte over", size: 101, max: 100, wantRotate: true},
		{name: "zero threshold empty file", size: 0, max: 0, wantRotate: false},
		{name: "zero threshold non empty", size: 1, max: 0, wantRotate: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			path := filepath.Join(dir, "consumed.log")
			writeSize(t, path, tt.size)

			m := metrics.New()
			w := NewWriter(path, tt.max, m, WithClock(fixedClock(now)))

			rotated, err := w.CheckAndRotate()
			if err != nil {
				t.Fatalf("CheckAndRotate error: %v", err)
			}

			if !tt.wantRotate {
				if rotated != "" {
					t.Fatalf("rotated = %q, want none", rotated)
				}
				if _, err := os.Stat(path); err != nil {
					t.Fatalf("working file should remain: %v", err)
				}
				if m.RotationsTotal != 0 {
					t.Fatalf("RotationsTotal = %d, want 0", m.RotationsTotal)
				}
				return
			}

			want := path + ".1704103200123"
			if rotated != want {
				t.Fatalf("rotated = %q, want %q", rotated, want)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Fatalf("working file should be absent after rotation, stat err = %v", err)
			}
			info, err := os.Stat(want)
			if err != nil {
				t.Fatalf("archive missing: %v", err)
			}
			if info.Size() != int64(tt.size) {
				t.Fatalf("archive size = %d, want %d", info.Size(), tt.size)
			}
			if m.RotationsTotal != 1 {
				t.Fatalf("RotationsTotal = %d, want 1", m.RotationsTotal)
			}
		})
	}
}

func TestCheckAndRotate_DistinctNamesPerMillisecond(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "consumed.log")

	ts := time.UnixMilli(1_700_000_000_000)
	w := NewWriter(path, 1, nil, WithClock(func() time.Time { return ts }))

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		writeSize(t, path, 10)
		rotated, err := w.CheckAndRotate()
		if err != nil {
			t.Fatalf("rotation %d: %v", i, err)
		}
		if seen[rotated] {
			t.Fatalf("duplicate archive name %q", rotated)
		}
		seen[rotated] = true
		ts = ts.Add(time.Millisecond)
	}
	if len(seen) != 3 {
		t.Fatalf("archives = %d, want 3", len(seen))
	}
}

func TestCheckAndRotate_RenameFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "consumed.log")
	writeSize(t, path, 50)

	now := time.UnixMilli(1_700_000_000_000)
	// rename 대상 위치에 비어있지 않은 디렉토리를 만들어 rename 을 실패시킨다.
	blocker := RotatedName(path, now)
	if err := os.MkdirAll(filepath.Join(blocker, "keep"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m := metrics.New()
	w := NewWriter(path, 10, m, WithClock(fixedClock(now)))

	if _, err := w.CheckAndRotate(); !errors.Is(err, ErrLogRotation) {
		t.Fatalf("err = %v, want ErrLogRotation", err)
	}
	if m.RotationErrorsTotal != 1 {
		t.Fatalf("RotationErrorsTotal = %d, want 1", m.RotationErrorsTotal)
	}

	// rotation 실패 후에도 원래 파일에 계속 기록된다.
	w.Handle(model.Message{Body: []byte("still here"), ReceivedAt: now})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasSuffix(string(data), "[x] Received: 'still here'\n") {
		t.Fatalf("record not appended to oversized file: %q", data)
	}
}

func TestAppendRecord_AppendsInOrder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "consumed.log")
	w := NewWriter(path, 1<<20, nil)

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local)
	for i, p := range []string{"one", "two", "three"} {
		if err := w.AppendRecord(base.Add(time.Duration(i)*time.Millisecond), []byte(p)); err != nil {
			t.Fatalf("AppendRecord(%q): %v", p, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "2024-01-01 10:00:00.000 [x] Received: 'one'\n" +
		"2024-01-01 10:00:00.001 [x] Received: 'two'\n" +
		"2024-01-01 10:00:00.002 [x] Received: 'three'\n"
	if string(data) != want {
		t.Fatalf("file = %q, want %q", data, want)
	}
}

func TestAppendRecord_Unwritable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "no-such-dir", "consumed.log")
	m := metrics.New()
	w := NewWriter(path, 100, m)

	err := w.AppendRecord(time.Now(), []byte("lost"))
	if !errors.Is(err, ErrLogWrite) {
		t.Fatalf("err = %v, want ErrLogWrite", err)
	}
	if m.RecordWriteErrorsTotal != 1 {
		t.Fatalf("RecordWriteErrorsTotal = %d, want 1", m.RecordWriteErrorsTotal)
	}
}

// 시나리오: 빈 로그 파일에 "hello" 가 기록된다.
func TestHandle_HelloScenario(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "consumed.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := metrics.New()
	w := NewWriter(path, 256000, m)
	w.Handle(model.Message{
		Body:       []byte("hello"),
		ReceivedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local),
	})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got, want := string(data), "2024-01-01 10:00:00.000 [x] Received: 'hello'\n"; got != want {
		t.Fatalf("file = %q, want %q", got, want)
	}
	if m.MessagesReceivedTotal != 1 || m.RecordsWrittenTotal != 1 {
		t.Fatalf("metrics received=%d written=%d, want 1/1", m.MessagesReceivedTotal, m.RecordsWrittenTotal)
	}
}

// 시나리오: 260000 바이트 파일, 한도 256000 → rotation 후 새 파일에 기록.
func TestHandle_RotatesBeforeAppend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "consumed.log")
	writeSize(t, path, 260000)

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local)
	var archives []model.Archive
	w := NewWriter(path, 256000, nil,
		WithClock(fixedClock(now)),
		WithRotateHook(func(a model.Archive) { archives = append(archives, a) }),
	)

	w.Handle(model.Message{Body: []byte("next"), ReceivedAt: now})

	rotated := RotatedName(path, now)
	info, err := os.Stat(rotated)
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if info.Size() != 260000 {
		t.Fatalf("archive size = %d, want 260000", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fresh file: %v", err)
	}
	if got, want := string(data), FormatRecord(now, []byte("next")); got != want {
		t.Fatalf("fresh file = %q, want %q", got, want)
	}

	if len(archives) != 1 {
		t.Fatalf("rotate hook calls = %d, want 1", len(archives))
	}
	if archives[0].Path != rotated || archives[0].Source != path || archives[0].SizeBytes != 260000 {
		t.Fatalf("unexpected archive: %+v", archives[0])
	}
}

// 시나리오: 로그 파일에 쓸 수 없어도 Handle 은 패닉/에러 없이 반환한다.
func TestHandle_UnwritableDoesNotStop(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing", "consumed.log")
	m := metrics.New()
	w := NewWriter(path, 100, m)

	for i := 0; i < 3; i++ {
		w.Handle(model.Message{Body: []byte("x"), ReceivedAt: time.Now()})
	}

	if m.MessagesReceivedTotal != 3 {
		t.Fatalf("MessagesReceivedTotal = %d, want 3", m.MessagesReceivedTotal)
	}
	if m.RecordWriteErrorsTotal != 3 {
		t.Fatalf("RecordWriteErrorsTotal = %d, want 3", m.RecordWriteErrorsTotal)
	}
	if m.RecordsWrittenTotal != 0 {
		t.Fatalf("RecordsWrittenTotal = %d, want 0", m.RecordsWrittenTotal)
	}
}

// 시나리오: 파일 경로의 상위가 일반 파일이면 stat 이 ENOTDIR 로 실패한다.
// rotation 실패와 쓰기 실패가 각각 집계되고 Handle 은 그대로 반환한다.
func TestHandle_StatFailureReportedAndAppendAttempted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	parent := filepath.Join(dir, "not-a-dir")
	writeSize(t, parent, 1)
	path := filepath.Join(parent, "consumed.log")

	m := metrics.New()
	w := NewWriter(path, 0, m)

	if _, err := w.CheckAndRotate(); !errors.Is(err, ErrLogRotation) {
		t.Fatalf("CheckAndRotate err = %v, want ErrLogRotation", err)
	}

	w.Handle(model.Message{Body: []byte("x"), ReceivedAt: time.Now()})

	if m.RotationErrorsTotal != 2 {
		t.Fatalf("RotationErrorsTotal = %d, want 2", m.RotationErrorsTotal)
	}
	if m.RotationsTotal != 0 {
		t.Fatalf("RotationsTotal = %d, want 0", m.RotationsTotal)
	}
	if m.RecordWriteErrorsTotal != 1 {
		t.Fatalf("RecordWriteErrorsTotal = %d, want 1", m.RecordWriteErrorsTotal)
	}
	if m.MessagesReceivedTotal != 1 {
		t.Fatalf("MessagesReceivedTotal = %d, want 1", m.MessagesReceivedTotal)
	}
}

// 시나리오: 잘못된 UTF-8 payload 도 파일에는 유효한 UTF-8 로 기록된다.
func TestHandle_InvalidUTF8WritesValidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "consumed.log")
	w := NewWriter(path, 1024, nil)

	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local)
	w.Handle(model.Message{Body: []byte{'a', 0xff, 0xfe, 'b'}, ReceivedAt: ts})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !utf8.Valid(data) {
		t.Fatalf("file is not valid UTF-8: %q", data)
	}
	want := "2024-01-01 10:00:00.000 [x] Received: 'a\ufffd\ufffdb'\n"
	if string(data) != want {
		t.Fatalf("file = %q, want %q", data, want)
	}
}
