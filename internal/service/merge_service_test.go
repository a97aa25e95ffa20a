package service

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"deepfake-mlops-go/internal/config"
	"deepfake-mlops-go/internal/model"
	"deepfake-mlops-go/pkg/storage"
	"deepfake-mlops-go/pkg/storage/storagetest"
	"deepfake-mlops-go/pkg/tracking"
	"deepfake-mlops-go/pkg/tracking/trackingtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyA = "hard_samples/FAKE_91.23_1700000000_a.jpg"
	keyB = "hard_samples/REAL_55.00_1700000050_b.png"
)

var sampleCfg = config.HardSampleConfig{Prefix: "hard_samples", MergedPrefix: "merged"}

func seededStore() *storagetest.MemoryStore {
	store := storagetest.NewMemoryStore()
	store.Seed("hard_samples/", nil)
	store.Seed(keyA, []byte("jpeg-a"))
	store.Seed(keyB, []byte("png-b"))
	return store
}

func newMergeService(store storage.ObjectStore, cleanup string) MergeService {
	return NewMergeService(store, sampleCfg, config.MergeConfig{LocalDir: "unused", Cleanup: cleanup}, nil, "", nil)
}

func dirContents(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(data)
	}
	return out
}

func TestMergeTwoObjectsAndMarker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dataset", "new_data")
	svc := newMergeService(seededStore(), config.CleanupNone)

	report, err := svc.Merge(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)
	assert.Equal(t, 3, report.Listed)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Overwritten)
	assert.NoError(t, report.Err())
	assert.NotEmpty(t, report.RunID)

	assert.Equal(t, map[string]string{"a.jpg": "jpeg-a", "b.png": "png-b"}, dirContents(t, dir))
}

func TestMergeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := seededStore()
	svc := newMergeService(store, config.CleanupNone)

	_, err := svc.Merge(context.Background(), dir)
	require.NoError(t, err)
	first := dirContents(t, dir)

	report, err := svc.Merge(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, first, dirContents(t, dir))
	assert.Equal(t, 2, report.Count)

	// 第二次运行覆盖了同名文件，这是已知的策略
	sort.Strings(report.Overwritten)
	assert.Equal(t, []string{"a.jpg", "b.png"}, report.Overwritten)
	// 默认不删除远端对象
	assert.Len(t, store.Keys(), 3)
}

func TestMergeDownloadFailureDoesNotAbortBatch(t *testing.T) {
	dir := t.TempDir()
	store := seededStore()
	store.Seed("hard_samples/FAKE_70.00_1700000100_c.jpg", []byte("jpeg-c"))
	netErr := &storage.OpError{Op: "download", Kind: storage.ErrUnreachable, Err: &net.OpError{Op: "read", Err: errors.New("connection reset")}}
	store.DownloadErrs[keyB] = netErr
	svc := newMergeService(store, config.CleanupNone)

	report, err := svc.Merge(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, keyB, report.Errors[0].Key)
	assert.Equal(t, "download", report.Errors[0].Stage)
	assert.ErrorIs(t, report.Errors[0].Err, storage.ErrUnreachable)

	var partial *model.PartialMergeError
	require.ErrorAs(t, report.Err(), &partial)
	assert.Equal(t, 3, partial.Total)

	contents := dirContents(t, dir)
	assert.Contains(t, contents, "a.jpg")
	assert.Contains(t, contents, "c.jpg")
	assert.NotContains(t, contents, "b.png")
	assert.NotContains(t, contents, "b.png.part")
}

func TestMergeEmptyPrefix(t *testing.T) {
	store := storagetest.NewMemoryStore()
	store.Seed("hard_samples/", nil)
	store.Seed("other/FAKE_10.00_1700000000_x.jpg", []byte("x"))
	svc := newMergeService(store, config.CleanupNone)

	dir := t.TempDir()
	report, err := svc.Merge(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Count)
	assert.Empty(t, dirContents(t, dir))
}

func TestMergeFlagsOverwriteOfExistingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("older"), 0o644))

	report, err := newMergeService(seededStore(), config.CleanupNone).Merge(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, report.Overwritten)
	assert.Equal(t, "jpeg-a", dirContents(t, dir)["a.jpg"])
}

func TestMergeSameFilenameInOneRun(t *testing.T) {
	store := storagetest.NewMemoryStore()
	store.Seed("hard_samples/FAKE_10.00_1700000000_x.jpg", []byte("first"))
	store.Seed("hard_samples/REAL_80.00_1700000300_x.jpg", []byte("second"))

	dir := t.TempDir()
	report, err := newMergeService(store, config.CleanupNone).Merge(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)
	assert.Equal(t, []string{"x.jpg"}, report.Overwritten)
	// 标签和时间戳被丢弃，后下载的对象覆盖先下载的
	assert.Equal(t, map[string]string{"x.jpg": "second"}, dirContents(t, dir))
}

func TestMergeUnparsedKeyKeepsBasename(t *testing.T) {
	store := storagetest.NewMemoryStore()
	store.Seed("hard_samples/manual/odd-name.jpg", []byte("odd"))
	store.Seed("hard_samples/FAKE_12.50_1700000000_with_underscore.png", []byte("u"))

	dir := t.TempDir()
	report, err := newMergeService(store, config.CleanupNone).Merge(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)
	assert.Equal(t, map[string]string{"odd-name.jpg": "odd", "with_underscore.png": "u"}, dirContents(t, dir))
}

func TestMergeStopsBetweenObjectsOnCancel(t *testing.T) {
	dir := t.TempDir()
	store := seededStore()
	ctx, cancel := context.WithCancel(context.Background())
	store.OnDownload = func(string) { cancel() }

	report, err := newMergeService(store, config.CleanupNone).Merge(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Count)
	assert.Equal(t, map[string]string{"a.jpg": "jpeg-a"}, dirContents(t, dir))
}

func TestMergeSnapshotExcludesLaterUploads(t *testing.T) {
	dir := t.TempDir()
	store := seededStore()
	late := "hard_samples/FAKE_99.00_1700000200_late.jpg"
	store.OnDownload = func(string) { store.Seed(late, []byte("late")) }

	report, err := newMergeService(store, config.CleanupNone).Merge(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)
	assert.NotContains(t, dirContents(t, dir), "FAKE_99.00_1700000200_late.jpg")
	assert.NotContains(t, dirContents(t, dir), "late.jpg")

	_, ok := store.Get(late)
	assert.True(t, ok)
}

func TestMergeListFailure(t *testing.T) {
	store := seededStore()
	store.ListErr = &storage.OpError{Op: "list", Kind: storage.ErrUnreachable, Err: errors.New("dial tcp: connection refused")}

	report, err := newMergeService(store, config.CleanupNone).Merge(context.Background(), t.TempDir())
	assert.Nil(t, report)
	assert.ErrorIs(t, err, storage.ErrUnreachable)
}

func TestMergeCleanupDelete(t *testing.T) {
	store := seededStore()
	store.RemoveErrs[keyB] = errors.New("access denied")

	report, err := newMergeService(store, config.CleanupDelete).Merge(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)
	assert.Equal(t, 1, report.Cleaned)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "cleanup", report.Errors[0].Stage)

	_, ok := store.Get(keyA)
	assert.False(t, ok)
	_, ok = store.Get(keyB)
	assert.True(t, ok)
}

func TestMergeCleanupArchive(t *testing.T) {
	store := seededStore()
	report, err := newMergeService(store, config.CleanupArchive).Merge(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Cleaned)
	assert.Equal(t, []string{"hard_samples/", "merged/a.jpg", "merged/b.png"}, store.Keys())
}

func TestMergeCleanupSkipsFailedDownloads(t *testing.T) {
	store := seededStore()
	store.DownloadErrs[keyA] = errors.New("boom")

	_, err := newMergeService(store, config.CleanupDelete).Merge(context.Background(), t.TempDir())
	require.NoError(t, err)
	_, ok := store.Get(keyA)
	assert.True(t, ok)
}

func TestMergeUnavailableStore(t *testing.T) {
	_, err := NewMergeService(nil, sampleCfg, config.MergeConfig{}, nil, "", nil).Merge(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrFeatureUnavailable)
}

func TestMergeRecordsTrackerRun(t *testing.T) {
	srv := trackingtest.NewServer()
	defer srv.Close()
	client, err := tracking.NewClient(config.TrackingConfig{Enabled: true, TrackingURI: srv.URL, ExperimentName: "exp"}, nil)
	require.NoError(t, err)

	svc := NewMergeService(seededStore(), sampleCfg, config.MergeConfig{Cleanup: config.CleanupNone}, client, "exp", nil)
	report, err := svc.Merge(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)

	runs := srv.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "FINISHED", runs[0].Status)
	assert.Equal(t, "hard_samples", runs[0].Params["prefix"])
	assert.Equal(t, []float64{2}, runs[0].Metrics["merged_count"])
	assert.Equal(t, []float64{0}, runs[0].Metrics["error_count"])
	assert.Equal(t, 0, client.OpenRuns())
}

func TestMergeContinuesWhenTrackerDown(t *testing.T) {
	srv := trackingtest.NewServer()
	client, err := tracking.NewClient(config.TrackingConfig{Enabled: true, TrackingURI: srv.URL, ExperimentName: "exp"}, nil)
	require.NoError(t, err)
	srv.Close()

	dir := t.TempDir()
	svc := NewMergeService(seededStore(), sampleCfg, config.MergeConfig{}, client, "exp", nil)
	report, err := svc.Merge(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)
	assert.Len(t, dirContents(t, dir), 2)
}

func TestMergeCancelledRunIsKilled(t *testing.T) {
	srv := trackingtest.NewServer()
	defer srv.Close()
	client, err := tracking.NewClient(config.TrackingConfig{Enabled: true, TrackingURI: srv.URL, ExperimentName: "exp"}, nil)
	require.NoError(t, err)

	store := seededStore()
	ctx, cancel := context.WithCancel(context.Background())
	store.OnDownload = func(string) { cancel() }

	svc := NewMergeService(store, sampleCfg, config.MergeConfig{}, client, "exp", nil)
	report, err := svc.Merge(ctx, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)

	runs := srv.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "KILLED", runs[0].Status)
	// 被取消的合并仍然记录了已完成的部分
	assert.Equal(t, []float64{1}, runs[0].Metrics["merged_count"])
}

func TestMergeTrackerRecordingSharesOneDeadline(t *testing.T) {
	srv := trackingtest.NewServer()
	defer srv.Close()
	timeout := 300 * time.Millisecond
	client, err := tracking.NewClient(config.TrackingConfig{Enabled: true, TrackingURI: srv.URL, ExperimentName: "exp", Timeout: timeout}, nil)
	require.NoError(t, err)
	srv.DelayPath("/api/2.0/mlflow/runs/log-metric", 5*time.Second)

	svc := NewMergeService(seededStore(), sampleCfg, config.MergeConfig{}, client, "exp", nil)
	start := time.Now()
	report, err := svc.Merge(context.Background(), t.TempDir())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)
	// 四个指标各自超时需要 4 倍 timeout，共享截止时间时只需要一倍左右
	assert.Less(t, elapsed, 3*timeout)

	runs := srv.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "FINISHED", runs[0].Status)
}
