package service

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"deepfake-mlops-go/internal/model"
	"deepfake-mlops-go/internal/pipeline"
	"deepfake-mlops-go/pkg/metrics"
	"deepfake-mlops-go/pkg/storage"
	"deepfake-mlops-go/pkg/storage/storagetest"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReportService(store storage.ObjectStore, status StatusService, clock func() time.Time) ReportService {
	return NewReportService(store, pipeline.NewEncoder("hard_samples", clock), status, time.Second, nil)
}

func TestReportStoresObject(t *testing.T) {
	store := storagetest.NewMemoryStore()
	svc := newReportService(store, availableStatus(ComponentObjectStore), stepClock(1700000000, 0))

	rec := &model.SampleRecord{
		ImageBytes:       jpegBytes(t),
		OriginalFilename: "a.jpg",
		PredictedLabel:   model.LabelFake,
		Confidence:       91.23,
	}
	key, err := svc.Report(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "hard_samples/FAKE_91.23_1700000000_a.jpg", key)
	assert.Equal(t, int64(1700000000), rec.CapturedAt)

	data, ok := store.Get(key)
	require.True(t, ok)
	assert.NotEmpty(t, data)
	assert.Equal(t, "image/jpeg", store.ContentType(key))
}

func TestReportPreservesPNG(t *testing.T) {
	store := storagetest.NewMemoryStore()
	svc := newReportService(store, availableStatus(ComponentObjectStore), stepClock(1700000050, 0))

	key, err := svc.Report(context.Background(), &model.SampleRecord{
		ImageBytes:       pngBytes(t),
		OriginalFilename: "b.png",
		PredictedLabel:   model.LabelReal,
		Confidence:       55,
	})
	require.NoError(t, err)
	assert.Equal(t, "hard_samples/REAL_55.00_1700000050_b.png", key)
	assert.Equal(t, "image/png", store.ContentType(key))
}

func TestReportSameImageDifferentSecondsStoresTwoObjects(t *testing.T) {
	store := storagetest.NewMemoryStore()
	svc := newReportService(store, availableStatus(ComponentObjectStore), stepClock(1700000000, time.Second))
	img := jpegBytes(t)

	for i := 0; i < 2; i++ {
		_, err := svc.Report(context.Background(), &model.SampleRecord{
			ImageBytes: img, OriginalFilename: "same.jpg", PredictedLabel: model.LabelFake, Confidence: 80,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{
		"hard_samples/FAKE_80.00_1700000000_same.jpg",
		"hard_samples/FAKE_80.00_1700000001_same.jpg",
	}, store.Keys())
}

func TestReportErrorKinds(t *testing.T) {
	cases := []struct {
		name     string
		putErr   error
		kind     ReportErrorKind
		isConnFn bool
	}{
		{
			name:     "unreachable",
			putErr:   &storage.OpError{Op: "put", Kind: storage.ErrUnreachable, Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}},
			kind:     ConnectionFailed,
			isConnFn: true,
		},
		{
			name:   "unauthorized",
			putErr: &storage.OpError{Op: "put", Err: minio.ErrorResponse{Code: "InvalidAccessKeyId", Message: "bad key", StatusCode: 403}},
			kind:   Unauthorized,
		},
		{
			name:   "rejected",
			putErr: &storage.OpError{Op: "put", Err: minio.ErrorResponse{Code: "EntityTooLarge", Message: "too large", StatusCode: 400}},
			kind:   StoreRejected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storagetest.NewMemoryStore()
			store.PutErr = tc.putErr
			svc := newReportService(store, availableStatus(ComponentObjectStore), stepClock(1700000000, 0))

			var key string
			var err error
			assert.NotPanics(t, func() {
				key, err = svc.Report(context.Background(), &model.SampleRecord{
					ImageBytes: jpegBytes(t), OriginalFilename: "a.jpg", PredictedLabel: model.LabelFake, Confidence: 10,
				})
			})
			assert.Empty(t, key)

			var reportErr *ReportError
			require.ErrorAs(t, err, &reportErr)
			assert.Equal(t, tc.kind, reportErr.Kind)
			assert.Equal(t, "hard_samples/FAKE_10.00_1700000000_a.jpg", reportErr.Key)
			assert.Equal(t, tc.isConnFn, errors.Is(err, ErrConnectivity))
			assert.Empty(t, store.Keys())
		})
	}
}

func TestReportTimeoutIsConnectionFailure(t *testing.T) {
	store := storagetest.NewMemoryStore()
	svc := newReportService(store, availableStatus(ComponentObjectStore), stepClock(1700000000, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Report(ctx, &model.SampleRecord{
		ImageBytes: jpegBytes(t), OriginalFilename: "a.jpg", PredictedLabel: model.LabelReal, Confidence: 50,
	})
	assert.ErrorIs(t, err, ErrConnectivity)
}

func TestReportUnavailable(t *testing.T) {
	store := storagetest.NewMemoryStore()
	status := NewStatusService(time.Second, nil)
	status.MarkUnavailable(ComponentObjectStore, "bucket missing")
	svc := newReportService(store, status, nil)

	_, err := svc.Report(context.Background(), &model.SampleRecord{
		ImageBytes: jpegBytes(t), OriginalFilename: "a.jpg", PredictedLabel: model.LabelFake, Confidence: 10,
	})
	assert.ErrorIs(t, err, ErrFeatureUnavailable)
	assert.Zero(t, store.Puts)

	nilStore := NewReportService(nil, pipeline.NewEncoder("hard_samples", nil), nil, 0, nil)
	_, err = nilStore.Report(context.Background(), &model.SampleRecord{PredictedLabel: model.LabelFake})
	assert.ErrorIs(t, err, ErrFeatureUnavailable)
}

func TestReportEncodingError(t *testing.T) {
	store := storagetest.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	svc := NewReportService(store, pipeline.NewEncoder("hard_samples", nil), availableStatus(ComponentObjectStore), time.Second, m)

	_, err := svc.Report(context.Background(), &model.SampleRecord{
		ImageBytes: []byte("not an image"), OriginalFilename: "a.jpg", PredictedLabel: model.LabelFake, Confidence: 10,
	})
	var encErr *pipeline.EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "image", encErr.Field)
	assert.Zero(t, store.Puts)
}
