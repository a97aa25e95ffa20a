package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"deepfake-mlops-go/pkg/metrics"
	"deepfake-mlops-go/pkg/storage/storagetest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusProbe(t *testing.T) {
	store := storagetest.NewMemoryStore()
	st := NewStatusService(time.Second, metrics.New(prometheus.NewRegistry()))
	st.Register(ComponentObjectStore, BucketProbe(store, "mlflow-bucket"))
	st.Register(ComponentTracker, func(ctx context.Context) error { return errors.New("connection refused") })

	assert.Equal(t, ModeDemo, st.Mode())
	st.Probe(context.Background())

	assert.True(t, st.Available(ComponentObjectStore))
	assert.False(t, st.Available(ComponentTracker))
	assert.Equal(t, "connection refused", st.Status(ComponentTracker).Reason)
	assert.Equal(t, ModeLocal, st.Mode())

	all := st.All()
	require.Len(t, all, 2)
	assert.Equal(t, ComponentObjectStore, all[0].Component)
	assert.Equal(t, ComponentTracker, all[1].Component)
}

func TestStatusMissingBucketIsDemoMode(t *testing.T) {
	store := storagetest.NewMemoryStore()
	store.NoBucket = true
	st := NewStatusService(time.Second, nil)
	st.Register(ComponentObjectStore, BucketProbe(store, "mlflow-bucket"))
	st.Probe(context.Background())

	assert.False(t, st.Available(ComponentObjectStore))
	assert.Contains(t, st.Status(ComponentObjectStore).Reason, "mlflow-bucket")
	assert.Equal(t, ModeDemo, st.Mode())
}

func TestStatusProbeIsBounded(t *testing.T) {
	st := NewStatusService(20*time.Millisecond, nil)
	st.Register(ComponentTracker, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	st.Probe(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, st.Available(ComponentTracker))
}

func TestStatusMarkUnavailable(t *testing.T) {
	st := NewStatusService(0, nil)
	st.MarkUnavailable(ComponentObjectStore, "minio.endpoint: must not be empty")
	status := st.Status(ComponentObjectStore)
	assert.False(t, status.Available)
	assert.Equal(t, "minio.endpoint: must not be empty", status.Reason)

	assert.Equal(t, "not probed", st.Status("unknown").Reason)
}
