package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(8, 8, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var img image.Image = imaging.New(4, 4, color.NRGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

// stepClock 每次调用前进 step。
func stepClock(start int64, step time.Duration) func() time.Time {
	t := time.Unix(start, 0)
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func availableStatus(components ...string) StatusService {
	st := NewStatusService(time.Second, nil)
	for _, c := range components {
		st.Register(c, func(ctx context.Context) error { return nil })
	}
	st.Probe(context.Background())
	return st
}
