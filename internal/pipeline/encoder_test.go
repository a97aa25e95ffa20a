package pipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
	"regexp"
	"testing"
	"time"

	"deepfake-mlops-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 128, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(), nil))
	return buf.Bytes()
}

func fixedClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func TestEncodeKeyFormat(t *testing.T) {
	enc := NewEncoder("hard_samples/", fixedClock(1700000000))

	cases := []struct {
		label      model.Label
		confidence float64
		filename   string
		want       string
	}{
		{model.LabelFake, 91.234, "a.jpg", "hard_samples/FAKE_91.23_1700000000_a.jpg"},
		{model.LabelReal, 55, "b.png", "hard_samples/REAL_55.00_1700000000_b.png"},
		{model.LabelReal, 0, "zero.jpg", "hard_samples/REAL_0.00_1700000000_zero.jpg"},
		{model.LabelFake, 100, "full.jpg", "hard_samples/FAKE_100.00_1700000000_full.jpg"},
		{model.LabelFake, 7.5, "my_face_01.jpg", "hard_samples/FAKE_7.50_1700000000_my_face_01.jpg"},
		{model.LabelFake, 33.333333, "c.jpg", "hard_samples/FAKE_33.33_1700000000_c.jpg"},
	}
	for _, tc := range cases {
		rec := &model.SampleRecord{ImageBytes: jpegBytes(t), OriginalFilename: tc.filename, PredictedLabel: tc.label, Confidence: tc.confidence}
		out, err := enc.Encode(rec)
		require.NoError(t, err)
		assert.Equal(t, tc.want, out.Key)
		assert.Equal(t, int64(1700000000), rec.CapturedAt)
	}
}

func TestEncodeKeyPropertyRandomInputs(t *testing.T) {
	keyPattern := regexp.MustCompile(`^hard_samples/(REAL|FAKE)_\d{1,3}\.\d{2}_\d+_[^/]+$`)
	rng := rand.New(rand.NewSource(42))
	payload := jpegBytes(t)
	labels := []model.Label{model.LabelReal, model.LabelFake}
	names := []string{"a.jpg", "x_y_z.png", "dir/evil.jpg", `C:\up\face.jpeg`, "空格 name.jpg"}

	for i := 0; i < 200; i++ {
		ts := int64(1600000000 + rng.Intn(100000000))
		enc := NewEncoder("hard_samples", fixedClock(ts))
		conf := rng.Float64() * 100
		rec := &model.SampleRecord{
			ImageBytes:       payload,
			OriginalFilename: names[rng.Intn(len(names))],
			PredictedLabel:   labels[rng.Intn(2)],
			Confidence:       conf,
		}
		out, err := enc.Encode(rec)
		require.NoError(t, err)
		require.Regexp(t, keyPattern, out.Key)

		parts, ok := ParseKey(out.Key)
		require.True(t, ok, out.Key)
		assert.Equal(t, rec.PredictedLabel, parts.Label)
		assert.Equal(t, ts, parts.CapturedAt)
		assert.LessOrEqual(t, math.Abs(parts.Confidence-conf), 0.005+1e-9)
	}
}

func TestEncodeSameRecordDifferentSecondsGivesDistinctKeys(t *testing.T) {
	sec := int64(1700000000)
	enc := NewEncoder("hard_samples", func() time.Time { sec++; return time.Unix(sec, 0) })
	payload := jpegBytes(t)

	first, err := enc.Encode(&model.SampleRecord{ImageBytes: payload, OriginalFilename: "a.jpg", PredictedLabel: model.LabelFake, Confidence: 91.23})
	require.NoError(t, err)
	second, err := enc.Encode(&model.SampleRecord{ImageBytes: payload, OriginalFilename: "a.jpg", PredictedLabel: model.LabelFake, Confidence: 91.23})
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, second.Key)
}

func TestEncodePreservesSourceFormat(t *testing.T) {
	enc := NewEncoder("hard_samples", fixedClock(1))

	out, err := enc.Encode(&model.SampleRecord{ImageBytes: pngBytes(t), OriginalFilename: "b.png", PredictedLabel: model.LabelReal, Confidence: 55})
	require.NoError(t, err)
	assert.Equal(t, "png", out.Format)
	assert.Equal(t, "image/png", out.ContentType)
	_, format, err := image.Decode(bytes.NewReader(out.Payload))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}

func TestEncodeDeclaredFormatWins(t *testing.T) {
	enc := NewEncoder("hard_samples", fixedClock(1))

	out, err := enc.Encode(&model.SampleRecord{ImageBytes: pngBytes(t), Format: "JPG", OriginalFilename: "b.png", PredictedLabel: model.LabelReal, Confidence: 55})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", out.ContentType)
	_, format, err := image.Decode(bytes.NewReader(out.Payload))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestEncodeErrors(t *testing.T) {
	enc := NewEncoder("hard_samples", fixedClock(1))
	good := jpegBytes(t)

	cases := []struct {
		name  string
		rec   model.SampleRecord
		field string
		is    error
	}{
		{"bad label", model.SampleRecord{ImageBytes: good, OriginalFilename: "a.jpg", PredictedLabel: "UNSURE", Confidence: 10}, "label", model.ErrInvalidLabel},
		{"negative confidence", model.SampleRecord{ImageBytes: good, OriginalFilename: "a.jpg", PredictedLabel: model.LabelFake, Confidence: -1}, "confidence", ErrInvalidConfidence},
		{"nan confidence", model.SampleRecord{ImageBytes: good, OriginalFilename: "a.jpg", PredictedLabel: model.LabelFake, Confidence: math.NaN()}, "confidence", ErrInvalidConfidence},
		{"over 100", model.SampleRecord{ImageBytes: good, OriginalFilename: "a.jpg", PredictedLabel: model.LabelFake, Confidence: 100.01}, "confidence", ErrInvalidConfidence},
		{"empty filename", model.SampleRecord{ImageBytes: good, OriginalFilename: "  ", PredictedLabel: model.LabelFake, Confidence: 1}, "filename", ErrInvalidFilename},
		{"empty image", model.SampleRecord{OriginalFilename: "a.jpg", PredictedLabel: model.LabelFake, Confidence: 1}, "image", ErrEmptyImage},
		{"unsupported declared format", model.SampleRecord{ImageBytes: good, Format: "webp", OriginalFilename: "a.webp", PredictedLabel: model.LabelFake, Confidence: 1}, "image", ErrUnsupportedFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := tc.rec
			_, err := enc.Encode(&rec)
			var encErr *EncodingError
			require.ErrorAs(t, err, &encErr)
			assert.Equal(t, tc.field, encErr.Field)
			assert.ErrorIs(t, err, tc.is)
		})
	}

	_, err := enc.Encode(&model.SampleRecord{ImageBytes: []byte("definitely not an image"), OriginalFilename: "a.jpg", PredictedLabel: model.LabelFake, Confidence: 1})
	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "image", encErr.Field)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"a.jpg":             "a.jpg",
		"dir/evil.jpg":      "dir_evil.jpg",
		`C:\fakes\face.jpg`: "C:_fakes_face.jpg",
		"../up.png":         ".._up.png",
		" padded.png ":      "padded.png",
	}
	for in, want := range cases {
		got, err := SanitizeFilename(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"", " ", ".", ".."} {
		_, err := SanitizeFilename(bad)
		assert.ErrorIs(t, err, ErrInvalidFilename, bad)
	}
}

func TestParseKey(t *testing.T) {
	parts, ok := ParseKey("hard_samples/FAKE_91.23_1700000000_my_face.jpg")
	require.True(t, ok)
	assert.Equal(t, model.LabelFake, parts.Label)
	assert.Equal(t, 91.23, parts.Confidence)
	assert.Equal(t, int64(1700000000), parts.CapturedAt)
	assert.Equal(t, "my_face.jpg", parts.OriginalFilename)

	for _, bad := range []string{
		"hard_samples/",
		"hard_samples/a.jpg",
		"hard_samples/fake_91.23_1700000000_a.jpg",
		"hard_samples/FAKE_high_1700000000_a.jpg",
		"hard_samples/FAKE_91.23_yesterday_a.jpg",
		"hard_samples/FAKE_91.23_1700000000_",
	} {
		_, ok := ParseKey(bad)
		assert.False(t, ok, bad)
	}
}
