package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/config"
	"marketsync/internal/idempotency"
	"marketsync/internal/models"
)

func pngFixture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImageHandlerFitsAndWritesLocal(t *testing.T) {
	fixture := pngFixture(t, 40, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	cfg := config.Config{
		ImageOutputDir:       tempDir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
		ImageMaxWidth:        10,
		ImageMaxHeight:       10,
	}

	handler, err := NewImageHandler(context.Background(), cfg, idempotency.NewMemoryLedger(), 24*time.Hour)
	require.NoError(t, err)

	env := models.JobEnvelope{
		ID:    "job-1",
		Name:  "normalize_image",
		Queue: models.QueueImage,
		Payload: json.RawMessage(`{
			"product_id": "p1",
			"source_url": "` + srv.URL + `",
			"output_key": "products/p1/main.png"
		}`),
	}
	require.NoError(t, handler.Handle(context.Background(), env))

	data, err := os.ReadFile(filepath.Join(tempDir, "products", "p1", "main.png"))
	require.NoError(t, err, "output not written")

	outImg, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	// 40x20 fit into 10x10 keeps the 2:1 aspect ratio.
	assert.Equal(t, 10, outImg.Bounds().Dx())
	assert.Equal(t, 5, outImg.Bounds().Dy())
}

func TestImageHandlerDefaultOutputKey(t *testing.T) {
	fixture := pngFixture(t, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	handler, err := NewImageHandler(context.Background(), config.Config{
		ImageOutputDir: tempDir,
		ImageMaxWidth:  8,
		ImageMaxHeight: 8,
	}, idempotency.NewMemoryLedger(), 24*time.Hour)
	require.NoError(t, err)

	env := models.JobEnvelope{
		ID:      "job-2",
		Queue:   models.QueueImage,
		Payload: json.RawMessage(`{"product_id":"p2","source_url":"` + srv.URL + `"}`),
	}
	require.NoError(t, handler.Handle(context.Background(), env))

	_, err = os.Stat(filepath.Join(tempDir, "products", "p2", "job-2.png"))
	assert.NoError(t, err)
}

func TestImageHandlerRejectsMissingSourceURL(t *testing.T) {
	handler, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: t.TempDir()}, idempotency.NewMemoryLedger(), 0)
	require.NoError(t, err)

	env := models.JobEnvelope{
		ID:      "job-3",
		Queue:   models.QueueImage,
		Payload: json.RawMessage(`{"product_id":"p3"}`),
	}
	err = handler.Handle(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_url")
}

func TestImageHandlerRejectsOversizedDownload(t *testing.T) {
	fixture := pngFixture(t, 40, 40)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	handler, err := NewImageHandler(context.Background(), config.Config{
		ImageOutputDir: t.TempDir(),
		ImageMaxBytes:  16,
	}, idempotency.NewMemoryLedger(), 0)
	require.NoError(t, err)

	env := models.JobEnvelope{
		ID:      "job-4",
		Queue:   models.QueueImage,
		Payload: json.RawMessage(`{"product_id":"p4","source_url":"` + srv.URL + `"}`),
	}
	err = handler.Handle(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestImageHandlerSkipsRecordedUpload(t *testing.T) {
	fixture := pngFixture(t, 8, 8)
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	cfg := config.Config{ImageOutputDir: t.TempDir(), ImageMaxWidth: 8, ImageMaxHeight: 8}
	handler, err := NewImageHandler(context.Background(), cfg, idempotency.NewMemoryLedger(), 24*time.Hour)
	require.NoError(t, err)

	env := models.JobEnvelope{
		ID:         "job-5",
		Queue:      models.QueueImage,
		EnqueuedAt: time.Now().UTC(),
		Payload:    json.RawMessage(`{"product_id":"p5","source_url":"` + srv.URL + `"}`),
	}
	require.NoError(t, handler.Handle(context.Background(), env))

	// A reclaimed lease redelivers the same job; the second execution
	// must not download or upload again.
	require.NoError(t, handler.Handle(context.Background(), env))
	assert.Equal(t, 1, hits)
}

func TestImageHandlerFailureLeavesKeyUnrecorded(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngFixture(t, 8, 8))
	}))
	defer srv.Close()

	cfg := config.Config{ImageOutputDir: t.TempDir(), ImageMaxWidth: 8, ImageMaxHeight: 8}
	handler, err := NewImageHandler(context.Background(), cfg, idempotency.NewMemoryLedger(), 24*time.Hour)
	require.NoError(t, err)

	env := models.JobEnvelope{
		ID:         "job-6",
		Queue:      models.QueueImage,
		EnqueuedAt: time.Now().UTC(),
		Payload:    json.RawMessage(`{"product_id":"p6","source_url":"` + srv.URL + `"}`),
	}
	require.Error(t, handler.Handle(context.Background(), env))

	// The failed attempt did not record the key, so a retry runs.
	require.NoError(t, handler.Handle(context.Background(), env))
	assert.Equal(t, 2, hits)
}
