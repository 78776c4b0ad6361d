package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"marketsync/internal/config"
	"marketsync/internal/idempotency"
	"marketsync/internal/models"
	"marketsync/internal/telemetry"
)

// ImageHandler normalizes product photos for marketplace publication:
// download, fit within the configured bounds, re-encode, upload. The
// idempotency ledger is consulted before the download and recorded after
// a confirmed upload, so a redelivered or recovered job within the same
// time bucket becomes a no-op.
type ImageHandler struct {
	cfg          config.Config
	client       *http.Client
	disk         blobStore
	bucket       blobStore
	ledger       idempotency.Ledger
	ledgerBucket time.Duration
}

type imageJobPayload struct {
	ProductID   string `json:"product_id"`
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Destination string `json:"destination"`
}

func NewImageHandler(ctx context.Context, cfg config.Config, ledger idempotency.Ledger, ledgerBucket time.Duration) (*ImageHandler, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	h := &ImageHandler{
		cfg:          cfg,
		client:       &http.Client{Timeout: timeout},
		disk:         &diskStore{baseDir: baseDir},
		ledger:       ledger,
		ledgerBucket: ledgerBucket,
	}
	if cfg.ImageS3Bucket != "" {
		store, err := newS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.bucket = store
	}
	return h, nil
}

// Handle downloads, normalizes, and uploads a single product photo.
func (h *ImageHandler) Handle(ctx context.Context, env models.JobEnvelope) error {
	payload, err := h.decodePayload(env)
	if err != nil {
		return err
	}

	// Keyed on the upload destination, not the envelope, so a reclaimed
	// lease re-executing the same job hits the same key.
	subject := payload.OutputKey
	if subject == "" {
		subject = payload.ProductID + "/" + env.ID
	}
	ledgerKey := idempotency.Key("image", subject, env.EnqueuedAt, h.ledgerBucket)
	_, done, err := h.ledger.Lookup(ctx, ledgerKey)
	if err != nil {
		return fmt.Errorf("check idempotency key: %w", err)
	}
	if done {
		telemetry.JobsSkipped.WithLabelValues(env.Queue).Inc()
		return nil
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return err
	}

	img, decoded, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	// Fit preserves aspect ratio; marketplaces reject stretched photos.
	// Images already within bounds pass through untouched.
	img = imaging.Fit(img, payload.Width, payload.Height, imaging.Lanczos)

	enc := encodingFor(payload.OutputKey, decoded, contentType)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, enc.format, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}

	key := payload.OutputKey
	if key == "" {
		key = fmt.Sprintf("products/%s/%s.%s", payload.ProductID, env.ID, enc.ext)
	}

	store, err := h.storeFor(payload.Destination)
	if err != nil {
		return err
	}
	location, err := store.Put(ctx, objectKey(key), buf.Bytes(), enc.mime)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	result, _ := json.Marshal(map[string]string{"location": location})
	if err := h.ledger.Record(ctx, ledgerKey, result); err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

func (h *ImageHandler) decodePayload(env models.JobEnvelope) (imageJobPayload, error) {
	var payload imageJobPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	if payload.Width == 0 {
		payload.Width = h.cfg.ImageMaxWidth
	}
	if payload.Height == 0 {
		payload.Height = h.cfg.ImageMaxHeight
	}
	if payload.Width == 0 {
		payload.Width = 1600
	}
	if payload.Height == 0 {
		payload.Height = 1600
	}
	return payload, nil
}

func (h *ImageHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := h.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// storeFor resolves the upload target. An explicit "s3" destination with
// no bucket configured is an error rather than a silent local write.
func (h *ImageHandler) storeFor(destination string) (blobStore, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.bucket == nil {
			return nil, errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured")
		}
		return h.bucket, nil
	case "local":
		return h.disk, nil
	case "":
		if h.bucket != nil {
			return h.bucket, nil
		}
		return h.disk, nil
	default:
		return nil, fmt.Errorf("unknown destination %q", destination)
	}
}

// encoding fixes the output format plus the extension and MIME type that
// go with it.
type encoding struct {
	format imaging.Format
	ext    string
	mime   string
}

var encodings = map[imaging.Format]encoding{
	imaging.JPEG: {imaging.JPEG, "jpg", "image/jpeg"},
	imaging.PNG:  {imaging.PNG, "png", "image/png"},
	imaging.GIF:  {imaging.GIF, "gif", "image/gif"},
	imaging.TIFF: {imaging.TIFF, "tiff", "image/tiff"},
}

// encodingFor picks the output encoding. An extension on the output key
// wins, then the decoded source format, then the response content type;
// JPEG is the fallback.
func encodingFor(outputKey, decoded, contentType string) encoding {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return encodings[imaging.PNG]
	case ".jpg", ".jpeg":
		return encodings[imaging.JPEG]
	case ".gif":
		return encodings[imaging.GIF]
	case ".tiff":
		return encodings[imaging.TIFF]
	}
	switch strings.ToLower(decoded) {
	case "png":
		return encodings[imaging.PNG]
	case "gif":
		return encodings[imaging.GIF]
	case "tiff":
		return encodings[imaging.TIFF]
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return encodings[imaging.PNG]
	}
	return encodings[imaging.JPEG]
}
