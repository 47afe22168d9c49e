package source

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// maxSnapshotFailures is how many consecutive failed fetches end the source.
const maxSnapshotFailures = 5

// SnapshotDecoder polls an HTTP endpoint that serves one still image per
// request (IP camera snapshot URLs) and yields each response as a frame.
type SnapshotDecoder struct {
	url      string
	client   *http.Client
	interval time.Duration
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	last   time.Time
}

// NewSnapshotDecoder polls url every interval. Intervals under 100ms are
// raised to 100ms.
func NewSnapshotDecoder(url string, client *http.Client, interval time.Duration, logger *log.Logger) *SnapshotDecoder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SnapshotDecoder{
		url:      url,
		client:   client,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ReadFrame waits for the next poll slot and fetches one image. Transient
// failures are logged and retried; after maxSnapshotFailures in a row the
// last error is returned.
func (d *SnapshotDecoder) ReadFrame() (image.Image, error) {
	var lastErr error
	for failures := 0; failures < maxSnapshotFailures; failures++ {
		if err := d.pace(); err != nil {
			return nil, io.EOF
		}

		img, err := d.fetch()
		if err == nil {
			return img, nil
		}
		if d.ctx.Err() != nil {
			return nil, io.EOF
		}
		lastErr = err
		d.logger.Printf("[Source] Error fetching frame from %s: %v", d.url, err)
	}
	return nil, fmt.Errorf("snapshot source %s: %w", d.url, lastErr)
}

func (d *SnapshotDecoder) pace() error {
	if !d.last.IsZero() {
		if wait := time.Until(d.last.Add(d.interval)); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-d.ctx.Done():
				return d.ctx.Err()
			}
		}
	}
	d.last = time.Now()
	return d.ctx.Err()
}

func (d *SnapshotDecoder) fetch() (image.Image, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

// Close stops polling and aborts a fetch in flight.
func (d *SnapshotDecoder) Close() error {
	d.once.Do(d.cancel)
	return nil
}
