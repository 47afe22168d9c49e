// Package source opens the video sources a pipeline run can read from:
// local video files, MJPEG files, RTSP and HTTP streams, V4L2 devices and
// HTTP snapshot endpoints.
package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clipwatch/internal/pipeline"
)

// Options configures how sources are opened.
type Options struct {
	// FFmpegPath is the ffmpeg binary; "ffmpeg" from PATH when empty.
	FFmpegPath string
	// FPS forces the decode rate of streams and devices. 0 keeps the native rate.
	FPS int
	// Width and Height select the V4L2 capture size.
	Width  int
	Height int
	// PollInterval paces snapshot endpoints.
	PollInterval time.Duration
	// OpenTimeout bounds the wait for ffmpeg's first frame when opening.
	OpenTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *log.Logger
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// Kind is the decoding strategy chosen for a source string.
type Kind int

const (
	KindFFmpeg Kind = iota
	KindMJPEGFile
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindMJPEGFile:
		return "mjpeg-file"
	case KindSnapshot:
		return "snapshot"
	default:
		return "ffmpeg"
	}
}

// Classify picks the decoding strategy for src.
func Classify(src string) Kind {
	if isHTTP(src) {
		if isHTTPImageEndpoint(src) {
			return KindSnapshot
		}
		return KindFFmpeg
	}
	switch strings.ToLower(filepath.Ext(src)) {
	case ".mjpeg", ".mjpg":
		return KindMJPEGFile
	}
	return KindFFmpeg
}

// NewOpener returns a pipeline.SourceOpener bound to opts.
func NewOpener(opts Options) pipeline.SourceOpener {
	return func(ctx context.Context, src string) (pipeline.Decoder, error) {
		return Open(ctx, src, opts)
	}
}

// Open opens src for decoding. Local paths must exist; network sources are
// only validated by the first read.
func Open(ctx context.Context, src string, opts Options) (pipeline.Decoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src == "" {
		return nil, errors.New("empty source")
	}

	if !isNetwork(src) {
		info, err := os.Stat(src)
		if err != nil {
			return nil, fmt.Errorf("stat source: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("source %s is a directory", src)
		}
	}

	switch Classify(src) {
	case KindSnapshot:
		interval := opts.PollInterval
		if interval <= 0 && opts.FPS > 0 {
			interval = time.Second / time.Duration(opts.FPS)
		}
		opts.logger().Printf("[Source] Polling snapshots from %s every %v", src, interval)
		return NewSnapshotDecoder(src, opts.HTTPClient, interval, opts.logger()), nil

	case KindMJPEGFile:
		f, err := os.Open(src)
		if err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
		opts.logger().Printf("[Source] Reading MJPEG file %s", src)
		return NewMJPEGDecoder(f), nil

	default:
		d, err := StartFFmpeg(opts.FFmpegPath, src, opts)
		if err != nil {
			return nil, err
		}
		timeout := opts.OpenTimeout
		if timeout <= 0 {
			timeout = DefaultOpenTimeout
		}
		if err := d.prime(ctx, timeout); err != nil {
			return nil, err
		}
		return d, nil
	}
}

func isHTTP(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

func isNetwork(src string) bool {
	return isHTTP(src) || strings.HasPrefix(src, "rtsp://")
}

func isHTTPImageEndpoint(src string) bool {
	return isHTTP(src) &&
		(strings.Contains(src, ".jpg") || strings.Contains(src, ".jpeg") ||
			strings.Contains(src, ".png") || strings.Contains(src, "snapshot") ||
			strings.Contains(src, "image"))
}
