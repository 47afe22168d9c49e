package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const stderrTailLines = 8

// DefaultOpenTimeout bounds how long opening waits for ffmpeg's first frame.
const DefaultOpenTimeout = 10 * time.Second

// FFmpegDecoder decodes any source ffmpeg understands (video files, RTSP and
// HTTP streams, V4L2 devices) by piping it through ffmpeg as MJPEG.
type FFmpegDecoder struct {
	source string
	cmd    *exec.Cmd
	mjpeg  *MJPEGDecoder
	logger *log.Logger

	mu         sync.Mutex
	stderr     []string
	stderrDone chan struct{}

	// first holds the frame read while opening, handed out by the first
	// ReadFrame. firstErr is io.EOF when the source had no frames at all.
	first    image.Image
	firstErr error
	primed   bool

	waitOnce sync.Once
	waitErr  error
	closed   chan struct{}
	stopOnce sync.Once
}

// ffmpegArgs builds the ffmpeg command line for src. fps <= 0 keeps the
// source's native rate.
func ffmpegArgs(src string, fps, width, height int) []string {
	var args []string

	switch {
	case strings.HasPrefix(src, "rtsp://"):
		args = []string{"-rtsp_transport", "tcp", "-i", src}
	case strings.HasPrefix(src, "/dev/video"):
		args = []string{"-f", "v4l2"}
		if width > 0 && height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", width, height))
		}
		if fps > 0 {
			args = append(args, "-framerate", strconv.Itoa(fps))
		}
		args = append(args, "-i", src)
	default:
		args = []string{"-i", src}
	}

	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg")
	if fps > 0 && !strings.HasPrefix(src, "/dev/video") {
		args = append(args, "-r", strconv.Itoa(fps))
	}
	return append(args, "-q:v", "5", "-an", "-loglevel", "error", "-")
}

// StartFFmpeg launches ffmpeg for src and returns a decoder over its output.
func StartFFmpeg(binary, src string, opts Options) (*FFmpegDecoder, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}

	cmd := exec.Command(path, ffmpegArgs(src, opts.FPS, opts.Width, opts.Height)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	d := &FFmpegDecoder{
		source:     src,
		cmd:        cmd,
		mjpeg:      NewMJPEGDecoder(stdout),
		logger:     opts.logger(),
		closed:     make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	go d.consumeStderr(stderr)

	d.logger.Printf("[Source] Started ffmpeg for %s (pid %d)", src, cmd.Process.Pid)
	return d, nil
}

// consumeStderr keeps the last few lines ffmpeg printed for error reports.
func (d *FFmpegDecoder) consumeStderr(r io.Reader) {
	defer close(d.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		d.mu.Lock()
		d.stderr = append(d.stderr, scanner.Text())
		if len(d.stderr) > stderrTailLines {
			d.stderr = d.stderr[len(d.stderr)-stderrTailLines:]
		}
		d.mu.Unlock()
	}
}

// prime reads the first frame so that a source ffmpeg cannot decode fails
// here rather than after a run has started. A source that ends cleanly
// without frames is not an error; its first ReadFrame returns io.EOF.
func (d *FFmpegDecoder) prime(ctx context.Context, timeout time.Duration) error {
	type result struct {
		img image.Image
		err error
	}
	ch := make(chan result, 1)
	go func() {
		img, err := d.next()
		ch <- result{img, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil && !errors.Is(res.err, io.EOF) {
			d.Close()
			return res.err
		}
		d.first, d.firstErr, d.primed = res.img, res.err, true
		return nil
	case <-ctx.Done():
		d.Close()
		<-ch
		return ctx.Err()
	case <-timer.C:
		d.Close()
		<-ch
		return fmt.Errorf("no frame from %s within %v%s", d.source, timeout, d.stderrTail())
	}
}

// ReadFrame returns the next frame. When ffmpeg exits with an error before
// producing anything, that error is returned instead of io.EOF.
func (d *FFmpegDecoder) ReadFrame() (image.Image, error) {
	if d.primed {
		img, err := d.first, d.firstErr
		d.first, d.firstErr, d.primed = nil, nil, false
		return img, err
	}
	return d.next()
}

func (d *FFmpegDecoder) next() (image.Image, error) {
	img, err := d.mjpeg.ReadFrame()
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, io.EOF) {
		return nil, err
	}

	select {
	case <-d.closed:
		return nil, io.EOF
	default:
	}

	// stdout is drained; stderr ends when ffmpeg exits.
	<-d.stderrDone
	if werr := d.wait(); werr != nil && d.mjpeg.Frames() == 0 {
		return nil, fmt.Errorf("ffmpeg failed on %s: %w%s", d.source, werr, d.stderrTail())
	}
	return nil, io.EOF
}

func (d *FFmpegDecoder) stderrTail() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stderr) == 0 {
		return ""
	}
	return ": " + strings.Join(d.stderr, "; ")
}

func (d *FFmpegDecoder) wait() error {
	d.waitOnce.Do(func() {
		d.waitErr = d.cmd.Wait()
	})
	return d.waitErr
}

// Close kills ffmpeg and reaps it. Safe to call more than once. Closing
// stdout ourselves before Wait is what unblocks a ReadFrame in flight: it
// fails with os.ErrClosed and reports io.EOF. Wait only runs once stderr has
// been read to the end.
func (d *FFmpegDecoder) Close() error {
	d.stopOnce.Do(func() {
		close(d.closed)
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		_ = d.mjpeg.Close()
		select {
		case <-d.stderrDone:
		case <-time.After(2 * time.Second):
			d.logger.Printf("[Source] ffmpeg stderr for %s still open after kill", d.source)
		}
		_ = d.wait()
		d.logger.Printf("[Source] Stopped ffmpeg for %s", d.source)
	})
	return nil
}
