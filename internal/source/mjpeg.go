package source

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"
)

const readChunk = 8192

// maxFrameBytes caps the buffer used to find one JPEG. A stream that grows
// past it without a complete frame is treated as corrupt.
const maxFrameBytes = 32 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// MJPEGDecoder splits a byte stream of concatenated JPEG images (ffmpeg's
// image2pipe output, a .mjpeg file) into decoded frames.
type MJPEGDecoder struct {
	r      io.ReadCloser
	buf    []byte
	chunk  []byte
	frames uint64

	closeOnce sync.Once
	closeErr  error
}

// NewMJPEGDecoder reads frames from r. Closing the decoder closes r.
func NewMJPEGDecoder(r io.ReadCloser) *MJPEGDecoder {
	return &MJPEGDecoder{
		r:     r,
		buf:   make([]byte, 0, 1024*1024),
		chunk: make([]byte, readChunk),
	}
}

// ReadFrame returns the next decoded frame, or io.EOF at the end of the stream.
func (d *MJPEGDecoder) ReadFrame() (image.Image, error) {
	data, err := d.NextJPEG()
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", d.frames, err)
	}
	return img, nil
}

// NextJPEG returns the raw bytes of the next complete JPEG in the stream.
func (d *MJPEGDecoder) NextJPEG() ([]byte, error) {
	for {
		if frame := extractJPEGFrame(&d.buf); frame != nil {
			d.frames++
			return frame, nil
		}
		if len(d.buf) > maxFrameBytes {
			return nil, errors.New("mjpeg stream: frame exceeds size limit")
		}

		n, err := d.r.Read(d.chunk)
		d.buf = append(d.buf, d.chunk[:n]...)
		if err != nil {
			if n > 0 {
				if frame := extractJPEGFrame(&d.buf); frame != nil {
					d.frames++
					return frame, nil
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// Frames returns the number of JPEGs extracted so far.
func (d *MJPEGDecoder) Frames() uint64 {
	return d.frames
}

// Close closes the underlying reader.
func (d *MJPEGDecoder) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.r.Close()
	})
	return d.closeErr
}

// extractJPEGFrame removes the first complete JPEG from buffer and returns it.
// Bytes before the start marker are discarded once a frame is found.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	start := bytes.Index(buf, jpegSOI)
	if start == -1 {
		// Keep a trailing 0xFF, it may be the first half of a marker.
		if buf[len(buf)-1] == 0xFF {
			*buffer = append(buf[:0], 0xFF)
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	end := bytes.Index(buf[start+2:], jpegEOI)
	if end == -1 {
		return nil
	}
	end += start + 2 + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = append(buf[:0], buf[end:]...)
	return frame
}
