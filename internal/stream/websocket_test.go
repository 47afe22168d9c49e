package stream

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipwatch/internal/pipeline"
)

func TestEncodeFrameMessage(t *testing.T) {
	msg := EncodeFrameMessage(FrameAnnotated, 7, []byte("jpeg"))
	require.Len(t, msg, frameHeaderSize+4)
	assert.Equal(t, FrameAnnotated, msg[0])
	assert.Equal(t, uint64(7), binary.BigEndian.Uint64(msg[1:9]))
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(msg[9:13]))
	assert.Equal(t, "jpeg", string(msg[13:]))
}

func TestFrameSocketPushesBroadcastFrames(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	fs := NewFrameSocket(logger)
	srv := httptest.NewServer(fs)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return fs.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	b := NewBroadcaster(0, logger)
	b.AddFrameListener(fs.OnFrame)
	b.Pump(context.Background(), frames(2, true))

	var kinds []byte
	var seqs []uint64
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		mt, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		require.Greater(t, len(msg), frameHeaderSize)
		assert.Equal(t, int(binary.BigEndian.Uint32(msg[9:13])), len(msg)-frameHeaderSize)
		kinds = append(kinds, msg[0])
		seqs = append(seqs, binary.BigEndian.Uint64(msg[1:9]))
	}
	assert.Equal(t, []byte{FrameAnnotated, FrameAnnotated, FrameEndOfStream}, kinds)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)

	conn.Close()
	require.Eventually(t, func() bool { return fs.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFrameSocketWithoutViewers(t *testing.T) {
	fs := NewFrameSocket(log.New(io.Discard, "", 0))
	fs.OnFrame([]byte("x"), pipeline.AnnotatedFrame{})
	assert.Zero(t, fs.ClientCount())
}
