package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"elm327-diag/common"
)

// pipeDevice отдаёт транспорту один конец net.Pipe, второй остаётся у теста
type pipeDevice struct {
	local  net.Conn
	remote net.Conn
	dialed int
}

func newPipeDevice() *pipeDevice {
	local, remote := net.Pipe()
	return &pipeDevice{local: local, remote: remote}
}

func (p *pipeDevice) dial(ctx context.Context, path string) (io.ReadWriteCloser, error) {
	p.dialed++
	return p.local, nil
}

func listOf(ports ...string) Lister {
	return func() ([]string, error) { return ports, nil }
}

type collector struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *collector) add(p []byte) {
	c.mu.Lock()
	c.chunks = append(c.chunks, p)
	c.mu.Unlock()
}

func (c *collector) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s string
	for _, chunk := range c.chunks {
		s += string(chunk)
	}
	return s
}

func TestDefaultStreamConfig(t *testing.T) {
	config := DefaultStreamConfig()

	assert.Equal(t, "/dev/rfcomm0", config.DevicePath)
	assert.Equal(t, 38400, config.BaudRate)
	assert.Greater(t, config.ReadBufferSize, 0)
}

func TestStreamDiscover(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		path     string
		ports    []string
		expected Device
		err      error
	}{
		{
			name:     "configured path present",
			path:     "/dev/ttyUSB1",
			ports:    []string{"/dev/ttyUSB0", "/dev/ttyUSB1"},
			expected: Device{Name: "ttyUSB1", Address: "/dev/ttyUSB1"},
		},
		{
			name:     "first port when no path",
			ports:    []string{"/dev/rfcomm0"},
			expected: Device{Name: "rfcomm0", Address: "/dev/rfcomm0"},
		},
		{
			name:  "configured path missing",
			path:  "/dev/rfcomm1",
			ports: []string{"/dev/rfcomm0"},
			err:   common.ErrNoAdapterFound,
		},
		{
			name: "no ports",
			err:  common.ErrNoAdapterFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStream(StreamConfig{DevicePath: tt.path}, nil, listOf(tt.ports...), logger)
			dev, err := s.Discover(ctx, DefaultFilter())
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, dev)
		})
	}

	failing := NewStream(StreamConfig{}, nil, func() ([]string, error) { return nil, errors.New("no permission") }, logger)
	_, err := failing.Discover(ctx, DefaultFilter())
	assert.ErrorIs(t, err, common.ErrNoAdapterFound)
}

func TestStreamSendAndReceive(t *testing.T) {
	pipe := newPipeDevice()
	s := NewStream(DefaultStreamConfig(), pipe.dial, listOf("/dev/rfcomm0"), zaptest.NewLogger(t))

	got := &collector{}
	s.Subscribe(got.add)

	require.NoError(t, s.Open(context.Background(), Device{Address: "/dev/rfcomm0"}))
	defer s.Close()

	// Отправка: удалённая сторона видит команду целиком
	written := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := pipe.remote.Read(buf)
		written <- string(buf[:n])
	}()
	require.NoError(t, s.Send([]byte("010C\r")))
	assert.Equal(t, "010C\r", <-written)

	// Приём: фрагменты доставляются по порядку
	_, err := pipe.remote.Write([]byte("41 0C "))
	require.NoError(t, err)
	_, err = pipe.remote.Write([]byte("1A F8\r\r>"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return got.joined() == "41 0C 1A F8\r\r>"
	}, time.Second, 10*time.Millisecond)
}

func TestStreamClose(t *testing.T) {
	pipe := newPipeDevice()
	s := NewStream(DefaultStreamConfig(), pipe.dial, listOf("/dev/rfcomm0"), zaptest.NewLogger(t))

	require.NoError(t, s.Open(context.Background(), Device{Address: "/dev/rfcomm0"}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close must be a no-op")

	assert.ErrorIs(t, s.Send([]byte("ATZ\r")), common.ErrNotConnected)
}

func TestStreamConcurrentClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		pipe := newPipeDevice()
		s := NewStream(DefaultStreamConfig(), pipe.dial, listOf("/dev/rfcomm0"), zaptest.NewLogger(t))
		require.NoError(t, s.Open(context.Background(), Device{Address: "/dev/rfcomm0"}))

		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				assert.NotPanics(t, func() { s.Close() })
			}()
		}
		close(start)
		wg.Wait()

		assert.ErrorIs(t, s.Send([]byte("ATZ\r")), common.ErrNotConnected)
	}
}

func TestStreamCloseAfterRemoteHangup(t *testing.T) {
	pipe := newPipeDevice()
	s := NewStream(DefaultStreamConfig(), pipe.dial, listOf("/dev/rfcomm0"), zaptest.NewLogger(t))

	require.NoError(t, s.Open(context.Background(), Device{Address: "/dev/rfcomm0"}))
	require.NoError(t, pipe.remote.Close())
	require.Eventually(t, func() bool {
		return errors.Is(s.Send([]byte("ATZ\r")), common.ErrNotConnected)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestStreamRemoteHangup(t *testing.T) {
	pipe := newPipeDevice()
	s := NewStream(DefaultStreamConfig(), pipe.dial, listOf("/dev/rfcomm0"), zaptest.NewLogger(t))

	require.NoError(t, s.Open(context.Background(), Device{Address: "/dev/rfcomm0"}))
	require.NoError(t, pipe.remote.Close())

	assert.Eventually(t, func() bool {
		return errors.Is(s.Send([]byte("ATZ\r")), common.ErrNotConnected)
	}, time.Second, 10*time.Millisecond)
}

func TestStreamOpenFailure(t *testing.T) {
	dial := func(ctx context.Context, path string) (io.ReadWriteCloser, error) {
		return nil, errors.New("permission denied")
	}
	s := NewStream(DefaultStreamConfig(), dial, listOf("/dev/rfcomm0"), zaptest.NewLogger(t))

	err := s.Open(context.Background(), Device{Address: "/dev/rfcomm0"})
	assert.ErrorIs(t, err, common.ErrConnectFailed)
}

func TestFilterMatchesName(t *testing.T) {
	filter := DefaultFilter()

	tests := []struct {
		name     string
		expected bool
	}{
		{"OBDII", true},
		{"obdii-ble", true},
		{"ELM327 v1.5", true},
		{"OBD", true},
		{"Vgate iCar", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, filter.MatchesName(tt.name), "name %q", tt.name)
	}
}

func TestChunk(t *testing.T) {
	data := []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ\r")

	chunks := Chunk(data, ChunkSize)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 20)
	assert.Len(t, chunks[1], 17)

	assert.Len(t, Chunk([]byte("ATZ\r"), ChunkSize), 1)
	assert.Empty(t, Chunk(nil, ChunkSize))
}
