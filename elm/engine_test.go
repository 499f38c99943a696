package elm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"elm327-diag/common"
)

// fakeLink отвечает на команды асинхронно заранее заданными фрагментами
type fakeLink struct {
	mu      sync.Mutex
	handler func([]byte)
	replies map[string][]string
	delay   time.Duration
	sent    []string
	sendErr error

	outstanding int32
	overlaps    int32
}

func newFakeLink(replies map[string][]string) *fakeLink {
	return &fakeLink{replies: replies}
}

func (f *fakeLink) Subscribe(fn func([]byte)) {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
}

func (f *fakeLink) Send(p []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	cmd := strings.TrimSuffix(string(p), "\r")

	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	chunks, ok := f.replies[cmd]
	handler := f.handler
	delay := f.delay
	f.mu.Unlock()

	if atomic.AddInt32(&f.outstanding, 1) > 1 {
		atomic.AddInt32(&f.overlaps, 1)
	}
	if !ok {
		// Нет ответа: команда повиснет до таймаута или отмены
		atomic.AddInt32(&f.outstanding, -1)
		return nil
	}

	go func() {
		for i, chunk := range chunks {
			time.Sleep(delay)
			if i == len(chunks)-1 {
				atomic.AddInt32(&f.outstanding, -1)
			}
			handler([]byte(chunk))
		}
	}()
	return nil
}

func (f *fakeLink) emit(data string) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler([]byte(data))
}

func (f *fakeLink) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{CommandTimeout: time.Second, PromptGrace: 0}
}

func TestExecuteAssemblesChunks(t *testing.T) {
	link := newFakeLink(map[string][]string{
		"010C": {"41 0C", " 1A F8\r", "\r>"},
	})
	engine := New(link, testConfig(), zaptest.NewLogger(t))

	resp, err := engine.Execute(context.Background(), "010C", 0)
	require.NoError(t, err)
	assert.Equal(t, "41 0C 1A F8\r\r", resp.String())
	assert.False(t, resp.ReceivedAt.IsZero())
	assert.Equal(t, []string{"010C"}, link.sentCommands())
	assert.False(t, engine.Busy())
}

func TestExecuteTimeout(t *testing.T) {
	link := newFakeLink(map[string][]string{
		"ATI": {"ELM327 v1.5\r\r>"},
	})
	engine := New(link, testConfig(), zaptest.NewLogger(t))

	start := time.Now()
	_, err := engine.Execute(context.Background(), "010C", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, common.IsTimeout(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var cmdErr *common.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "010C", cmdErr.Command)
	assert.GreaterOrEqual(t, cmdErr.Elapsed, 50*time.Millisecond)

	// Частичный ответ отброшен, слот свободен
	link.emit("41 0C 1A")
	resp, err := engine.Execute(context.Background(), "ATI", 0)
	require.NoError(t, err)
	assert.Equal(t, "ELM327 v1.5\r\r", resp.String())
}

func TestExecuteSerializesConcurrentCallers(t *testing.T) {
	replies := map[string][]string{}
	commands := []string{"010C", "010D", "0105", "0111", "012F", "010F", "010B", "0110"}
	for _, cmd := range commands {
		replies[cmd] = []string{"41 " + cmd[2:] + " 00", " 00\r", "\r>"}
	}
	link := newFakeLink(replies)
	link.delay = 2 * time.Millisecond
	engine := New(link, Config{CommandTimeout: 5 * time.Second}, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for _, cmd := range commands {
			wg.Add(1)
			go func(cmd string) {
				defer wg.Done()
				resp, err := engine.Execute(context.Background(), cmd, 0)
				if assert.NoError(t, err) {
					assert.True(t, strings.HasPrefix(resp.String(), "41 "+cmd[2:]), "response %q for %s", resp.String(), cmd)
				}
			}(cmd)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&link.overlaps))
	assert.Len(t, link.sentCommands(), 3*len(commands))
}

func TestAbortReleasesSlot(t *testing.T) {
	link := newFakeLink(map[string][]string{
		"ATI": {"ELM327 v1.5\r\r>"},
	})
	engine := New(link, Config{CommandTimeout: 10 * time.Second}, zaptest.NewLogger(t))

	errc := make(chan error, 1)
	go func() {
		_, err := engine.Execute(context.Background(), "03", 0)
		errc <- err
	}()

	require.Eventually(t, engine.Busy, time.Second, 5*time.Millisecond)
	engine.Abort()

	select {
	case err := <-errc:
		assert.True(t, common.IsTimeout(err))
	case <-time.After(time.Second):
		t.Fatal("aborted command did not return")
	}

	resp, err := engine.Execute(context.Background(), "ATI", 0)
	require.NoError(t, err)
	assert.Contains(t, resp.String(), "ELM327")

	engine.Abort() // без команды в полёте ничего не делает
}

func TestPromptlessResponse(t *testing.T) {
	link := newFakeLink(map[string][]string{
		"ATE0": {"OK\r"},
	})

	engine := New(link, Config{CommandTimeout: time.Second, PromptGrace: 30 * time.Millisecond}, zaptest.NewLogger(t))
	resp, err := engine.Execute(context.Background(), "ATE0", 0)
	require.NoError(t, err)
	assert.Equal(t, "OK\r", resp.String())

	strict := New(link, Config{CommandTimeout: 100 * time.Millisecond}, zaptest.NewLogger(t))
	_, err = strict.Execute(context.Background(), "ATE0", 0)
	assert.True(t, common.IsTimeout(err))
}

func TestPromptlessWaitsForMoreLines(t *testing.T) {
	link := newFakeLink(map[string][]string{
		"0902": {"49 02 01 31\r", "49 02 02 44\r", "\r>"},
	})
	link.delay = 10 * time.Millisecond

	engine := New(link, Config{CommandTimeout: time.Second, PromptGrace: 100 * time.Millisecond}, zaptest.NewLogger(t))
	resp, err := engine.Execute(context.Background(), "0902", 0)
	require.NoError(t, err)
	assert.Equal(t, "49 02 01 31\r49 02 02 44\r\r", resp.String())
}

func TestUnsolicitedDataDropped(t *testing.T) {
	link := newFakeLink(map[string][]string{
		"ATRV": {"12.4V\r\r>"},
	})
	engine := New(link, testConfig(), zaptest.NewLogger(t))

	link.emit("STOPPED\r\r>")

	resp, err := engine.Execute(context.Background(), "ATRV", 0)
	require.NoError(t, err)
	assert.Equal(t, "12.4V\r\r", resp.String())
}

func TestExecuteSendFailure(t *testing.T) {
	link := newFakeLink(nil)
	link.sendErr = common.ErrNotConnected
	engine := New(link, testConfig(), zaptest.NewLogger(t))

	_, err := engine.Execute(context.Background(), "03", 0)
	assert.ErrorIs(t, err, common.ErrNotConnected)
	assert.False(t, engine.Busy())
}

func TestExecuteContextCancelled(t *testing.T) {
	link := newFakeLink(nil)
	engine := New(link, Config{CommandTimeout: 10 * time.Second}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := engine.Execute(ctx, "03", 0)
	assert.ErrorIs(t, err, context.Canceled)

	// Отменённый контекст не даёт встать в очередь
	_, err = engine.Execute(ctx, "03", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResponseHook(t *testing.T) {
	link := newFakeLink(map[string][]string{
		"ATI": {"ELM327 v1.5\r\r>"},
	})
	engine := New(link, testConfig(), zaptest.NewLogger(t))

	var got []string
	engine.OnResponse(func(cmd string, resp common.RawResponse) {
		got = append(got, cmd+"="+strings.TrimSpace(resp.String()))
	})

	_, err := engine.Execute(context.Background(), "ATI", 0)
	require.NoError(t, err)
	_, _ = engine.Execute(context.Background(), "03", 20*time.Millisecond)

	assert.Equal(t, []string{"ATI=ELM327 v1.5"}, got)
}

func TestPromptlessSkipsNonDataLines(t *testing.T) {
	tests := []struct {
		name   string
		cmd    string
		chunks []string
		want   string
	}{
		{"searching", "0100", []string{"SEARCHING...\r", "41 00 BE 3E B8 11\r\r>"}, "41 00 BE 3E B8 11"},
		{"bus init", "010C", []string{"BUS INIT: ...\r", "41 0C 1A F8\r\r>"}, "41 0C 1A F8"},
		{"echo", "0100", []string{"0100\r", "41 00 BE 3E B8 11\r\r>"}, "41 00 BE 3E B8 11"},
		{"reset echo", "ATZ", []string{"ATZ\r", "\r\rELM327 v1.5\r\r>"}, "ELM327 v1.5"},
		{"reset banner", "ATWS", []string{"\r\rELM327 v1.5\r", "\r>"}, "ELM327 v1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := newFakeLink(map[string][]string{tt.cmd: tt.chunks})
			link.delay = 120 * time.Millisecond

			engine := New(link, Config{CommandTimeout: 2 * time.Second, PromptGrace: 30 * time.Millisecond}, zaptest.NewLogger(t))
			resp, err := engine.Execute(context.Background(), tt.cmd, 0)
			require.NoError(t, err)
			assert.Contains(t, resp.String(), tt.want)
			assert.True(t, strings.HasSuffix(resp.String(), "\r"))
		})
	}
}

func TestLatePromptNotAttributedToNextCommand(t *testing.T) {
	link := newFakeLink(map[string][]string{
		"ATI": {"ELM327 v1.5\r\r>"},
	})
	engine := New(link, Config{CommandTimeout: time.Second, ResyncTimeout: time.Second}, zaptest.NewLogger(t))

	_, err := engine.Execute(context.Background(), "03", 30*time.Millisecond)
	require.True(t, common.IsTimeout(err))

	// Адаптер дописывает ответ на 03 уже после таймаута
	go func() {
		time.Sleep(50 * time.Millisecond)
		link.emit("43 01 33 00 00 00 00\r\r>")
	}()

	start := time.Now()
	resp, err := engine.Execute(context.Background(), "ATI", 0)
	require.NoError(t, err)
	assert.Equal(t, "ELM327 v1.5\r\r", resp.String())
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	// Следующая команда уже не ждёт
	start = time.Now()
	_, err = engine.Execute(context.Background(), "ATI", 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestResyncGivesUpWithoutPrompt(t *testing.T) {
	link := newFakeLink(map[string][]string{
		"ATI": {"ELM327 v1.5\r\r>"},
	})
	engine := New(link, Config{CommandTimeout: time.Second, ResyncTimeout: 80 * time.Millisecond}, zaptest.NewLogger(t))

	_, err := engine.Execute(context.Background(), "03", 20*time.Millisecond)
	require.True(t, common.IsTimeout(err))

	start := time.Now()
	resp, err := engine.Execute(context.Background(), "ATI", 0)
	require.NoError(t, err)
	assert.Equal(t, "ELM327 v1.5\r\r", resp.String())
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = engine.Execute(ctx, "03", 20*time.Millisecond)
	require.True(t, common.IsTimeout(err))
	cancel()
	_, err = engine.Execute(ctx, "ATI", 0)
	assert.ErrorIs(t, err, context.Canceled)
}
