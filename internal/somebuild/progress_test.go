package somebuild

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferStateAdvance(t *testing.T) {
	t.Run("positions follow chunks", func(t *testing.T) {
		ind := &recordingIndicator{}
		state := NewTransferState(35, ind)

		var got []int64
		for _, n := range []int{10, 20, 5} {
			got = append(got, state.Advance(n))
		}

		assert.Equal(t, []int64{10, 30, 35}, got)
		assert.Equal(t, []int64{10, 30, 35}, ind.positions)
		assert.Equal(t, int64(35), state.Consumed())
	})

	t.Run("never exceeds declared total", func(t *testing.T) {
		ind := &recordingIndicator{}
		state := NewTransferState(35, ind)

		for _, n := range []int{30, 30, 30} {
			pos := state.Advance(n)
			assert.LessOrEqual(t, pos, int64(35))
		}
		assert.Equal(t, []int64{30, 35, 35}, ind.positions)
		assert.Equal(t, int64(90), state.Consumed())
	})

	t.Run("unknown total counts freely", func(t *testing.T) {
		state := NewTransferState(0, nil)
		state.Advance(1 << 20)
		state.Advance(1 << 20)
		assert.Equal(t, int64(2<<20), state.Consumed())
	})

	t.Run("concurrent advances", func(t *testing.T) {
		state := NewTransferState(0, &recordingIndicator{})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					state.Advance(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(800), state.Consumed())
	})
}

func TestReporterPlainMode(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(&out, false)
	log := NewLogger(r, false)

	bar := r.NewBar(100, StyleDownload)
	bar.SetMessage("Downloading pkg-1.0")
	log.Infof("Package:\t%s", "pkg-1.0_1")
	bar.Set(50)
	bar.Finish("Finished downloading pkg-1.0")
	r.Close()

	text := out.String()
	assert.Contains(t, text, "Downloading pkg-1.0\n")
	assert.Contains(t, text, "pkg-1.0_1")
	assert.Contains(t, text, "Finished downloading pkg-1.0\n")
	assert.NotContains(t, text, "\033[", "no cursor control on a plain writer")
}

func TestReporterKeepsLogLinesWhole(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(&out, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Write([]byte(strings.Repeat("x", 64)))
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 20)
	for _, l := range lines {
		assert.Equal(t, strings.Repeat("x", 64), l)
	}
}

func TestReporterTerminalRedraw(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(&out, true)

	line := &barLine{r: r}
	r.lines = append(r.lines, line)
	line.Write([]byte("\r[###-----] 30%"))
	r.Write([]byte("-> log line"))

	text := out.String()
	assert.Contains(t, text, "[###-----] 30%")
	assert.Contains(t, text, "\033[1A\r\033[J-> log line\n")
	assert.True(t, strings.HasSuffix(text, "\r\033[K[###-----] 30%\n"), "bar is redrawn below the log line")
}
