package somebuild

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// BarStyle selects how an indicator renders its counts.
type BarStyle int

const (
	StyleDownload BarStyle = iota // bytes, rate and ETA
	StyleBuild                    // step count
)

// Indicator is the progress handle the pipeline and executor drive.
type Indicator interface {
	SetTotal(total int64)
	Set(pos int64)
	Add(delta int64)
	SetMessage(msg string)
	Finish(msg string)
}

// Reporter multiplexes progress bars and log lines onto one writer. Bars
// occupy the bottom lines of the terminal; log lines are printed above them
// and the bars are redrawn, so concurrent indicators never tear each other.
// On a non-terminal writer bars are hidden and only messages are printed.
type Reporter struct {
	mu     sync.Mutex
	out    io.Writer
	tty    bool
	lines  []*barLine
	drawn  int
	closed bool
}

func NewReporter(out io.Writer, tty bool) *Reporter {
	return &Reporter{out: out, tty: tty}
}

// Write prints p as one or more complete log lines above the live bars.
func (r *Reporter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearLocked()
	buf := p
	if !bytes.HasSuffix(buf, []byte("\n")) {
		buf = append(append([]byte{}, p...), '\n')
	}
	_, err := r.out.Write(buf)
	r.redrawLocked()
	return len(p), err
}

// Close stops redrawing. Bars already on screen stay as rendered.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Reporter) clearLocked() {
	if !r.tty || r.drawn == 0 {
		return
	}
	fmt.Fprintf(r.out, "\033[%dA\r\033[J", r.drawn)
	r.drawn = 0
}

func (r *Reporter) redrawLocked() {
	if !r.tty || r.closed {
		return
	}
	var b strings.Builder
	if r.drawn > 0 {
		fmt.Fprintf(&b, "\033[%dA", r.drawn)
	}
	for _, l := range r.lines {
		b.WriteString("\r\033[K")
		b.WriteString(l.text)
		b.WriteString("\n")
	}
	r.drawn = len(r.lines)
	io.WriteString(r.out, b.String())
}

// barLine receives a progressbar's rendering and stores it as the text of
// one surface line.
type barLine struct {
	r    *Reporter
	text string
}

func (l *barLine) Write(p []byte) (int, error) {
	var text string
	segments := strings.Split(string(p), "\r")
	for i := len(segments) - 1; i >= 0; i-- {
		if s := strings.TrimRight(segments[i], " \n"); s != "" {
			text = s
			break
		}
	}
	if text == "" {
		return len(p), nil
	}

	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	l.text = text
	l.r.redrawLocked()
	return len(p), nil
}

// Bar is one live indicator on a Reporter. Errors from the underlying
// renderer are dropped: progress never affects the build result.
type Bar struct {
	r     *Reporter
	pb    *progressbar.ProgressBar
	total int64
}

// NewBar adds an indicator. A total <= 0 means unknown and renders a spinner.
func (r *Reporter) NewBar(total int64, style BarStyle) *Bar {
	line := &barLine{r: r}
	r.mu.Lock()
	if r.tty {
		r.lines = append(r.lines, line)
	}
	r.mu.Unlock()

	if total <= 0 {
		total = -1
	}
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(line),
		progressbar.OptionSetVisibility(r.tty),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65 * time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionUseANSICodes(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "#",
			SaucerHead:    ">",
			SaucerPadding: "-",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	}
	switch style {
	case StyleDownload:
		opts = append(opts,
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionShowElapsedTimeOnFinish(),
		)
	case StyleBuild:
		opts = append(opts,
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionShowElapsedTimeOnFinish(),
		)
	}

	return &Bar{r: r, pb: progressbar.NewOptions64(total, opts...), total: total}
}

func (b *Bar) SetTotal(total int64) {
	if total <= 0 {
		total = -1
	}
	b.total = total
	b.pb.ChangeMax64(total)
}

func (b *Bar) Set(pos int64) {
	_ = b.pb.Set64(pos)
}

func (b *Bar) Add(delta int64) {
	_ = b.pb.Add64(delta)
}

func (b *Bar) SetMessage(msg string) {
	b.pb.Describe(msg)
	if !b.r.tty {
		b.r.Write([]byte(msg))
	}
}

func (b *Bar) Finish(msg string) {
	b.pb.Describe(msg)
	_ = b.pb.Finish()
	if !b.r.tty {
		b.r.Write([]byte(msg))
	}
}

// TransferState tracks bytes consumed for one transfer and mirrors the
// position onto an indicator. The reported position never exceeds a known
// total, even when the server sends more than it declared.
type TransferState struct {
	mu       sync.Mutex
	consumed int64
	total    int64
	ind      Indicator
}

func NewTransferState(total int64, ind Indicator) *TransferState {
	if total < 0 {
		total = 0
	}
	return &TransferState{total: total, ind: ind}
}

// Advance records n more bytes and returns the reported position.
func (t *TransferState) Advance(n int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed += int64(n)
	pos := t.consumed
	if t.total > 0 && pos > t.total {
		pos = t.total
	}
	if t.ind != nil {
		t.ind.Set(pos)
	}
	return pos
}

func (t *TransferState) Consumed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumed
}
