package client

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress 接收传输进度。
type Progress interface {
	Start(name string, total int64)
	Add(n int64)
	Done(err error)
}

type nopProgress struct{}

func (nopProgress) Start(string, int64) {}
func (nopProgress) Add(int64)           {}
func (nopProgress) Done(error)          {}

type progressWriter struct {
	p Progress
}

func (w progressWriter) Write(b []byte) (int, error) {
	if len(b) > 0 && w.p != nil {
		w.p.Add(int64(len(b)))
	}
	return len(b), nil
}

const (
	barWidth     = 32
	renderPeriod = 120 * time.Millisecond
)

// Bar 在终端上绘制 ASCII 进度条。
type Bar struct {
	out io.Writer

	mu         sync.Mutex
	name       string
	total      int64
	current    int64
	lastRender time.Time
	lastWidth  int
}

// NewBar 创建一个输出到 out 的进度条。
func NewBar(out io.Writer) *Bar {
	return &Bar{out: out}
}

func (b *Bar) Start(name string, total int64) {
	b.mu.Lock()
	b.name, b.total, b.current = name, total, 0
	b.lastRender = time.Time{}
	b.mu.Unlock()
	b.render(true, "")
}

func (b *Bar) Add(n int64) {
	b.mu.Lock()
	b.current += n
	b.mu.Unlock()
	b.render(false, "")
}

func (b *Bar) Done(err error) {
	suffix := " ok"
	if err != nil {
		suffix = fmt.Sprintf(" failed: %v", err)
	}
	b.render(true, suffix)
	b.mu.Lock()
	fmt.Fprintln(b.out)
	b.lastWidth = 0
	b.mu.Unlock()
}

func (b *Bar) render(force bool, suffix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if !force && now.Sub(b.lastRender) < renderPeriod {
		return
	}
	b.lastRender = now

	line := b.lineLocked() + suffix
	width := len(line)
	if pad := b.lastWidth - width; pad > 0 {
		line += strings.Repeat(" ", pad)
	}
	b.lastWidth = width
	fmt.Fprint(b.out, "\r"+line)
}

func (b *Bar) lineLocked() string {
	var sb strings.Builder
	sb.WriteString(b.name)
	sb.WriteByte(' ')
	if b.total <= 0 {
		sb.WriteString(humanize.IBytes(uint64(b.current)))
		return sb.String()
	}
	ratio := float64(b.current) / float64(b.total)
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio*barWidth + 0.5)
	sb.WriteByte('[')
	sb.WriteString(strings.Repeat("=", filled))
	sb.WriteString(strings.Repeat(" ", barWidth-filled))
	fmt.Fprintf(&sb, "] %3d%% %s/%s", int(ratio*100+0.5), humanize.IBytes(uint64(b.current)), humanize.IBytes(uint64(b.total)))
	return sb.String()
}
