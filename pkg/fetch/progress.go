package fetch

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Progress tracks bytes across every concurrent download of a run.
type Progress interface {
	// Expect grows the expected total by n bytes.
	Expect(n int64)
	Advance(n int64)
}

type NopProgress struct{}

func (NopProgress) Expect(int64)  {}
func (NopProgress) Advance(int64) {}

// Bar is a single terminal progress bar shared by all workers.
type Bar struct {
	bar *progressbar.ProgressBar
}

var (
	_ Progress = NopProgress{}
	_ Progress = (*Bar)(nil)
)

func NewBar(w io.Writer) *Bar {
	return &Bar{
		bar: progressbar.NewOptions64(0,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (b *Bar) Expect(n int64) {
	b.bar.ChangeMax64(b.bar.GetMax64() + n)
}

func (b *Bar) Advance(n int64) {
	_ = b.bar.Add64(n)
}

func (b *Bar) Finish() error {
	return b.bar.Finish()
}
