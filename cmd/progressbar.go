package cmd

import (
	"context"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/JakeFAU/harvest-engine/internal/progress"
)

// barSink renders item counts from progress events on a terminal bar.
type barSink struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newBarSink(w io.Writer, max int, description string) *barSink {
	return &barSink{bar: progressbar.NewOptions(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)}
}

func (s *barSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if evt.Data.ItemCount != nil {
			if err := s.bar.Set(*evt.Data.ItemCount); err != nil {
				return err
			}
		}
		if evt.Terminal() {
			return s.bar.Finish()
		}
	}
	return nil
}

func (s *barSink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bar.Exit()
}
