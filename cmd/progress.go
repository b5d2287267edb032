package main

import (
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/formulary/pkg/pipeline"
)

func getProgressBar(w io.Writer, total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(w io.Writer, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
}

// ingestProgress renders ingestion state changes and embedding progress.
type ingestProgress struct {
	w   io.Writer
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newIngestProgress(w io.Writer) *ingestProgress {
	return &ingestProgress{w: w}
}

func (p *ingestProgress) StateChanged(state pipeline.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar != nil && state != pipeline.StateEmbedding {
		p.bar.Finish()
		p.bar = nil
		io.WriteString(p.w, "\n")
	}
	switch state {
	case pipeline.StateComplete:
		color.New(color.FgGreen).Fprintln(p.w, "✓ Ingestion complete")
	case pipeline.StateFailed:
		color.New(color.FgRed).Fprintln(p.w, "✗ Ingestion failed")
	default:
		color.New(color.FgBlue).Fprintf(p.w, "%s...\n", stateLabel(state))
	}
}

func (p *ingestProgress) EmbeddingProgress(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil {
		p.bar = getProgressBar(p.w, total, "Embedding chunks")
	}
	p.bar.Set(done)
}

func stateLabel(state pipeline.State) string {
	s := string(state)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
