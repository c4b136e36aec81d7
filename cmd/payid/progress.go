package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the current progress message with elapsed time.
// On a terminal the line is redrawn in place; otherwise each message is
// printed once on its own line.
//
// Show starts or updates the display and Dismiss clears it. The pair may be
// repeated; Dismiss without a prior Show is a no-op.
type ProgressPrinter struct {
	out     io.Writer
	animate bool

	mu        sync.Mutex
	message   string
	startTime time.Time
	stopChan  chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer writing to out.
func NewProgressPrinter(out io.Writer) *ProgressPrinter {
	return &ProgressPrinter{out: out, animate: isTerminal(out)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Show displays message, restarting the elapsed counter.
func (p *ProgressPrinter) Show(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.message = message
	p.startTime = time.Now()

	if !p.animate {
		fmt.Fprintf(p.out, "%s...\n", message)
		return
	}

	fmt.Fprintf(p.out, "\r%s...   ", message)
	if p.stopChan == nil {
		p.stopChan = make(chan struct{})
		p.done = make(chan struct{})
		go p.loop(p.stopChan, p.done)
	}
}

func (p *ProgressPrinter) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			seconds := int(time.Since(p.startTime).Seconds())
			if seconds > 0 {
				fmt.Fprintf(p.out, "\r%s (%ds)   ", p.message, seconds)
			}
			p.mu.Unlock()
		}
	}
}

// Dismiss stops the display and clears the line.
func (p *ProgressPrinter) Dismiss() {
	p.mu.Lock()
	stop, done := p.stopChan, p.done
	p.stopChan, p.done = nil, nil
	p.message = ""
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	fmt.Fprint(p.out, clearLineSequence)
}

// Busy reports whether a message is currently shown.
func (p *ProgressPrinter) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.message != ""
}
