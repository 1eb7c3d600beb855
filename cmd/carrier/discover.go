package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newDiscoverCommand(a *app) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the local subnet for the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			var onProbe func(done, total int)
			progress := newScanProgress(os.Stderr)
			if !quiet {
				onProbe = progress.probe
			}
			svc, err := a.discovery(onProbe)
			if err != nil {
				return err
			}
			defer svc.Close()

			ep, err := svc.Resolve(cmd.Context())
			progress.finish()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ep.String())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no progress bar")
	return cmd
}

// scanProgress draws probe progress. probe is called from the scan's
// goroutines, possibly after the command stopped waiting; calls after
// finish are ignored.
type scanProgress struct {
	w io.Writer

	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	finished bool
}

func newScanProgress(w io.Writer) *scanProgress {
	return &scanProgress{w: w}
}

func (p *scanProgress) probe(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	if p.bar == nil {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription("Procurando relay"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	p.bar.Add(1)
}

func (p *scanProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	if p.bar != nil {
		p.bar.Finish()
	}
}
