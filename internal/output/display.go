package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/dlcore/internal/types"
	"github.com/tanq16/dlcore/internal/utils"
)

type row struct {
	index     int
	snapshot  types.Snapshot
	startedAt time.Time
	updatedAt time.Time
	warning   string
}

func (r *row) done() bool {
	switch r.snapshot.Kind {
	case types.KindCompleted, types.KindError, types.KindPaused:
		return true
	}
	return false
}

// Display redraws one line per task from the snapshots it is notified of.
type Display struct {
	out      io.Writer
	tick     time.Duration
	mu       sync.RWMutex
	rows     map[string]*row
	next     int
	numLines int
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

func NewDisplay() *Display {
	return &Display{
		out:    os.Stdout,
		tick:   300 * time.Millisecond,
		rows:   make(map[string]*row),
		doneCh: make(chan struct{}),
	}
}

func (d *Display) Notify(s types.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rows[s.TaskID]
	if !ok {
		d.next++
		r = &row{index: d.next, startedAt: s.OccurredAt}
		d.rows[s.TaskID] = r
	}
	r.updatedAt = s.OccurredAt
	if s.Kind == types.KindWarn {
		r.warning = s.Error
		if r.snapshot.Kind == "" {
			r.snapshot = s
		}
		return
	}
	r.snapshot = s
}

func (d *Display) sorted() []*row {
	rows := make([]*row, 0, len(d.rows))
	for _, r := range d.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].done() != rows[j].done() {
			return !rows[i].done()
		}
		return rows[i].index < rows[j].index
	})
	return rows
}

func indicator(kind types.SnapshotKind) string {
	switch kind {
	case types.KindCompleted:
		return successStyle.Render(StyleSymbols["pass"])
	case types.KindError:
		return errorStyle.Render(StyleSymbols["fail"])
	case types.KindWarn, types.KindRetry, types.KindPaused:
		return warningStyle.Render(StyleSymbols["warning"])
	case types.KindPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (r *row) message() string {
	s := r.snapshot
	name := s.Path
	if name == "" {
		name = s.URL
	}
	switch s.Kind {
	case types.KindCompleted:
		if s.Reused {
			return successStyle.Render(fmt.Sprintf("Reused %s", name))
		}
		return successStyle.Render(fmt.Sprintf("Completed %s (%s)", name, utils.FormatBytes(uint64(max(s.SoFar, 0)))))
	case types.KindError:
		return errorStyle.Render(fmt.Sprintf("Failed %s", name))
	case types.KindPaused:
		return warningStyle.Render(fmt.Sprintf("Paused %s at %s", name, utils.FormatBytes(uint64(max(s.SoFar, 0)))))
	case types.KindRetry:
		return warningStyle.Render(fmt.Sprintf("Retrying %s (retry %d)", name, s.Retries))
	case types.KindWarn:
		return warningStyle.Render(name)
	case types.KindPending, types.KindStarted:
		return pendingStyle.Render(fmt.Sprintf("Connecting to %s", s.URL))
	}
	return pendingStyle.Render(fmt.Sprintf("Downloading %s", name))
}

// lines renders every row, giving up completed rows first when space runs out.
func (d *Display) lines(width, height int) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	available := height - 3
	var active, finished []string
	for _, r := range d.sorted() {
		elapsed := r.updatedAt.Sub(r.startedAt).Round(time.Second)
		if !r.done() {
			elapsed = time.Since(r.startedAt).Round(time.Second)
		}
		head := fmt.Sprintf("  %s %s %s", indicator(r.snapshot.Kind), debugStyle.Render(elapsed.String()), r.message())
		var detail []string
		switch {
		case r.snapshot.Kind == types.KindError:
			for _, l := range wrapText(r.snapshot.Error, 6, width) {
				detail = append(detail, "      "+errorStyle.Render(l))
			}
		case !r.done() && r.snapshot.Total > 0:
			text := fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(r.snapshot.SoFar)), utils.FormatBytes(uint64(r.snapshot.Total)))
			speed := utils.FormatSpeed(r.snapshot.SoFar, time.Since(r.startedAt).Seconds())
			detail = append(detail, fmt.Sprintf("      %s%s %s %s", progressBar(r.snapshot.SoFar, r.snapshot.Total, 30), debugStyle.Render(text), StyleSymbols["bullet"], debugStyle.Render(speed)))
		case !r.done() && r.snapshot.SoFar > 0:
			detail = append(detail, "      "+streamStyle.Render(utils.FormatBytes(uint64(r.snapshot.SoFar))+" (size unknown)"))
		}
		if r.warning != "" && !r.done() {
			detail = append(detail, "      "+warningStyle.Render(r.warning))
		}
		if r.done() {
			finished = append(finished, head)
			finished = append(finished, detail...)
		} else {
			active = append(active, head)
			active = append(active, detail...)
		}
	}
	if len(active) >= available {
		return active[:max(available, 0)]
	}
	if room := available - len(active); len(finished) > room {
		finished = finished[len(finished)-room:]
	}
	return append(active, finished...)
}

func (d *Display) redraw() {
	width, height := terminalSize()
	lines := d.lines(width, height)
	if d.numLines > 0 {
		fmt.Fprintf(d.out, "\033[%dA\033[J", d.numLines)
	}
	for _, l := range lines {
		fmt.Fprintln(d.out, l)
	}
	d.numLines = len(lines)
}

func (d *Display) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.redraw()
			case <-d.doneCh:
				d.redraw()
				d.summary()
				return
			}
		}
	}()
}

func (d *Display) Stop() {
	close(d.doneCh)
	d.wg.Wait()
}

func (d *Display) summary() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var completed, failed, paused int
	for _, r := range d.rows {
		switch r.snapshot.Kind {
		case types.KindCompleted:
			completed++
		case types.KindError:
			failed++
		case types.KindPaused:
			paused++
		}
	}
	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, "  "+success2Style.Render(fmt.Sprintf("Completed %d of %d", completed, len(d.rows))))
	if paused > 0 {
		fmt.Fprintln(d.out, "  "+warningStyle.Render(fmt.Sprintf("Paused %d of %d", paused, len(d.rows))))
	}
	if failed > 0 {
		fmt.Fprintln(d.out, "  "+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, len(d.rows))))
	}
	fmt.Fprintln(d.out)
}

// Failed reports whether any task ended in error.
func (d *Display) Failed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.rows {
		if r.snapshot.Kind == types.KindError {
			return true
		}
	}
	return false
}

// PrintTasks writes a status table of stored task records.
func PrintTasks(w io.Writer, tasks []types.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "  "+debugStyle.Render("no stored tasks"))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-36s  %-9s  %-21s  %s", "ID", "STATUS", "PROGRESS", "TARGET")))
	for _, t := range tasks {
		progress := utils.FormatBytes(uint64(max(t.SoFar, 0)))
		if t.Total > 0 {
			progress = fmt.Sprintf("%s / %s", progress, utils.FormatBytes(uint64(t.Total)))
		}
		target := t.TargetPath()
		if target == "" {
			target = t.Path + string(os.PathSeparator)
		}
		status := t.Status.String()
		var styled string
		switch t.Status {
		case types.StatusError:
			styled = errorStyle.Render(fmt.Sprintf("%-9s", status))
		case types.StatusPaused:
			styled = warningStyle.Render(fmt.Sprintf("%-9s", status))
		default:
			styled = infoStyle.Render(fmt.Sprintf("%-9s", status))
		}
		fmt.Fprintf(w, "%s  %s  %-21s  %s\n", t.ID, styled, progress, target)
		if t.ErrMsg != "" && t.Status == types.StatusError {
			fmt.Fprintln(w, strings.Repeat(" ", 38)+errorStyle.Render(t.ErrMsg))
		}
	}
}
