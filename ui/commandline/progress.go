// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/vampnet/pkg/maskgit"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// Progress displays the decoding steps of one or more concurrent variations: a progress bar over
// all steps and a table with the state of each variation. It also keeps the history of masked
// positions per step, see History.
//
// StepFn is safe for concurrent use. Call Done once generation finishes.
type Progress struct {
	numVariations int
	steps         []int // Steps of each variation.
	start         time.Time

	mu      sync.Mutex
	history [][]int      // [variation][step] -> masked positions summed over the batch.
	states  []StepStatus // Latest step of each variation.

	bar           *progressbar.ProgressBar
	out           io.Writer
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan int
	updatesDone   sync.WaitGroup
}

// StepStatus is the latest state of one variation.
type StepStatus struct {
	Step, Steps            int
	NumMasked, NumToReveal int
	Temperature            float64
	Elapsed                time.Duration
}

// NewProgress creates a progress display for one run per element of steps, each with the given
// number of decoding steps. If interactive is false nothing is drawn, only the history is kept.
func NewProgress(steps []int, interactive bool) *Progress {
	numVariations := len(steps)
	p := &Progress{
		numVariations: numVariations,
		steps:         slices.Clone(steps),
		start:         time.Now(),
		history:       make([][]int, numVariations),
		states:        make([]StepStatus, numVariations),
	}
	var totalSteps int
	for ii, numSteps := range steps {
		p.history[ii] = make([]int, 0, numSteps)
		p.states[ii].Steps = numSteps
		totalSteps += numSteps
	}
	if !interactive {
		return p
	}
	p.out = os.Stdout
	p.isFirstOutput = true
	p.termenv = termenv.NewOutput(os.Stdout)
	p.bar = progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(p.out),
	)
	p.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	p.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	p.updates = make(chan int, 100) // Large buffer so decoding is not blocked.
	p.updatesDone.Add(1)
	go p.drawLoop()
	return p
}

// StepFn records a finished step, it is meant to be used as maskgit.Generator.StepFn.
func (p *Progress) StepFn(info maskgit.StepInfo) {
	var masked, atStart int
	for b, n := range info.NumMasked {
		masked += n
		atStart += info.NumMaskedAtStart[b]
	}
	p.mu.Lock()
	if info.Variation >= 0 && info.Variation < p.numVariations {
		p.history[info.Variation] = append(p.history[info.Variation], masked)
		p.states[info.Variation] = StepStatus{
			Step:        info.Step + 1,
			Steps:       info.Steps,
			NumMasked:   masked,
			NumToReveal: atStart,
			Temperature: info.Temperature,
			Elapsed:     time.Since(p.start),
		}
	}
	p.mu.Unlock()
	if p.updates != nil {
		p.updates <- 1
	}
}

// drawLoop asynchronously draws updates, so a slow terminal doesn't slow down decoding.
func (p *Progress) drawLoop() {
	defer p.updatesDone.Done()
	for amount := range p.updates {
		// Exhaust the updates in the buffer:
	exhaust:
		for {
			select {
			case more, ok := <-p.updates:
				if !ok {
					break exhaust
				}
				amount += more
			default:
				break exhaust
			}
		}

		p.mu.Lock()
		p.statsTable.Data(lgtable.NewStringData())
		p.statsTable.Headers("Variation", "Step", "Masked", "Temperature", "Elapsed")
		for variation, state := range p.states {
			p.statsTable.Row(
				strconv.Itoa(variation),
				fmt.Sprintf("%d of %d", state.Step, p.steps[variation]),
				fmt.Sprintf("%s of %s", humanize.Comma(int64(state.NumMasked)), humanize.Comma(int64(state.NumToReveal))),
				fmt.Sprintf("%.3f", state.Temperature),
				FormatDuration(state.Elapsed))
		}
		p.mu.Unlock()

		// Clear the previous lines that will be overwritten.
		p.termenv.HideCursor()
		if !p.isFirstOutput {
			// Table rows, header, 3 border lines, the progress bar and the empty line after it.
			p.termenv.CursorPrevLine(p.numVariations + 1 + 3 + 1)
		}
		p.isFirstOutput = false
		_, _ = fmt.Fprintln(p.out, p.statsStyle.Render(p.statsTable.String()))
		_ = p.bar.Add(amount)
		_, _ = fmt.Fprintln(p.out)
		p.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Done stops the display and waits for pending updates to be drawn.
func (p *Progress) Done() {
	if p.updates != nil {
		close(p.updates)
		p.updatesDone.Wait()
		p.updates = nil
		p.termenv.ShowCursor()
	}
}

// History returns a copy of the number of masked positions after each step, per variation.
func (p *Progress) History() [][]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	history := make([][]int, len(p.history))
	for ii, h := range p.history {
		history[ii] = slices.Clone(h)
	}
	return history
}

// Status returns the latest state of a variation.
func (p *Progress) Status(variation int) StepStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[variation]
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
