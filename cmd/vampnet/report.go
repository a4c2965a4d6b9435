// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/vampnet/pkg/codes"
	"github.com/gomlx/vampnet/pkg/maskgit"
	"github.com/gomlx/vampnet/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newSummaryTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				return evenRowStyle
			default:
				return oddRowStyle
			}
		})
}

// printSummary prints one row per variation: how many positions were generated, how many differ
// from the prompt, and the loudness of the result.
func printSummary(prompt *codes.Tokens, results []*maskgit.Result, durations []time.Duration) {
	table := newSummaryTable().
		Headers("Variation", "Generated", "Changed", "Changed %", "RMS", "Duration")
	for variation, result := range results {
		var generated int
		for _, n := range result.NumMaskedAtStart {
			generated += n
		}
		changed := countChanged(prompt, result.Tokens)
		var rms float64
		for b := range result.Signal.Samples {
			rms += result.Signal.RMS(b)
		}
		rms /= float64(len(result.Signal.Samples))
		table.Row(
			strconv.Itoa(variation),
			humanize.Comma(int64(generated)),
			humanize.Comma(int64(changed)),
			humanize.FormatFloat("#.#", 100*float64(changed)/float64(len(prompt.Data))),
			fmt.Sprintf("%.4f", rms),
			commandline.FormatDuration(durations[variation]))
	}
	fmt.Println(titleStyle.Render("Variations"))
	fmt.Println(table.Render())
}

func countChanged(a, b *codes.Tokens) int {
	var n int
	for ii, v := range a.Data {
		if b.Data[ii] != v {
			n++
		}
	}
	return n
}

// plotHistory saves a PNG plot with the number of masked positions after each step, one line per
// variation.
func plotHistory(filePath string, history [][]int) error {
	p := plot.New()
	p.Title.Text = "Masked positions per step"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "masked"
	p.Y.Min = 0
	p.Legend.Top = true

	for variation, counts := range history {
		points := make(plotter.XYs, len(counts))
		for step, n := range counts {
			points[step].X = float64(step + 1)
			points[step].Y = float64(n)
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return errors.Wrapf(err, "failed to plot variation %d", variation)
		}
		line.Color = variationColor(variation)
		line.Width = vg.Points(2)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("variation %d", variation), line)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}

var palette = []color.RGBA{
	{R: 0x70, G: 0x50, B: 0x90, A: 0xff},
	{R: 0xd0, G: 0x60, B: 0x30, A: 0xff},
	{R: 0x30, G: 0x90, B: 0x60, A: 0xff},
	{R: 0x30, G: 0x60, B: 0xc0, A: 0xff},
}

func variationColor(variation int) color.Color {
	return palette[variation%len(palette)]
}

// saveResults saves the token grid of each variation as a tensor file in dir, and returns the
// paths written.
func saveResults(dir string, results []*maskgit.Result) ([]string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %q", dir)
	}
	runID := uuid.NewString()
	paths := make([]string, 0, len(results))
	for variation, result := range results {
		path := filepath.Join(dir, fmt.Sprintf("vampnet_%s_%d.tensor", runID, variation))
		if err := codes.ToTensor(result.Tokens).Save(path); err != nil {
			return nil, errors.WithMessagef(err, "failed to save variation %d", variation)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
