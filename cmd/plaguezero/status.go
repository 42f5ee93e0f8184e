package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/muesli/termenv"
	"github.com/sw965/plaguezero/metrics"
)

// statusLine formats one generation for the terminal. Missing optional stats are left out.
func statusLine(out *termenv.Output, e metrics.Entry) string {
	parts := []string{
		out.String(fmt.Sprintf("gen %d", int(e[metrics.Generation]))).Bold().String(),
		fmt.Sprintf("games %d", int(e[metrics.GamesCompleted])),
		out.String(fmt.Sprintf("loss %.4f", e[metrics.Loss])).Foreground(out.Color("3")).String(),
		fmt.Sprintf("entropy %.3f", e[metrics.Entropy]),
		fmt.Sprintf("len %.1f", e[metrics.AvgGameLength]),
		fmt.Sprintf("p1 %.0f%%", 100*e[metrics.P1WinRate]),
	}
	if elo := e[metrics.Elo]; !math.IsNaN(elo) {
		parts = append(parts, out.String(fmt.Sprintf("elo %.0f", elo)).Foreground(out.Color("6")).String())
	}
	if rate := e[metrics.CheckpointWinRate]; !math.IsNaN(rate) {
		color := "1"
		if rate >= 0.5 {
			color = "2"
		}
		parts = append(parts, out.String(fmt.Sprintf("vs ckpt %.0f%%", 100*rate)).Foreground(out.Color(color)).String())
	}
	return strings.Join(parts, "  ")
}
