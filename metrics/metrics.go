// Package metrics keeps the per-generation training history and serves chart-sized
// series from it.
//
// metrics パッケージは世代ごとの学習統計を全て保持し、描画用に間引いた系列を返す。
package metrics

import (
	"errors"
	"fmt"
	"math"

	"github.com/sw965/plaguezero/selfplay"
	"gonum.org/v1/gonum/stat"
)

var ErrUnknownKey = errors.New("unknown metrics key")

type Key string

const (
	Generation        Key = "generation"
	GamesCompleted    Key = "games_completed"
	Loss              Key = "loss"
	AvgGameLength     Key = "avg_game_length"
	BufferSize        Key = "buffer_size"
	Entropy           Key = "entropy"
	P1WinRate         Key = "p1_win_rate"
	Elo               Key = "elo"
	CheckpointWinRate Key = "checkpoint_win_rate"
)

// Entry is one generation's stats. Optional stats that were not available are NaN.
type Entry map[Key]float64

func optional(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func NewEntry(st selfplay.Stats) Entry {
	var p1Rate float64
	if st.GamesCompleted > 0 {
		p1Rate = float64(st.P1Wins) / float64(st.GamesCompleted)
	}
	return Entry{
		Generation:        float64(st.Generation),
		GamesCompleted:    float64(st.GamesCompleted),
		Loss:              float64(st.Loss),
		AvgGameLength:     st.AvgGameLength,
		BufferSize:        float64(st.BufferSize),
		Entropy:           float64(st.Entropy),
		P1WinRate:         p1Rate,
		Elo:               optional(st.Elo),
		CheckpointWinRate: optional(st.CheckpointWinRate),
	}
}

// Log stores every entry for the whole run.
type Log struct {
	MaxPoints int
	entries   []Entry
}

func NewLog(maxPoints int) *Log {
	return &Log{MaxPoints: maxPoints}
}

func (l *Log) Push(st selfplay.Stats) {
	l.entries = append(l.entries, NewEntry(st))
}

func (l *Log) Len() int {
	return len(l.entries)
}

func (l *Log) Last() (Entry, bool) {
	if len(l.entries) == 0 {
		return nil, false
	}
	return l.entries[len(l.entries)-1], true
}

// Series returns key over all entries, downsampled with largest-triangle-three-buckets
// when there are more than MaxPoints of them.
func (l *Log) Series(key Key) ([]float64, error) {
	ys := make([]float64, len(l.entries))
	for i, e := range l.entries {
		v, ok := e[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
		}
		ys[i] = v
	}
	if l.MaxPoints <= 2 || len(ys) <= l.MaxPoints {
		return ys, nil
	}
	return LTTB(ys, l.MaxPoints), nil
}

// LTTB picks threshold points of ys, x being the index, keeping the first and last
// and from each bucket the point that spans the largest triangle with the previously
// chosen point and the mean of the next bucket.
func LTTB(ys []float64, threshold int) []float64 {
	n := len(ys)
	if threshold >= n || threshold <= 2 {
		return append([]float64(nil), ys...)
	}

	sampled := make([]float64, 0, threshold)
	sampled = append(sampled, ys[0])
	bucketSize := float64(n-2) / float64(threshold-2)
	a := 0

	for i := 1; i < threshold-1; i++ {
		start := int(float64(i-1)*bucketSize) + 1
		end := min(int(float64(i)*bucketSize)+1, n-1)

		nextStart := int(float64(i)*bucketSize) + 1
		nextEnd := min(int(float64(i+1)*bucketSize)+1, n-1)
		avgX := float64(nextStart+nextEnd) / 2
		avgY := stat.Mean(ys[nextStart:nextEnd+1], nil)

		ax, ay := float64(a), ys[a]
		maxArea := -1.0
		maxIdx := start
		for j := start; j <= end; j++ {
			area := math.Abs((ax-avgX)*(ys[j]-ay) - (ax-float64(j))*(avgY-ay))
			if area > maxArea {
				maxArea = area
				maxIdx = j
			}
		}
		sampled = append(sampled, ys[maxIdx])
		a = maxIdx
	}
	return append(sampled, ys[n-1])
}
