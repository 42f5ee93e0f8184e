// Package plague implements the plague territory game: two players claim cells on a
// grid and, after every pair of moves, empty cells are stochastically infected by
// their neighbours. The game ends when no empty cell remains.
//
// plague パッケージは、2人のプレイヤーが盤面のマスを取り合い、毎ターン隣接マスへ確率的に
// 感染が広がる陣取りゲームを実装する。空きマスが無くなった時点で終局となる。
package plague

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

var (
	ErrBoardSize = errors.New("board size mismatch")
	ErrCellValue = errors.New("invalid cell value")
)

type Cell int8

const (
	Empty Cell = 0
	Wall  Cell = 2
)

func (c Cell) IsValid() bool {
	switch c {
	case Empty, Wall, Cell(P1), Cell(P2):
		return true
	}
	return false
}

// Player is the signed owner of a cell. Draw is only ever returned as a winner.
type Player int8

const (
	P1   Player = 1
	P2   Player = -1
	Draw Player = 0
)

func (p Player) Opposite() Player {
	return -p
}

func (p Player) String() string {
	switch p {
	case P1:
		return "P1"
	case P2:
		return "P2"
	}
	return "Draw"
}

// WallValue is the encoding of a wall cell from either player's perspective.
const WallValue float32 = 0.5

type Counts struct {
	P1    int
	P2    int
	Empty int
}

type Engine struct {
	rows  int
	cols  int
	walls bool
	board []Cell
	rng   *rand.Rand
}

func New(rows, cols int, walls bool, rng *rand.Rand) *Engine {
	e := &Engine{
		rows:  rows,
		cols:  cols,
		walls: walls,
		board: make([]Cell, rows*cols),
		rng:   rng,
	}
	e.Reset()
	return e
}

func (e *Engine) Rows() int { return e.rows }
func (e *Engine) Cols() int { return e.cols }
func (e *Engine) Size() int { return len(e.board) }

// Reset clears the board and, for the wall variant, generates a fresh obstacle layout.
func (e *Engine) Reset() {
	clear(e.board)
	if e.walls {
		e.generateWalls()
	}
}

var (
	dirRows = [4]int{0, 1, 0, -1}
	dirCols = [4]int{1, 0, -1, 0}
)

func (e *Engine) generateWalls() {
	area := float64(e.rows * e.cols)
	base := 5 + e.rng.IntN(8)
	// 10x10 の盤面で 5〜12 本になるよう面積に比例させる
	numChains := int(math.Round(float64(base) * area / 100.0))

	for range numChains {
		r := e.rng.IntN(e.rows)
		c := e.rng.IntN(e.cols)
		length := 1 + e.rng.IntN(4)
		dir := e.rng.IntN(4)
		for range length {
			if r < 0 || r >= e.rows || c < 0 || c >= e.cols {
				break
			}
			e.board[r*e.cols+c] = Wall
			r += dirRows[dir]
			c += dirCols[dir]
			if e.rng.Float64() < 0.3 {
				if e.rng.Float64() < 0.5 {
					dir = (dir + 1) % 4
				} else {
					dir = (dir + 3) % 4
				}
			}
		}
	}

	midR, midC := e.rows/2, e.cols/2
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			r, c := midR+dr, midC+dc
			if r < 0 || r >= e.rows || c < 0 || c >= e.cols {
				continue
			}
			e.board[r*e.cols+c] = Empty
		}
	}
}

func (e *Engine) ValidMovesMask() []float32 {
	mask := make([]float32, len(e.board))
	for i, v := range e.board {
		if v == Empty {
			mask[i] = 1
		}
	}
	return mask
}

func (e *Engine) HasValidMove() bool {
	return slices.Contains(e.board, Empty)
}

// MakeMove places player's stone on index. It reports false, leaving the board
// untouched, when index is off the board or the cell is not empty.
func (e *Engine) MakeMove(player Player, index int) bool {
	if index < 0 || index >= len(e.board) || e.board[index] != Empty {
		return false
	}
	e.board[index] = Cell(player)
	return true
}

// Step spreads both players into empty cells. Every non-wall neighbour contributes its
// sign scaled by its own uniform draw, and all cells are updated from the previous
// board simultaneously.
func (e *Engine) Step() {
	prev := slices.Clone(e.board)
	at := func(r, c int) (Cell, bool) {
		v := prev[r*e.cols+c]
		return v, v != Wall
	}

	for r := 0; r < e.rows; r++ {
		for c := 0; c < e.cols; c++ {
			i := r*e.cols + c
			if prev[i] != Empty {
				continue
			}
			var sum float64
			if r > 0 {
				if v, ok := at(r-1, c); ok {
					sum += float64(v) * e.rng.Float64()
				}
			}
			if r < e.rows-1 {
				if v, ok := at(r+1, c); ok {
					sum += float64(v) * e.rng.Float64()
				}
			}
			if c > 0 {
				if v, ok := at(r, c-1); ok {
					sum += float64(v) * e.rng.Float64()
				}
			}
			if c < e.cols-1 {
				if v, ok := at(r, c+1); ok {
					sum += float64(v) * e.rng.Float64()
				}
			}
			e.board[i] = spreadValue(sum)
		}
	}
}

func spreadValue(sum float64) Cell {
	v := math.Trunc(sum * 2)
	switch {
	case v >= 1:
		return Cell(P1)
	case v <= -1:
		return Cell(P2)
	}
	return Empty
}

func (e *Engine) IsOver() bool {
	return !e.HasValidMove()
}

func (e *Engine) CountCells() Counts {
	var counts Counts
	for _, v := range e.board {
		switch v {
		case Cell(P1):
			counts.P1++
		case Cell(P2):
			counts.P2++
		case Empty:
			counts.Empty++
		}
	}
	return counts
}

func (e *Engine) Winner() Player {
	counts := e.CountCells()
	switch {
	case counts.P1 > counts.P2:
		return P1
	case counts.P2 > counts.P1:
		return P2
	}
	return Draw
}

// Encode returns the board as seen by player: own cells +1, opponent cells -1,
// empty 0 and walls WallValue.
func (e *Engine) Encode(player Player) []float32 {
	state := make([]float32, len(e.board))
	for i, v := range e.board {
		if v == Wall {
			state[i] = WallValue
			continue
		}
		state[i] = float32(v) * float32(player)
	}
	return state
}

// Board returns a copy of the raw cells for renderers.
func (e *Engine) Board() []Cell {
	return slices.Clone(e.board)
}

func (e *Engine) SetBoard(board []Cell) error {
	if len(board) != len(e.board) {
		return fmt.Errorf("%w: got %d cells, want %d", ErrBoardSize, len(board), len(e.board))
	}
	for i, v := range board {
		if !v.IsValid() {
			return fmt.Errorf("%w: %d at index %d", ErrCellValue, v, i)
		}
	}
	copy(e.board, board)
	return nil
}
