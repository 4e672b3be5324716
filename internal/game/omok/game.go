// Package omok implements a two-player five-in-a-row game on a 15x15 board.
//
// A Game is not safe for concurrent use. Its owner (a chat room) serializes every
// call under the same lock that guards the room's participants and history.
package omok

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// BoardSize is the number of rows and columns.
	BoardSize = 15
	// WinningCount is the run length that wins the game.
	WinningCount = 5
)

// Stone is the content of one cell.
type Stone uint8

const (
	Empty Stone = iota
	Black
	White
)

// Result is the reason a finished game ended.
type Result int

const (
	ResultNone Result = iota
	ResultWin
	ResultResign
	ResultDraw
)

func (r Result) String() string {
	switch r {
	case ResultWin:
		return "win"
	case ResultResign:
		return "resign"
	case ResultDraw:
		return "draw"
	default:
		return ""
	}
}

// Phase is the lifecycle position of a Game.
type Phase int

const (
	PhaseEmpty Phase = iota
	PhaseAwaitingSecondPlayer
	PhaseInProgress
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "empty"
	case PhaseAwaitingSecondPlayer:
		return "awaiting_second_player"
	case PhaseInProgress:
		return "in_progress"
	case PhaseFinished:
		return "finished"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Role is how a participant takes part in a game.
type Role int

const (
	RoleNone Role = iota
	RolePlayer
	RoleSpectator
)

var (
	ErrGameFinished   = errors.New("game is already finished")
	ErrGameNotStarted = errors.New("game has not started")
	ErrGameFull       = errors.New("both player slots are taken")
	ErrNotAPlayer     = errors.New("only players can place stones")
	ErrNotYourTurn    = errors.New("it's not your turn")
	ErrCellOccupied   = errors.New("cell is already occupied")
	ErrOutOfRange     = errors.New("coordinates out of range")
)

// directions are the four axes checked for a winning run.
var directions = [4][2]int{{1, 0}, {0, 1}, {1, 1}, {1, -1}}

// Game holds the board and the players of one game.
type Game struct {
	board       [BoardSize][BoardSize]Stone
	black       string
	white       string
	currentTurn string
	finished    bool
	winner      string
	result      Result
	spectators  map[string]struct{}
}

// New returns an empty game with no players.
func New() *Game {
	return &Game{spectators: make(map[string]struct{})}
}

// JoinAsPlayer seats id in the first vacant slot, black before white.
// A finished game is reset first. Joining twice is a no-op.
//
// Postcondition: id is black or white, or ErrGameFull is returned and nothing changed.
func (g *Game) JoinAsPlayer(id string) error {
	if g.finished {
		g.reset()
	}
	if g.IsPlayer(id) {
		return nil
	}

	switch {
	case g.black == "":
		g.black = id
	case g.white == "":
		g.white = id
	default:
		return ErrGameFull
	}
	delete(g.spectators, id)

	if g.black != "" && g.white != "" && g.currentTurn == "" {
		g.currentTurn = g.black
		g.finished = false
		g.winner = ""
		g.result = ResultNone
	}
	return nil
}

// JoinAsSpectator adds id to the spectators unless it holds a player slot.
// Returns true if the spectator set changed.
func (g *Game) JoinAsSpectator(id string) bool {
	if g.IsPlayer(id) {
		return false
	}
	if _, ok := g.spectators[id]; ok {
		return false
	}
	g.spectators[id] = struct{}{}
	return true
}

// TryJoin seats id as a player when a slot is free and as a spectator otherwise.
//
// Postcondition: Returns the role id now holds.
func (g *Game) TryJoin(id string) Role {
	if err := g.JoinAsPlayer(id); err == nil {
		return RolePlayer
	}
	g.JoinAsSpectator(id)
	return RoleSpectator
}

// PlaceStone puts id's stone on (x, y) and resolves win, draw, or turn change.
//
// Precondition: the game is in progress and it is id's turn.
// Postcondition: On error the board and turn are unchanged.
func (g *Game) PlaceStone(id string, x, y int) error {
	if g.finished {
		return ErrGameFinished
	}
	if !inRange(x, y) {
		return fmt.Errorf("%w: (%d, %d)", ErrOutOfRange, x, y)
	}
	stone := g.stoneOf(id)
	if stone == Empty {
		return ErrNotAPlayer
	}
	if g.currentTurn == "" {
		return ErrGameNotStarted
	}
	if g.currentTurn != id {
		return fmt.Errorf("%w: waiting for %s", ErrNotYourTurn, g.currentTurn)
	}
	if g.board[x][y] != Empty {
		return fmt.Errorf("%w: (%d, %d)", ErrCellOccupied, x, y)
	}

	g.board[x][y] = stone

	switch {
	case g.isWinningMove(x, y, stone):
		g.finish(id, ResultWin)
	case g.isBoardFull():
		g.finish("", ResultDraw)
	default:
		if stone == Black {
			g.currentTurn = g.white
		} else {
			g.currentTurn = g.black
		}
	}
	return nil
}

// Resign ends the game in the opponent's favour. It is a no-op when the game is
// already finished or id holds no player slot. Returns true if the game changed.
func (g *Game) Resign(id string) bool {
	if g.finished || !g.IsPlayer(id) {
		return false
	}
	if id == g.black {
		g.finish(g.white, ResultResign)
	} else {
		g.finish(g.black, ResultResign)
	}
	return true
}

// OnParticipantLeft handles id leaving the room. A departing player resets the
// whole game without recording a result; a departing spectator is removed.
// Returns true if the game changed.
func (g *Game) OnParticipantLeft(id string) bool {
	if g.IsPlayer(id) {
		g.reset()
		return true
	}
	if _, ok := g.spectators[id]; ok {
		delete(g.spectators, id)
		return true
	}
	return false
}

// IsPlayer reports whether id holds the black or white slot.
func (g *Game) IsPlayer(id string) bool {
	return id != "" && (id == g.black || id == g.white)
}

// HasPlayers reports whether either slot is filled.
func (g *Game) HasPlayers() bool {
	return g.black != "" || g.white != ""
}

func (g *Game) IsFinished() bool {
	return g.finished
}

// Phase derives the state-machine position from the slots and the finished flag.
func (g *Game) Phase() Phase {
	switch {
	case g.finished:
		return PhaseFinished
	case g.black != "" && g.white != "":
		return PhaseInProgress
	case g.black != "" || g.white != "":
		return PhaseAwaitingSecondPlayer
	default:
		return PhaseEmpty
	}
}

// Snapshot is an immutable copy of a game's state.
type Snapshot struct {
	Board       [BoardSize][BoardSize]Stone
	Black       string
	White       string
	CurrentTurn string
	Finished    bool
	Winner      string
	Result      Result
	// Spectators is sorted by name.
	Spectators []string
}

// Snapshot copies the current state. The board is an array so it is copied by value.
func (g *Game) Snapshot() Snapshot {
	spectators := make([]string, 0, len(g.spectators))
	for id := range g.spectators {
		spectators = append(spectators, id)
	}
	sort.Strings(spectators)

	return Snapshot{
		Board:       g.board,
		Black:       g.black,
		White:       g.white,
		CurrentTurn: g.currentTurn,
		Finished:    g.finished,
		Winner:      g.winner,
		Result:      g.result,
		Spectators:  spectators,
	}
}

func (g *Game) finish(winner string, result Result) {
	g.finished = true
	g.winner = winner
	g.result = result
	g.currentTurn = ""
}

func (g *Game) reset() {
	g.board = [BoardSize][BoardSize]Stone{}
	g.black = ""
	g.white = ""
	g.currentTurn = ""
	g.finished = false
	g.winner = ""
	g.result = ResultNone
	g.spectators = make(map[string]struct{})
}

func (g *Game) stoneOf(id string) Stone {
	switch {
	case id == "":
		return Empty
	case id == g.black:
		return Black
	case id == g.white:
		return White
	default:
		return Empty
	}
}

func (g *Game) isWinningMove(x, y int, stone Stone) bool {
	for _, d := range directions {
		count := 1 + g.countRun(x, y, d[0], d[1], stone) + g.countRun(x, y, -d[0], -d[1], stone)
		if count >= WinningCount {
			return true
		}
	}
	return false
}

// countRun counts contiguous stones of the given colour starting one step from (x, y).
func (g *Game) countRun(x, y, dx, dy int, stone Stone) int {
	n := 0
	for cx, cy := x+dx, y+dy; inRange(cx, cy) && g.board[cx][cy] == stone; cx, cy = cx+dx, cy+dy {
		n++
	}
	return n
}

func (g *Game) isBoardFull() bool {
	for x := range g.board {
		for y := range g.board[x] {
			if g.board[x][y] == Empty {
				return false
			}
		}
	}
	return true
}

func inRange(x, y int) bool {
	return x >= 0 && y >= 0 && x < BoardSize && y < BoardSize
}
