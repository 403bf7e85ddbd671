package models

import "errors"

type Mark string

const (
	MarkX Mark = "X"
	MarkO Mark = "O"
)

type MatchStatus string

const (
	StatusLobby    MatchStatus = "LOBBY"
	StatusPlaying  MatchStatus = "PLAYING"
	StatusFinished MatchStatus = "FINISHED"
)

type EndedReason string

const (
	ReasonWin       EndedReason = "WIN"
	ReasonTimeout   EndedReason = "TIMEOUT"
	ReasonCancelled EndedReason = "CANCELLED"
	ReasonLeave     EndedReason = "LEAVE"
)

// Typed move rejections. None of these mutate the match.
var (
	ErrNotPlaying   = errors.New("not playing")
	ErrBadIndex     = errors.New("bad index")
	ErrCellOccupied = errors.New("cell occupied")
)

// Match is the single source of truth for one wagered game. It lives as a
// JSON record in the shared store; every mutation goes through a full
// read-modify-write of this struct.
type Match struct {
	ID          string `json:"id"`
	BetLamports int64  `json:"betLamports"`
	PotLamports int64  `json:"potLamports"`

	CreatedBy string `json:"createdBy"`
	JoinedBy  string `json:"joinedBy,omitempty"`
	XPlayer   string `json:"xPlayer,omitempty"`
	OPlayer   string `json:"oPlayer,omitempty"`

	Status MatchStatus `json:"status"`
	Board  [9]Mark     `json:"board"`
	Turn   Mark        `json:"turn"`
	Moves  int         `json:"moves"`
	Draws  int         `json:"draws"`

	// Turn clock, server authority only.
	TurnStartedAt int64 `json:"turnStartedAt,omitempty"`
	DeadlineAt    int64 `json:"deadlineAt,omitempty"`
	MoveMs        int64 `json:"moveMs,omitempty"`

	Winner       Mark        `json:"winner,omitempty"`
	WinnerPubkey string      `json:"winnerPubkey,omitempty"`
	EndedReason  EndedReason `json:"endedReason,omitempty"`
	PayoutSig    string      `json:"payoutSig,omitempty"`
	RefundSig    string      `json:"refundSig,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// MoveResult reports what a successful ApplyMove did.
type MoveResult struct {
	Finished  bool
	DrawReset bool
	Winner    Mark
}

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

func Other(m Mark) Mark {
	if m == MarkX {
		return MarkO
	}
	return MarkX
}

// WinnerOf scans the 8 win lines and returns the winning mark, or "".
func WinnerOf(board [9]Mark) Mark {
	for _, l := range winLines {
		v := board[l[0]]
		if v != "" && v == board[l[1]] && v == board[l[2]] {
			return v
		}
	}
	return ""
}

func boardFull(board [9]Mark) bool {
	for _, c := range board {
		if c == "" {
			return false
		}
	}
	return true
}

// PlayerFor maps a mark to the wallet holding it.
func (m *Match) PlayerFor(mark Mark) string {
	if mark == MarkX {
		return m.XPlayer
	}
	return m.OPlayer
}

// ApplyMove places the current turn's mark at index. Win detection takes
// priority over draw detection. A full board with no winner is never
// terminal: the board resets and play continues until a win or a timeout.
// Timer fields are not touched here; the service layer re-arms the turn
// clock after any non-terminal move.
func (m *Match) ApplyMove(index int, now int64) (MoveResult, error) {
	if m.Status != StatusPlaying {
		return MoveResult{}, ErrNotPlaying
	}
	if index < 0 || index > 8 {
		return MoveResult{}, ErrBadIndex
	}
	if m.Board[index] != "" {
		return MoveResult{}, ErrCellOccupied
	}

	m.Board[index] = m.Turn
	m.Moves++

	if w := WinnerOf(m.Board); w != "" {
		m.Winner = w
		m.Status = StatusFinished
		m.ClearTurnClock()
		m.UpdatedAt = now
		return MoveResult{Finished: true, Winner: w}, nil
	}

	if boardFull(m.Board) {
		// Endless-draw rule: clear the board and keep playing.
		m.Board = [9]Mark{}
		m.Moves = 0
		m.Draws++
		m.Turn = Other(m.Turn)
		m.UpdatedAt = now
		return MoveResult{DrawReset: true}, nil
	}

	m.Turn = Other(m.Turn)
	m.UpdatedAt = now
	return MoveResult{}, nil
}

// StartTurn arms the turn clock for whoever holds the turn now.
func (m *Match) StartTurn(now, moveMs int64) {
	m.TurnStartedAt = now
	m.DeadlineAt = now + moveMs
	m.MoveMs = moveMs
	m.UpdatedAt = now
}

func (m *Match) ClearTurnClock() {
	m.TurnStartedAt = 0
	m.DeadlineAt = 0
}

// Settled reports whether the economic outcome is frozen. Once a transfer
// signature is recorded nothing may alter winner, pot, or trigger another
// transfer.
func (m *Match) Settled() bool {
	return m.PayoutSig != "" || m.RefundSig != ""
}

// AssignMarks decides which wallet plays X at join time. Deterministic in
// the match id, the joiner identity, and the stake, so a re-derivation on
// retry lands on the same assignment.
func (m *Match) AssignMarks(joiner string) {
	flip := (len(m.ID) + len(joiner) + int(m.BetLamports)) % 2
	if flip == 0 {
		m.XPlayer = m.CreatedBy
		m.OPlayer = joiner
	} else {
		m.XPlayer = joiner
		m.OPlayer = m.CreatedBy
	}
}
