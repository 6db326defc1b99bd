package domain

import "time"

// LeaderboardEntry is a streamer's position on the PK leaderboard
type LeaderboardEntry struct {
	Rank     int64  `json:"rank"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Wins     int64  `json:"wins"`
}

// UserStats aggregates a streamer's battle record
type UserStats struct {
	UserID     string `json:"userId"`
	Battles    int64  `json:"battles"`
	Wins       int64  `json:"wins"`
	Losses     int64  `json:"losses"`
	Draws      int64  `json:"draws"`
	TotalScore int64  `json:"totalScore"`
	Streak     int64  `json:"streak"`
	BestStreak int64  `json:"bestStreak"`
}

// WinRate returns the rounded win percentage
func (s UserStats) WinRate() int64 {
	if s.Battles == 0 {
		return 0
	}
	return (s.Wins*100 + s.Battles/2) / s.Battles
}

// AverageScore returns the rounded score per battle
func (s UserStats) AverageScore() int64 {
	if s.Battles == 0 {
		return 0
	}
	return (s.TotalScore + s.Battles/2) / s.Battles
}

// HistoryEntry is one archived battle seen from a user's perspective
type HistoryEntry struct {
	BattleID      string     `json:"battleId"`
	Status        Status     `json:"status"`
	OpponentID    string     `json:"opponentId"`
	OpponentName  string     `json:"opponentName,omitempty"`
	Score         int64      `json:"score"`
	OpponentScore int64      `json:"opponentScore"`
	Result        string     `json:"result"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// ResultFor returns win, loss or draw for userID in a finished battle
func (b *Battle) ResultFor(userID string) string {
	switch {
	case b.Status != StatusFinished:
		return string(b.Status)
	case b.IsDraw:
		return "draw"
	case b.Winner != nil && *b.Winner == userID:
		return "win"
	default:
		return "loss"
	}
}

// HistoryFor summarizes the battle from userID's point of view
func (b *Battle) HistoryFor(userID string) HistoryEntry {
	own, other := b.Challenger, b.Opponent
	if userID == b.Opponent.User {
		own, other = b.Opponent, b.Challenger
	}
	return HistoryEntry{
		BattleID:      b.ID,
		Status:        b.Status,
		OpponentID:    other.User,
		OpponentName:  other.Username,
		Score:         own.Score,
		OpponentScore: other.Score,
		Result:        b.ResultFor(userID),
		StartTime:     b.StartTime,
		FinishedAt:    b.FinishedAt,
	}
}
