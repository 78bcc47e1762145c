package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the server-authoritative lifecycle status of a room.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
)

// ParseStatus normalizes a wire status. "finished" is accepted as an alias of completed.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusWaiting, StatusStarting, StatusInProgress, StatusPaused, StatusCompleted:
		return st, true
	case "finished":
		return StatusCompleted, true
	}

	return "", false
}

// Rank orders statuses along the game lifecycle. Paused shares the rank of in_progress.
func (s Status) Rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusStarting:
		return 1
	case StatusInProgress, StatusPaused:
		return 2
	case StatusCompleted:
		return 3
	}

	return -1
}

func (s Status) Phase() Phase {
	switch s {
	case StatusInProgress, StatusPaused:
		return PhasePlaying
	case StatusCompleted:
		return PhaseFinished
	}

	return PhaseLobby
}

// Phase is the client-side view of where the session is: lobby, playing or finished.
type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhasePlaying  Phase = "playing"
	PhaseFinished Phase = "finished"
)

type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

type Category string

const (
	CategoryGeography     Category = "geography"
	CategoryHistory       Category = "history"
	CategoryScience       Category = "science"
	CategorySports        Category = "sports"
	CategoryEntertainment Category = "entertainment"
	CategoryGeneral       Category = "general"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// Player is one member of a room as seen by the current user.
type Player struct {
	UserID           string
	Username         string
	DisplayName      string
	Score            decimal.Decimal
	IsHost           bool
	IsReady          bool
	ConnectionStatus ConnectionStatus
	JoinedAt         time.Time
}

// Name returns the name to show for the player at position i of the roster.
func (p Player) Name(i int) string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Username != "":
		return p.Username
	}

	return fmt.Sprintf("Player %d", i+1)
}

// Configuration is set when a room is created and only the host can change it.
type Configuration struct {
	MaxPlayers      int
	QuestionCount   int
	TimePerQuestion time.Duration
	Categories      []Category
	DifficultyRange []Difficulty
	IsPrivate       bool
	AllowSpectators bool
	RoomName        string
	Password        string
}

// Session represents one room for the current user.
type Session struct {
	RoomCode             string
	Status               Status
	Players              []Player
	Configuration        Configuration
	CurrentQuestionIndex int
	TotalQuestions       int
	HasCapacity          bool
	IsActive             bool
}

// Player looks a member up by user ID.
func (s *Session) Player(userID string) (Player, bool) {
	for _, p := range s.Players {
		if p.UserID == userID {
			return p, true
		}
	}

	return Player{}, false
}

// Host returns the current host, if the roster has one.
func (s *Session) Host() (Player, bool) {
	for _, p := range s.Players {
		if p.IsHost {
			return p, true
		}
	}

	return Player{}, false
}

// Clone returns a deep copy safe to hand to readers.
func (s Session) Clone() Session {
	s.Players = append([]Player(nil), s.Players...)
	s.Configuration.Categories = append([]Category(nil), s.Configuration.Categories...)
	s.Configuration.DifficultyRange = append([]Difficulty(nil), s.Configuration.DifficultyRange...)
	return s
}

// Question is delivered once per round and never changes after delivery.
type Question struct {
	ID              string
	Text            string
	Options         []string
	CorrectAnswer   int
	Category        string
	Difficulty      string
	Index           int
	Total           int
	TimePerQuestion time.Duration
}

func (q Question) Clone() Question {
	q.Options = append([]string(nil), q.Options...)
	return q
}

type ChatKind string

const (
	ChatText   ChatKind = "text"
	ChatSystem ChatKind = "system"
)

type ChatMessage struct {
	ID          string
	UserID      string
	DisplayName string
	Text        string
	Timestamp   time.Time
	Kind        ChatKind
}

// Standing is a player's final position. Tied scores share a rank.
type Standing struct {
	Rank   int
	Player Player
}

// Leaderboard represents a list of users and their scores within a room.
// The list is sorted by score in descending order.
type Leaderboard struct {
	RoomCode string
	Entries  []LeaderboardEntry
}

type LeaderboardEntry struct {
	Username string
	Score    float64
}
