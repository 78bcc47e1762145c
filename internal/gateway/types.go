package gateway

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/quizroom/internal/domain"
)

type (
	GameSession struct {
		RoomCode          string            `json:"roomCode"`
		GameState         GameState         `json:"gameState"`
		Players           []Player          `json:"players"`
		GameConfiguration GameConfiguration `json:"gameConfiguration"`
		PlayerCount       int               `json:"playerCount"`
		HasCapacity       bool              `json:"hasCapacity"`
		IsActive          bool              `json:"isActive"`
	}

	GameState struct {
		Status          string `json:"status"`
		CurrentQuestion int    `json:"currentQuestion"`
		TotalQuestions  int    `json:"totalQuestions"`
	}

	Player struct {
		UserID           string          `json:"userId"`
		Username         string          `json:"username"`
		DisplayName      string          `json:"displayName,omitempty"`
		IsHost           bool            `json:"isHost"`
		IsReady          bool            `json:"isReady"`
		ConnectionStatus string          `json:"connectionStatus"`
		JoinedAt         string          `json:"joinedAt"`
		Score            decimal.Decimal `json:"score"`
	}

	// GameConfiguration carries timePerQuestion in seconds.
	GameConfiguration struct {
		MaxPlayers      int      `json:"maxPlayers"`
		QuestionCount   int      `json:"questionCount"`
		TimePerQuestion int      `json:"timePerQuestion"`
		Categories      []string `json:"categories,omitempty"`
		DifficultyRange []string `json:"difficultyRange,omitempty"`
		IsPrivate       bool     `json:"isPrivate"`
		AllowSpectators bool     `json:"allowSpectators,omitempty"`
		RoomName        string   `json:"roomName,omitempty"`
		Password        string   `json:"password,omitempty"`
	}
)

// envelope is the common {success, data, error} wrapper. Some endpoints answer without it.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type payload struct {
	GameSession      *GameSession  `json:"gameSession"`
	RoomCode         string        `json:"roomCode"`
	WasReconnected   bool          `json:"wasReconnected"`
	IsHost           bool          `json:"isHost"`
	AlreadyInRoom    bool          `json:"alreadyInRoom"`
	HasActiveSession bool          `json:"hasActiveSession"`
	Rooms            []GameSession `json:"rooms"`
	Count            int           `json:"count"`
	Message          string        `json:"message"`
}

func (s GameSession) toDomain() domain.Session {
	status, ok := domain.ParseStatus(s.GameState.Status)
	if !ok {
		status = domain.StatusWaiting
	}

	ds := domain.Session{
		RoomCode:             s.RoomCode,
		Status:               status,
		Players:              playersToDomain(s.Players),
		Configuration:        s.GameConfiguration.toDomain(),
		CurrentQuestionIndex: s.GameState.CurrentQuestion,
		TotalQuestions:       s.GameState.TotalQuestions,
		HasCapacity:          s.HasCapacity,
		IsActive:             s.IsActive,
	}

	if ds.TotalQuestions == 0 {
		ds.TotalQuestions = ds.Configuration.QuestionCount
	}

	return ds
}

func playersToDomain(players []Player) []domain.Player {
	res := make([]domain.Player, 0, len(players))
	for _, p := range players {
		res = append(res, p.toDomain())
	}

	return res
}

func (p Player) toDomain() domain.Player {
	joined, _ := time.Parse(time.RFC3339, p.JoinedAt)

	cs := domain.ConnectionStatus(p.ConnectionStatus)
	if cs == "" {
		cs = domain.ConnectionConnected
	}

	return domain.Player{
		UserID:           p.UserID,
		Username:         p.Username,
		DisplayName:      p.DisplayName,
		Score:            p.Score,
		IsHost:           p.IsHost,
		IsReady:          p.IsReady,
		ConnectionStatus: cs,
		JoinedAt:         joined,
	}
}

func (c GameConfiguration) toDomain() domain.Configuration {
	dc := domain.Configuration{
		MaxPlayers:      c.MaxPlayers,
		QuestionCount:   c.QuestionCount,
		TimePerQuestion: time.Duration(c.TimePerQuestion) * time.Second,
		IsPrivate:       c.IsPrivate,
		AllowSpectators: c.AllowSpectators,
		RoomName:        c.RoomName,
		Password:        c.Password,
	}

	for _, cat := range c.Categories {
		dc.Categories = append(dc.Categories, domain.Category(cat))
	}
	for _, d := range c.DifficultyRange {
		dc.DifficultyRange = append(dc.DifficultyRange, domain.Difficulty(d))
	}

	return dc
}

func configurationFromDomain(c domain.Configuration) GameConfiguration {
	gc := GameConfiguration{
		MaxPlayers:      c.MaxPlayers,
		QuestionCount:   c.QuestionCount,
		TimePerQuestion: int(c.TimePerQuestion / time.Second),
		IsPrivate:       c.IsPrivate,
		AllowSpectators: c.AllowSpectators,
		RoomName:        c.RoomName,
		Password:        c.Password,
	}

	for _, cat := range c.Categories {
		gc.Categories = append(gc.Categories, string(cat))
	}
	for _, d := range c.DifficultyRange {
		gc.DifficultyRange = append(gc.DifficultyRange, string(d))
	}

	return gc
}
