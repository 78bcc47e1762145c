package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventNameRoomJoined         = "room.joined"
	EventNamePlayerJoined       = "player.joined"
	EventNamePlayerLeft         = "player.left"
	EventNamePhaseChanged       = "phase.changed"
	EventNameQuestionDelivered  = "question.delivered"
	EventNameAnswerSubmitted    = "answer.submitted"
	EventNameRoundTimeUp        = "round.timeup"
	EventNameChatReceived       = "chat.received"
	EventNameConnectionChanged  = "connection.changed"
	EventNameSessionInvalidated = "session.invalidated"
	EventNameGameCompleted      = "game.completed"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventRoomJoined struct {
	RoomCode       string
	IsHost         bool
	AlreadyInRoom  bool
	WasReconnected bool
}

func (EventRoomJoined) Name() string { return EventNameRoomJoined }

type EventPlayerJoined struct {
	RoomCode string
	Player   string
}

func (EventPlayerJoined) Name() string { return EventNamePlayerJoined }

type EventPlayerLeft struct {
	RoomCode string
	Player   string
}

func (EventPlayerLeft) Name() string { return EventNamePlayerLeft }

type EventPhaseChanged struct {
	RoomCode string
	From     Phase
	To       Phase
}

func (EventPhaseChanged) Name() string { return EventNamePhaseChanged }

type EventQuestionDelivered struct {
	RoomCode string
	Question Question
	Deadline time.Time
}

func (EventQuestionDelivered) Name() string { return EventNameQuestionDelivered }

type EventAnswerSubmitted struct {
	RoomCode   string
	QuestionID string
	Answer     int
}

func (EventAnswerSubmitted) Name() string { return EventNameAnswerSubmitted }

type EventRoundTimeUp struct {
	RoomCode   string
	QuestionID string
}

func (EventRoundTimeUp) Name() string { return EventNameRoundTimeUp }

type EventChatReceived struct {
	RoomCode string
	Message  ChatMessage
}

func (EventChatReceived) Name() string { return EventNameChatReceived }

type EventConnectionChanged struct {
	State        string
	Reconnecting bool
	Reason       string
}

func (EventConnectionChanged) Name() string { return EventNameConnectionChanged }

// EventSessionInvalidated is published when the server closes the realtime channel itself.
// The caller is expected to authenticate again.
type EventSessionInvalidated struct {
	RoomCode string
	Reason   string
}

func (EventSessionInvalidated) Name() string { return EventNameSessionInvalidated }

type EventGameCompleted struct {
	RoomCode    string
	Standings   []Standing
	Stats       Stats
	CompletedAt time.Time
}

func (EventGameCompleted) Name() string { return EventNameGameCompleted }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

// Stats summarizes the current user's rounds in one game.
type Stats struct {
	CorrectAnswers      int
	Answered            int
	TimedOut            int
	TotalQuestions      int
	AverageResponseTime time.Duration
	LongestStreak       int
	Points              decimal.Decimal
}
