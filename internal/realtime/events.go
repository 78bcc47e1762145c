package realtime

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"

	"github.com/victornm/quizroom/internal/domain"
)

// Wire event names.
const (
	EventConnect           = "connect"
	EventDisconnect        = "disconnect"
	EventConnectError      = "connect_error"
	EventReconnectError    = "reconnect_error"
	EventPlayerJoined      = "player_joined"
	EventPlayerLeft        = "player_left"
	EventGameState         = "game_state"
	EventQuestionDelivered = "question_delivered"
	EventMessageReceived   = "message_received"
	EventTypingStart       = "user_typing_start"
	EventTypingStop        = "user_typing_stop"
	EventAnswerResult      = "answer_result"
	EventRoundCompleted    = "round_completed"
	EventGameCompleted     = "game_completed"
	EventServerError       = "error"
)

const defaultTimePerQuestion = 30 * time.Second

// ErrUnknownEvent is returned by Decode for event names this client does not handle.
var ErrUnknownEvent = stderrors.New("realtime: unknown event")

// Event is one item of the stream returned by Manager.Events. The concrete types below are the
// only implementations.
type Event interface {
	Name() string
}

type DisconnectCause string

const (
	// CauseNetwork is recoverable: the manager reconnects on its own.
	CauseNetwork DisconnectCause = "network"
	// CauseServer is terminal: the server closed the session, the caller should authenticate again.
	CauseServer DisconnectCause = "server"
)

type (
	Connected struct {
		Reconnected bool
	}

	Disconnected struct {
		Cause  DisconnectCause
		Reason string
	}

	ConnectError struct {
		Err error
	}

	ReconnectError struct {
		Attempt int
		Err     error
	}

	// PlayerRef identifies the player an event is about.
	PlayerRef struct {
		UserID      string
		Username    string
		DisplayName string
	}

	// PlayerJoined and PlayerLeft carry the full roster when Players is not nil.
	PlayerJoined struct {
		Players []domain.Player
		Player  PlayerRef
	}

	PlayerLeft struct {
		Players []domain.Player
		Player  PlayerRef
	}

	// GameState is a server snapshot. Nil fields were absent from the payload. Seq is 0 when the
	// server does not stamp its events.
	GameState struct {
		Players         []domain.Player
		Status          string
		CurrentQuestion *int
		TotalQuestions  *int
		Seq             int64
	}

	QuestionDelivered struct {
		Question domain.Question
		Seq      int64
	}

	MessageReceived struct {
		ID          string
		UserID      string
		Username    string
		DisplayName string
		Message     string
		Timestamp   time.Time
		MessageType string
	}

	TypingStart struct {
		UserID   string
		Username string
	}

	TypingStop struct {
		UserID   string
		Username string
	}

	AnswerResult struct {
		QuestionID    string
		Correct       bool
		CorrectAnswer *int
		Points        decimal.Decimal
		Score         decimal.Decimal
	}

	RoundCompleted struct {
		Index   int
		Players []domain.Player
	}

	GameCompleted struct {
		Players []domain.Player
	}

	ServerError struct {
		Message string
	}
)

func (Connected) Name() string         { return EventConnect }
func (Disconnected) Name() string      { return EventDisconnect }
func (ConnectError) Name() string      { return EventConnectError }
func (ReconnectError) Name() string    { return EventReconnectError }
func (PlayerJoined) Name() string      { return EventPlayerJoined }
func (PlayerLeft) Name() string        { return EventPlayerLeft }
func (GameState) Name() string         { return EventGameState }
func (QuestionDelivered) Name() string { return EventQuestionDelivered }
func (MessageReceived) Name() string   { return EventMessageReceived }
func (TypingStart) Name() string       { return EventTypingStart }
func (TypingStop) Name() string        { return EventTypingStop }
func (AnswerResult) Name() string      { return EventAnswerResult }
func (RoundCompleted) Name() string    { return EventRoundCompleted }
func (GameCompleted) Name() string     { return EventGameCompleted }
func (ServerError) Name() string       { return EventServerError }

// Name returns the name to show for the referenced player.
func (p PlayerRef) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}

	return p.Username
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type (
	wirePlayer struct {
		UserID           string          `mapstructure:"userId"`
		ID               string          `mapstructure:"id"`
		Username         string          `mapstructure:"username"`
		DisplayName      string          `mapstructure:"displayName"`
		IsHost           bool            `mapstructure:"isHost"`
		IsReady          bool            `mapstructure:"isReady"`
		ConnectionStatus string          `mapstructure:"connectionStatus"`
		JoinedAt         time.Time       `mapstructure:"joinedAt"`
		Score            decimal.Decimal `mapstructure:"score"`
	}

	wireRoster struct {
		Players []wirePlayer `mapstructure:"players"`
		Player  wirePlayer   `mapstructure:"player"`
	}

	wireGameState struct {
		Players         []wirePlayer `mapstructure:"players"`
		Status          string       `mapstructure:"status"`
		CurrentQuestion *int         `mapstructure:"currentQuestion"`
		TotalQuestions  *int         `mapstructure:"totalQuestions"`
		Seq             int64        `mapstructure:"seq"`
	}

	wireQuestion struct {
		ID              string   `mapstructure:"id"`
		Text            string   `mapstructure:"text"`
		Options         []string `mapstructure:"options"`
		CorrectAnswer   int      `mapstructure:"correctAnswer"`
		Category        string   `mapstructure:"category"`
		Difficulty      string   `mapstructure:"difficulty"`
		Index           int      `mapstructure:"index"`
		Total           int      `mapstructure:"total"`
		TimePerQuestion int64    `mapstructure:"timePerQuestion"`
		Seq             int64    `mapstructure:"seq"`
	}

	wireMessage struct {
		ID          string    `mapstructure:"id"`
		UserID      string    `mapstructure:"userId"`
		Username    string    `mapstructure:"username"`
		DisplayName string    `mapstructure:"displayName"`
		Message     string    `mapstructure:"message"`
		Timestamp   time.Time `mapstructure:"timestamp"`
		MessageType string    `mapstructure:"messageType"`
	}

	wireTyping struct {
		UserID   string `mapstructure:"userId"`
		Username string `mapstructure:"username"`
	}

	wireAnswerResult struct {
		QuestionID    string          `mapstructure:"questionId"`
		Correct       bool            `mapstructure:"correct"`
		IsCorrect     bool            `mapstructure:"isCorrect"`
		CorrectAnswer *int            `mapstructure:"correctAnswer"`
		Points        decimal.Decimal `mapstructure:"points"`
		Score         decimal.Decimal `mapstructure:"score"`
	}

	wireRoundCompleted struct {
		Index   int          `mapstructure:"index"`
		Players []wirePlayer `mapstructure:"players"`
	}

	wireServerError struct {
		Message string `mapstructure:"message"`
	}
)

// Decode turns one wire frame into a typed event. Missing fields take their zero value and
// unknown fields are ignored. It returns ErrUnknownEvent for events outside the contract.
func Decode(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("realtime: decode envelope: %w", err)
	}

	if env.Event == "" {
		return nil, fmt.Errorf("realtime: decode envelope: missing event name")
	}

	data := make(map[string]any)
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("realtime: decode %s: payload is not an object: %w", env.Event, err)
		}
	}

	e, err := decodeData(env.Event, data)
	if err != nil && !stderrors.Is(err, ErrUnknownEvent) {
		return nil, fmt.Errorf("realtime: decode %s: %w", env.Event, err)
	}

	return e, err
}

func decodeData(name string, data map[string]any) (Event, error) {
	switch name {
	case EventPlayerJoined, EventPlayerLeft:
		var w wireRoster
		if err := decode(data, &w); err != nil {
			return nil, err
		}

		players := rosterIfPresent(data, w.Players)
		ref := w.Player.ref()
		if name == EventPlayerJoined {
			return PlayerJoined{Players: players, Player: ref}, nil
		}
		return PlayerLeft{Players: players, Player: ref}, nil

	case EventGameState:
		var w wireGameState
		if err := decode(data, &w); err != nil {
			return nil, err
		}

		return GameState{
			Players:         rosterIfPresent(data, w.Players),
			Status:          w.Status,
			CurrentQuestion: w.CurrentQuestion,
			TotalQuestions:  w.TotalQuestions,
			Seq:             w.Seq,
		}, nil

	case EventQuestionDelivered:
		var w wireQuestion
		if err := decode(data, &w); err != nil {
			return nil, err
		}

		return w.event()

	case EventMessageReceived:
		var w wireMessage
		if err := decode(data, &w); err != nil {
			return nil, err
		}

		return MessageReceived(w), nil

	case EventTypingStart, EventTypingStop:
		var w wireTyping
		if err := decode(data, &w); err != nil {
			return nil, err
		}

		if name == EventTypingStart {
			return TypingStart(w), nil
		}
		return TypingStop(w), nil

	case EventAnswerResult:
		var w wireAnswerResult
		if err := decode(data, &w); err != nil {
			return nil, err
		}

		return AnswerResult{
			QuestionID:    w.QuestionID,
			Correct:       w.Correct || w.IsCorrect,
			CorrectAnswer: w.CorrectAnswer,
			Points:        w.Points,
			Score:         w.Score,
		}, nil

	case EventRoundCompleted:
		var w wireRoundCompleted
		if err := decode(data, &w); err != nil {
			return nil, err
		}

		return RoundCompleted{Index: w.Index, Players: rosterIfPresent(data, w.Players)}, nil

	case EventGameCompleted:
		var w wireRoster
		if err := decode(data, &w); err != nil {
			return nil, err
		}

		return GameCompleted{Players: rosterIfPresent(data, w.Players)}, nil

	case EventServerError:
		var w wireServerError
		if err := decode(data, &w); err != nil {
			return nil, err
		}

		return ServerError(w), nil
	}

	return nil, ErrUnknownEvent
}

func (w wireQuestion) event() (Event, error) {
	if len(w.Options) < 2 {
		return nil, fmt.Errorf("question has %d options, want at least 2", len(w.Options))
	}

	if w.CorrectAnswer < 0 || w.CorrectAnswer >= len(w.Options) {
		w.CorrectAnswer = -1
	}

	id := w.ID
	if id == "" {
		id = "#" + strconv.Itoa(w.Index)
	}

	tpq := time.Duration(w.TimePerQuestion) * time.Millisecond
	if tpq <= 0 {
		tpq = defaultTimePerQuestion
	}

	return QuestionDelivered{
		Question: domain.Question{
			ID:              id,
			Text:            w.Text,
			Options:         w.Options,
			CorrectAnswer:   w.CorrectAnswer,
			Category:        w.Category,
			Difficulty:      w.Difficulty,
			Index:           w.Index,
			Total:           w.Total,
			TimePerQuestion: tpq,
		},
		Seq: w.Seq,
	}, nil
}

func (p wirePlayer) toDomain() domain.Player {
	id := p.UserID
	if id == "" {
		id = p.ID
	}

	cs := domain.ConnectionStatus(p.ConnectionStatus)
	if cs == "" {
		cs = domain.ConnectionConnected
	}

	return domain.Player{
		UserID:           id,
		Username:         p.Username,
		DisplayName:      p.DisplayName,
		Score:            p.Score,
		IsHost:           p.IsHost,
		IsReady:          p.IsReady,
		ConnectionStatus: cs,
		JoinedAt:         p.JoinedAt,
	}
}

func (p wirePlayer) ref() PlayerRef {
	id := p.UserID
	if id == "" {
		id = p.ID
	}

	return PlayerRef{UserID: id, Username: p.Username, DisplayName: p.DisplayName}
}

// rosterIfPresent keeps the difference between an absent roster (nil) and an empty one.
func rosterIfPresent(data map[string]any, players []wirePlayer) []domain.Player {
	if v, ok := data["players"]; !ok || v == nil {
		return nil
	}

	res := make([]domain.Player, 0, len(players))
	for _, p := range players {
		res = append(res, p.toDomain())
	}

	return res
}

func decode(data map[string]any, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(decimalHook, timeHook),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}

	return d.Decode(data)
}

var (
	decimalType = reflect.TypeOf(decimal.Decimal{})
	timeType    = reflect.TypeOf(time.Time{})
)

func decimalHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}

	switch v := data.(type) {
	case float64:
		return decimal.NewFromString(strconv.FormatFloat(v, 'f', -1, 64))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		if v == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(v)
	}

	return data, nil
}

// timeHook accepts epoch milliseconds (number or numeric string) and RFC 3339 strings.
func timeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}

	switch v := data.(type) {
	case float64:
		return time.UnixMilli(int64(v)), nil
	case int64:
		return time.UnixMilli(v), nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
		return time.Parse(time.RFC3339Nano, v)
	}

	return data, nil
}
