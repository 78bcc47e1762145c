package session

import (
	"context"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/realtime"
)

// Reasons an input is discarded.
const (
	ReasonPushApplied    = "push_applied"
	ReasonStaleSequence  = "stale_sequence"
	ReasonStatusRegress  = "status_regress"
	ReasonStaleQuestion  = "stale_question"
	ReasonRepeatQuestion = "repeat_question"
	ReasonGameFinished   = "game_finished"
	ReasonNotFinished    = "not_finished"
	ReasonDuplicate      = "duplicate"
	ReasonNoUsername     = "no_username"
	ReasonUnhandled      = "unhandled"
)

// Outcome describes what one input did to the session view.
type Outcome struct {
	Applied bool
	// Reason is set when the input was discarded.
	Reason string

	From, To domain.Phase

	// Question is set when a new question was accepted.
	Question *domain.Question
	// Message is set when a chat message was appended.
	Message *domain.ChatMessage
	// Joined and Left name the player a roster event is about.
	Joined string
	Left   string
}

func (o Outcome) PhaseChanged() bool {
	return o.From != o.To
}

// Reconciler merges the join snapshot and the push events of one room into a single view.
// It is not safe for concurrent use: one goroutine applies inputs, readers take snapshots under
// the owner's lock.
type Reconciler struct {
	selfID string
	clock  clockwork.Clock

	session  domain.Session
	phase    domain.Phase
	restHost bool

	// pushed is set once any push event has been applied; from then on snapshots are ignored.
	pushed bool

	stateSeq    int64
	questionKey int64
	question    *domain.Question

	chat    []domain.ChatMessage
	chatIDs map[string]struct{}
	typing  []string
}

func NewReconciler(selfID string, clock clockwork.Clock) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Reconciler{
		selfID:      selfID,
		clock:       clock,
		phase:       domain.PhaseLobby,
		questionKey: -1,
		chatIDs:     make(map[string]struct{}),
	}
}

// Seed applies a REST snapshot. It only takes effect until the first push event is applied.
func (r *Reconciler) Seed(s domain.Session, isHost bool) Outcome {
	r.restHost = isHost

	if r.pushed {
		return r.discard(ReasonPushApplied)
	}

	from := r.phase
	r.session = s.Clone()
	if r.session.Status == "" {
		r.session.Status = domain.StatusWaiting
	}
	r.phase = r.session.Status.Phase()
	r.checkRoster(context.Background())

	return Outcome{Applied: true, From: from, To: r.phase}
}

// Apply merges one push event.
func (r *Reconciler) Apply(ctx context.Context, e realtime.Event) Outcome {
	var o Outcome

	switch e := e.(type) {
	case realtime.PlayerJoined:
		o = r.roster(ctx, e.Players)
		o.Joined = e.Player.Name()
	case realtime.PlayerLeft:
		o = r.roster(ctx, e.Players)
		o.Left = e.Player.Name()
	case realtime.RoundCompleted:
		o = r.roster(ctx, e.Players)
	case realtime.GameState:
		o = r.gameState(ctx, e)
	case realtime.QuestionDelivered:
		o = r.deliver(ctx, e)
	case realtime.GameCompleted:
		o = r.complete(ctx, e)
	case realtime.MessageReceived:
		o = r.message(e)
	case realtime.TypingStart:
		o = r.typingStart(e.Username)
	case realtime.TypingStop:
		o = r.typingStop(e.Username)
	default:
		return r.discard(ReasonUnhandled)
	}

	if o.Applied {
		r.pushed = true
	}

	return o
}

// Replay resets a finished game back to the lobby. The caller is expected to ask the server for
// its current state afterwards.
func (r *Reconciler) Replay() Outcome {
	if r.phase != domain.PhaseFinished {
		return r.discard(ReasonNotFinished)
	}

	from := r.phase
	r.phase = domain.PhaseLobby
	r.session.Status = domain.StatusWaiting
	r.session.CurrentQuestionIndex = 0
	r.question = nil
	r.questionKey = -1
	r.typing = nil

	return Outcome{Applied: true, From: from, To: r.phase}
}

func (r *Reconciler) roster(ctx context.Context, players []domain.Player) Outcome {
	if players != nil {
		r.session.Players = slices.Clone(players)
		r.checkRoster(ctx)
	}

	return Outcome{Applied: true, From: r.phase, To: r.phase}
}

func (r *Reconciler) gameState(ctx context.Context, e realtime.GameState) Outcome {
	if e.Seq > 0 {
		if e.Seq <= r.stateSeq {
			return r.discard(ReasonStaleSequence)
		}
	}

	status, known := domain.ParseStatus(e.Status)
	if known && status.Rank() < r.session.Status.Rank() {
		return r.discard(ReasonStatusRegress)
	}

	// Without a stamp the question index is the only ordering left while a game is running.
	if e.Seq == 0 && e.CurrentQuestion != nil && r.phase == domain.PhasePlaying &&
		*e.CurrentQuestion < r.session.CurrentQuestionIndex {
		return r.discard(ReasonStaleQuestion)
	}

	if e.Seq > 0 {
		r.stateSeq = e.Seq
	}

	from := r.phase
	if known {
		r.session.Status = status
		r.phase = status.Phase()
		if r.phase == domain.PhaseFinished {
			r.endRound()
		}
	}

	if e.TotalQuestions != nil {
		r.session.TotalQuestions = *e.TotalQuestions
	}
	if e.CurrentQuestion != nil {
		r.session.CurrentQuestionIndex = *e.CurrentQuestion
	}
	if r.session.Status == domain.StatusInProgress && r.session.TotalQuestions > 0 &&
		r.session.CurrentQuestionIndex >= r.session.TotalQuestions {
		slog.WarnContext(ctx, "session: question index out of range",
			"room", r.session.RoomCode,
			"index", r.session.CurrentQuestionIndex,
			"total", r.session.TotalQuestions,
		)
	}

	if e.Players != nil {
		r.session.Players = slices.Clone(e.Players)
		r.checkRoster(ctx)
	}

	return Outcome{Applied: true, From: from, To: r.phase}
}

func (r *Reconciler) deliver(ctx context.Context, e realtime.QuestionDelivered) Outcome {
	if r.phase == domain.PhaseFinished {
		return r.discard(ReasonGameFinished)
	}

	q := e.Question
	key := int64(q.Index)
	if e.Seq > 0 {
		key = e.Seq
	}

	if r.question != nil && r.question.ID == q.ID {
		return r.discard(ReasonRepeatQuestion)
	}
	if key < r.questionKey {
		return r.discard(ReasonStaleQuestion)
	}

	r.questionKey = key
	q = q.Clone()
	r.question = &q

	from := r.phase
	if r.session.Status.Rank() < domain.StatusInProgress.Rank() {
		r.session.Status = domain.StatusInProgress
	}
	r.phase = domain.PhasePlaying
	r.session.CurrentQuestionIndex = q.Index
	if q.Total > 0 {
		r.session.TotalQuestions = q.Total
	}

	slog.DebugContext(ctx, "session: question accepted", "room", r.session.RoomCode, "question", q.ID, "index", q.Index)

	res := q.Clone()
	return Outcome{Applied: true, From: from, To: r.phase, Question: &res}
}

func (r *Reconciler) complete(ctx context.Context, e realtime.GameCompleted) Outcome {
	from := r.phase
	r.session.Status = domain.StatusCompleted
	r.phase = domain.PhaseFinished
	r.endRound()

	if e.Players != nil {
		r.session.Players = slices.Clone(e.Players)
		r.checkRoster(ctx)
	}

	return Outcome{Applied: true, From: from, To: r.phase}
}

func (r *Reconciler) endRound() {
	r.question = nil
	r.typing = nil
}

func (r *Reconciler) message(e realtime.MessageReceived) Outcome {
	id := e.ID
	if id == "" {
		id = newID()
	}

	if _, ok := r.chatIDs[id]; ok {
		return r.discard(ReasonDuplicate)
	}

	name := e.DisplayName
	if name == "" {
		name = e.Username
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = r.clock.Now()
	}

	kind := domain.ChatText
	if e.MessageType == string(domain.ChatSystem) {
		kind = domain.ChatSystem
	}

	m := domain.ChatMessage{
		ID:          id,
		UserID:      e.UserID,
		DisplayName: name,
		Text:        e.Message,
		Timestamp:   ts,
		Kind:        kind,
	}

	r.chatIDs[id] = struct{}{}
	r.chat = append(r.chat, m)
	r.typingStop(e.Username)
	if e.DisplayName != "" {
		r.typingStop(e.DisplayName)
	}

	return Outcome{Applied: true, From: r.phase, To: r.phase, Message: &m}
}

func (r *Reconciler) typingStart(name string) Outcome {
	if name == "" {
		return r.discard(ReasonNoUsername)
	}

	if !slices.Contains(r.typing, name) {
		r.typing = append(r.typing, name)
	}

	return Outcome{Applied: true, From: r.phase, To: r.phase}
}

func (r *Reconciler) typingStop(name string) Outcome {
	if name == "" {
		return r.discard(ReasonNoUsername)
	}

	r.typing = slices.DeleteFunc(r.typing, func(n string) bool { return n == name })
	return Outcome{Applied: true, From: r.phase, To: r.phase}
}

// checkRoster logs rosters that break the membership rules. The roster is kept: the server is
// authoritative for membership.
func (r *Reconciler) checkRoster(ctx context.Context) {
	hosts := 0
	for _, p := range r.session.Players {
		if p.IsHost {
			hosts++
		}
	}

	if len(r.session.Players) > 0 && hosts != 1 {
		slog.WarnContext(ctx, "session: roster does not have exactly one host", "room", r.session.RoomCode, "hosts", hosts)
	}

	if limit := r.session.Configuration.MaxPlayers; limit > 0 && len(r.session.Players) > limit {
		slog.WarnContext(ctx, "session: roster exceeds max players", "room", r.session.RoomCode, "players", len(r.session.Players), "max", limit)
	}
}

func (r *Reconciler) discard(reason string) Outcome {
	return Outcome{Reason: reason, From: r.phase, To: r.phase}
}

// Session returns a copy of the current view.
func (r *Reconciler) Session() domain.Session {
	return r.session.Clone()
}

func (r *Reconciler) Phase() domain.Phase {
	return r.phase
}

// Question returns the question of the current round.
func (r *Reconciler) Question() (domain.Question, bool) {
	if r.question == nil {
		return domain.Question{}, false
	}

	return r.question.Clone(), true
}

// IsHost prefers the roster and falls back to what the join response reported.
func (r *Reconciler) IsHost() bool {
	if p, ok := r.session.Player(r.selfID); ok {
		return p.IsHost
	}

	return r.restHost
}

func (r *Reconciler) Chat() []domain.ChatMessage {
	return slices.Clone(r.chat)
}

// Typing returns the names currently typing, in the order they started.
func (r *Reconciler) Typing() []string {
	return slices.Clone(r.typing)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

