package score

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/quizroom/internal/domain"
)

// Tracker records the current user's rounds of one game and derives the end-of-game stats.
type Tracker struct {
	mu     sync.Mutex
	order  []string
	rounds map[string]*round
	total  int
}

type round struct {
	correctAnswer int
	answer        int
	answered      bool
	timedOut      bool
	responseTime  time.Duration
	result        *bool
	points        decimal.Decimal
}

func NewTracker() *Tracker {
	return &Tracker{rounds: make(map[string]*round)}
}

// Delivered registers a question. Repeated deliveries of the same question are ignored.
func (t *Tracker) Delivered(q domain.Question) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if q.Total > t.total {
		t.total = q.Total
	}

	if _, ok := t.rounds[q.ID]; ok {
		return
	}

	t.order = append(t.order, q.ID)
	t.rounds[q.ID] = &round{correctAnswer: q.CorrectAnswer, answer: -1}
}

func (t *Tracker) Answered(questionID string, answer int, responseTime time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rounds[questionID]
	if !ok || r.answered {
		return
	}

	r.answered = true
	r.answer = answer
	r.responseTime = responseTime
}

func (t *Tracker) TimedOut(questionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.rounds[questionID]; ok && !r.answered {
		r.timedOut = true
	}
}

// Result records the server's verdict, which overrides the locally derived correctness.
func (t *Tracker) Result(questionID string, correct bool, points decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rounds[questionID]
	if !ok {
		return
	}

	r.result = &correct
	r.points = points
}

func (t *Tracker) Stats() domain.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := domain.Stats{
		TotalQuestions: max(t.total, len(t.order)),
		Points:         decimal.Zero,
	}

	var (
		streak int
		spent  time.Duration
	)
	for _, id := range t.order {
		r := t.rounds[id]

		if r.answered {
			s.Answered++
			spent += r.responseTime
		}
		if r.timedOut {
			s.TimedOut++
		}
		s.Points = s.Points.Add(r.points)

		if r.correct() {
			s.CorrectAnswers++
			streak++
			s.LongestStreak = max(s.LongestStreak, streak)
		} else {
			streak = 0
		}
	}

	if s.Answered > 0 {
		s.AverageResponseTime = spent / time.Duration(s.Answered)
	}

	return s
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.order = nil
	t.rounds = make(map[string]*round)
	t.total = 0
}

func (r *round) correct() bool {
	if r.result != nil {
		return *r.result
	}

	return r.answered && r.correctAnswer >= 0 && r.answer == r.correctAnswer
}
