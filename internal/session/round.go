package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
)

// Attempt is the answer submitted for one question.
type Attempt struct {
	QuestionID   string
	Answer       int
	SubmittedAt  time.Time
	ResponseTime time.Duration
}

// Round runs the countdown and the answer flow of the current question. The deadline is fixed
// when the question is received and the remaining time is always derived from it.
type Round struct {
	clock    clockwork.Clock
	onTimeUp func(q domain.Question)

	mu         sync.Mutex
	gen        uint64
	question   *domain.Question
	receivedAt time.Time
	deadline   time.Time
	selected   int
	answered   bool
	expired    bool
	timer      clockwork.Timer
}

// NewRound creates a round runner. onTimeUp is called at most once per question, outside of any
// lock, when the deadline passes without a submission.
func NewRound(clock clockwork.Clock, onTimeUp func(q domain.Question)) *Round {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if onTimeUp == nil {
		onTimeUp = func(domain.Question) {}
	}

	return &Round{
		clock:    clock,
		onTimeUp: onTimeUp,
		selected: -1,
	}
}

// Start begins a round for q and cancels the previous one. A question that is already running is
// left untouched and Start reports false.
func (r *Round) Start(q domain.Question) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.question != nil && r.question.ID == q.ID {
		return false
	}

	r.stopLocked()

	q = q.Clone()
	r.gen++
	r.question = &q
	r.receivedAt = r.clock.Now()
	r.deadline = r.receivedAt.Add(q.TimePerQuestion)
	r.selected = -1
	r.answered = false
	r.expired = false

	gen := r.gen
	r.timer = r.clock.AfterFunc(q.TimePerQuestion, func() { r.timeUp(gen) })

	return true
}

func (r *Round) timeUp(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.answered || r.expired {
		r.mu.Unlock()
		return
	}

	r.expired = true
	q := r.question.Clone()
	r.mu.Unlock()

	r.onTimeUp(q)
}

// Select replaces the pending choice. It has no effect once the answer is submitted.
func (r *Round) Select(answer int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpenLocked(); err != nil {
		return err
	}

	if answer < 0 || answer >= len(r.question.Options) {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("answer %d is out of range", answer))
	}

	r.selected = answer
	return nil
}

// Submit locks in the pending choice. Only the first submission of a question is accepted.
func (r *Round) Submit() (Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpenLocked(); err != nil {
		return Attempt{}, err
	}

	if r.selected < 0 {
		return Attempt{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("no answer selected"))
	}

	now := r.clock.Now()
	r.answered = true
	if r.timer != nil {
		r.timer.Stop()
	}

	return Attempt{
		QuestionID:   r.question.ID,
		Answer:       r.selected,
		SubmittedAt:  now,
		ResponseTime: now.Sub(r.receivedAt),
	}, nil
}

// Unsubmit reopens questionID after its submission could not be delivered. The choice is kept and
// the deadline is unchanged.
func (r *Round) Unsubmit(questionID string) {
	r.mu.Lock()
	if r.question == nil || r.question.ID != questionID || !r.answered {
		r.mu.Unlock()
		return
	}

	r.answered = false
	left := r.remainingLocked()
	if left > 0 {
		gen := r.gen
		r.timer = r.clock.AfterFunc(left, func() { r.timeUp(gen) })
		r.mu.Unlock()
		return
	}

	r.expired = true
	q := r.question.Clone()
	r.mu.Unlock()

	r.onTimeUp(q)
}

// SubmitAnswer selects answer and submits it.
func (r *Round) SubmitAnswer(answer int) (Attempt, error) {
	if err := r.Select(answer); err != nil {
		return Attempt{}, err
	}

	return r.Submit()
}

func (r *Round) checkOpenLocked() error {
	switch {
	case r.question == nil:
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no question in progress"))
	case r.answered:
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("answer is already submitted: question=%s", r.question.ID))
	case r.expired || !r.clock.Now().Before(r.deadline):
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("time is up: question=%s", r.question.ID))
	}

	return nil
}

// Selected returns the pending or submitted choice.
func (r *Round) Selected() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.selected, r.selected >= 0
}

func (r *Round) Answered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.answered
}

func (r *Round) Question() (domain.Question, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.question == nil {
		return domain.Question{}, false
	}

	return r.question.Clone(), true
}

func (r *Round) Deadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deadline
}

// Remaining returns the time left, never negative.
func (r *Round) Remaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.remainingLocked()
}

func (r *Round) remainingLocked() time.Duration {
	if r.question == nil {
		return 0
	}

	return max(r.deadline.Sub(r.clock.Now()), 0)
}

// RemainingSeconds is the time left for display, rounded up.
func (r *Round) RemainingSeconds() int {
	return ceilSeconds(r.Remaining())
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

// Countdown calls fn with the seconds left on every tick until the round ends, is replaced, or ctx
// is done. It reports the final 0 once.
func (r *Round) Countdown(ctx context.Context, tick time.Duration, fn func(remaining int)) {
	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()

	t := r.clock.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
		}

		r.mu.Lock()
		if gen != r.gen || r.question == nil {
			r.mu.Unlock()
			return
		}
		left := ceilSeconds(r.remainingLocked())
		done := r.answered || left == 0
		r.mu.Unlock()

		fn(left)
		if done {
			return
		}
	}
}

// Stop cancels the pending time-up and forgets the question.
func (r *Round) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.gen++
	r.question = nil
	r.selected = -1
	r.answered = false
	r.expired = false
}

func (r *Round) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
