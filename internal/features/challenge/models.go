// Package challenge реализует машину состояний челленджа живости.
// models.go описывает структуры челленджа и событий детекции.
package challenge

import (
	"fmt"
	"strings"
	"time"
)

// Action — физическое действие, которое должен выполнить верифицируемый.
type Action string

const (
	ActionTurnLeft  Action = "turn-left"
	ActionTurnRight Action = "turn-right"
	ActionLookUp    Action = "look-up"
	ActionLookDown  Action = "look-down"
	ActionCenter    Action = "center"
)

// Actions — полный набор действий для розыгрыша. Слайс неизменяемый,
// безопасно разделяется всеми сессиями.
var Actions = []Action{ActionTurnLeft, ActionTurnRight, ActionLookUp, ActionLookDown, ActionCenter}

// actionText — человекочитаемый текст действия для клиента.
var actionText = map[Action]string{
	ActionTurnLeft:  "Turn left",
	ActionTurnRight: "Turn right",
	ActionLookUp:    "Look up",
	ActionLookDown:  "Look down",
	ActionCenter:    "Face the camera",
}

// Outcome — вердикт по челленджу.
type Outcome string

const (
	OutcomePending Outcome = "PENDING"
	OutcomePass    Outcome = "PASS"
	OutcomeFail    Outcome = "FAIL"
	OutcomeDuress  Outcome = "DURESS"
)

// EventKind — тип события детекции.
type EventKind string

const (
	EventAction EventKind = "action"
	EventWord   EventKind = "word"
	EventBlink  EventKind = "blink"
	EventDuress EventKind = "duress"
	EventNone   EventKind = "none"
)

// DetectionEvent — одно событие от бэкенда детекции: распознанное действие,
// слово, кумулятивный счётчик морганий или слово дуресса.
// Живёт только на время обработки одного кадра/аудио-чанка.
type DetectionEvent struct {
	Kind       EventKind
	Action     Action
	Word       string
	BlinkCount int
	Confidence float64
	Timestamp  time.Time
}

// Challenge — один выданный челлендж. Принадлежит ровно одной сессии.
// Флаги выполнения монотонные (false→true), кроме отката слова
// при нарушении окна действие-речь.
type Challenge struct {
	Action      Action
	Word        string
	BlinkTarget int // 0 — блинк-фактор не требуется

	IssuedAt  time.Time
	TimeoutAt time.Time

	ActionCompleted   bool
	WordCompleted     bool
	BlinkCompleted    bool
	ActionCompletedAt time.Time
	WordCompletedAt   time.Time

	Outcome Outcome
}

// Resolved сообщает, вынесен ли по челленджу вердикт.
func (c *Challenge) Resolved() bool {
	return c.Outcome != OutcomePending
}

// Text возвращает текст челленджа для клиента,
// например "Turn left, blink 2 times and say clock".
func (c *Challenge) Text() string {
	var b strings.Builder
	b.WriteString(actionText[c.Action])
	if c.BlinkTarget > 0 {
		fmt.Fprintf(&b, ", blink %d times", c.BlinkTarget)
	}
	fmt.Fprintf(&b, " and say %s", c.Word)
	return b.String()
}

// TimeRemaining возвращает остаток времени челленджа на момент now.
func (c *Challenge) TimeRemaining(now time.Time) time.Duration {
	if c.Resolved() {
		return 0
	}
	left := c.TimeoutAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Status — снимок состояния для исходящего processed_frame.
type Status struct {
	ChallengeText   string
	ActionCompleted bool
	WordCompleted   bool
	BlinkCompleted  bool
	TimeRemaining   time.Duration
	Result          Outcome
	DuressDetected  bool
}
