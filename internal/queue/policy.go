package queue

import (
	"time"

	"turnos/internal/models"
)

type Check string

const (
	CheckOperatingDay   Check = "closed_day"
	CheckOperatingHours Check = "outside_hours"
	CheckDailyLimit     Check = "daily_limit"
)

var checkMessages = map[Check]string{
	CheckOperatingDay:   "the business does not operate today",
	CheckOperatingHours: "tickets are only issued during opening hours",
	CheckDailyLimit:     "the daily ticket limit has been reached",
}

func (c Check) Message() string {
	if msg, ok := checkMessages[c]; ok {
		return msg
	}
	return string(c)
}

type PolicyResult struct {
	Failed []Check `json:"failed,omitempty"`
}

func (r PolicyResult) OK() bool {
	return len(r.Failed) == 0
}

// Reason is the first failed check, used for user messaging.
func (r PolicyResult) Reason() Check {
	if len(r.Failed) == 0 {
		return ""
	}
	return r.Failed[0]
}

func (r PolicyResult) Has(check Check) bool {
	for _, c := range r.Failed {
		if c == check {
			return true
		}
	}
	return false
}

// WithinHours reports whether clock falls in [open, close). A close time
// earlier than the open time means the window runs past midnight.
func WithinHours(cfg models.BusinessConfig, clock models.ClockTime) bool {
	if cfg.OpenTime == cfg.CloseTime {
		return false
	}
	if cfg.OpenTime < cfg.CloseTime {
		return clock >= cfg.OpenTime && clock < cfg.CloseTime
	}
	return clock >= cfg.OpenTime || clock < cfg.CloseTime
}

// CheckTakeTicket evaluates every creation guard. now must already be in the
// business timezone; countToday counts tickets of the day in any state.
func CheckTakeTicket(cfg models.BusinessConfig, now time.Time, countToday int) PolicyResult {
	var result PolicyResult
	if !cfg.OperatesOn(now.Weekday()) {
		result.Failed = append(result.Failed, CheckOperatingDay)
	}
	if !WithinHours(cfg, models.ClockOf(now)) {
		result.Failed = append(result.Failed, CheckOperatingHours)
	}
	if countToday >= cfg.DailyLimit {
		result.Failed = append(result.Failed, CheckDailyLimit)
	}
	return result
}
