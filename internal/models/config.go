package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v5"
)

// ClockTime is a time of day expressed in minutes after midnight.
type ClockTime int

func ParseClockTime(value string) (ClockTime, error) {
	value = strings.TrimSpace(value)
	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 24 {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	if hours == 24 && minutes != 0 {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	return ClockTime(hours*60 + minutes), nil
}

func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(text []byte) error {
	parsed, err := ParseClockTime(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// BusinessConfig is the effective operating configuration of one business.
type BusinessConfig struct {
	OpenTime      ClockTime      `json:"open_time"`
	CloseTime     ClockTime      `json:"close_time"`
	DailyLimit    int            `json:"daily_limit"`
	OperatingDays []time.Weekday `json:"operating_days"`
}

func DefaultBusinessConfig() BusinessConfig {
	return BusinessConfig{
		OpenTime:   8 * 60,
		CloseTime:  23 * 60,
		DailyLimit: 50,
		OperatingDays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday,
		},
	}
}

func (c BusinessConfig) OperatesOn(day time.Weekday) bool {
	for _, d := range c.OperatingDays {
		if d == day {
			return true
		}
	}
	return false
}

// BusinessConfigPatch carries the stored configuration row. Any field may be
// absent, in which case the default applies.
type BusinessConfigPatch struct {
	OpenTime      null.String `json:"open_time"`
	CloseTime     null.String `json:"close_time"`
	DailyLimit    null.Int    `json:"daily_limit"`
	OperatingDays []string    `json:"operating_days"`
}

// MergeDefaults overlays the patch on defaults. Fields that fail to parse keep
// the default value; the returned error lists them but the config is always
// usable.
func MergeDefaults(patch BusinessConfigPatch, defaults BusinessConfig) (BusinessConfig, error) {
	cfg := defaults
	cfg.OperatingDays = append([]time.Weekday(nil), defaults.OperatingDays...)
	var errs []error

	if patch.OpenTime.Valid {
		if v, err := ParseClockTime(patch.OpenTime.String); err != nil {
			errs = append(errs, fmt.Errorf("open_time: %w", err))
		} else {
			cfg.OpenTime = v
		}
	}
	if patch.CloseTime.Valid {
		if v, err := ParseClockTime(patch.CloseTime.String); err != nil {
			errs = append(errs, fmt.Errorf("close_time: %w", err))
		} else {
			cfg.CloseTime = v
		}
	}
	if patch.DailyLimit.Valid {
		if patch.DailyLimit.Int64 < 0 {
			errs = append(errs, fmt.Errorf("daily_limit: negative value %d", patch.DailyLimit.Int64))
		} else {
			cfg.DailyLimit = int(patch.DailyLimit.Int64)
		}
	}
	if patch.OperatingDays != nil {
		days := make([]time.Weekday, 0, len(patch.OperatingDays))
		var dayErrs []error
		for _, raw := range patch.OperatingDays {
			day, err := ParseWeekday(raw)
			if err != nil {
				dayErrs = append(dayErrs, err)
				continue
			}
			if !containsWeekday(days, day) {
				days = append(days, day)
			}
		}
		if len(dayErrs) > 0 {
			errs = append(errs, fmt.Errorf("operating_days: %w", errors.Join(dayErrs...)))
		} else {
			cfg.OperatingDays = days
		}
	}
	return cfg, errors.Join(errs...)
}

var weekdayNames = map[string]time.Weekday{
	"domingo":   time.Sunday,
	"lunes":     time.Monday,
	"martes":    time.Tuesday,
	"miercoles": time.Wednesday,
	"jueves":    time.Thursday,
	"viernes":   time.Friday,
	"sabado":    time.Saturday,
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var accentFolder = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u")

// ParseWeekday accepts 0-6 (0 is Sunday) or a Spanish or English day name.
func ParseWeekday(value string) (time.Weekday, error) {
	trimmed := strings.TrimSpace(value)
	if n, err := strconv.Atoi(trimmed); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("invalid weekday %q", value)
		}
		return time.Weekday(n), nil
	}
	if day, ok := weekdayNames[accentFolder.Replace(strings.ToLower(trimmed))]; ok {
		return day, nil
	}
	return 0, fmt.Errorf("invalid weekday %q", value)
}

func containsWeekday(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
