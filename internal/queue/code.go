package queue

import (
	"fmt"
	"strconv"
	"time"

	"turnos/internal/models"
)

// LetterEpoch is the business date that maps to letter A.
var LetterEpoch = time.Date(2024, time.August, 23, 0, 0, 0, 0, time.UTC)

const (
	codePad       = 2
	maxCodeNumber = 999
)

// LetterForDate returns the day's code letter. Only the calendar date of t
// matters; the letter cycles A..Z every 26 days from LetterEpoch.
func LetterForDate(t time.Time) string {
	days := civilDay(t) - civilDay(LetterEpoch)
	idx := ((days % 26) + 26) % 26
	return string(rune('A' + idx))
}

func civilDay(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// BusinessDate is the business-local calendar date of t.
func BusinessDate(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(models.DateLayout)
}

func FormatCode(letter string, number int) string {
	return fmt.Sprintf("%s%0*d", letter, codePad, number)
}

func ParseCode(code string) (string, int, error) {
	if len(code) < 1+codePad {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	letter := code[:1]
	if letter[0] < 'A' || letter[0] > 'Z' {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	for _, r := range code[1:] {
		if r < '0' || r > '9' {
			return "", 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
	}
	number, err := strconv.Atoi(code[1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return letter, number, nil
}

// NextCode returns the code after last within the letter's bucket, or the
// first code when there is no previous one. The two-digit pad is a minimum
// width: A99 is followed by A100.
func NextCode(letter, last string, hasLast bool) (string, error) {
	if !hasLast || last == "" {
		return FormatCode(letter, 1), nil
	}
	lastLetter, number, err := ParseCode(last)
	if err != nil {
		return "", err
	}
	if lastLetter != letter {
		return "", fmt.Errorf("%w: %q does not use letter %s", ErrInvalidCode, last, letter)
	}
	if number >= maxCodeNumber {
		return "", ErrCodesExhausted
	}
	return FormatCode(letter, number+1), nil
}
