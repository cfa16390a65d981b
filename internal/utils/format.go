// Package utils holds text helpers for ticket titles, notifications and logs.
package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// FormatDuration renders a span for operator messages with at most two units,
// e.g. "40s", "15m", "2h 5m", "3d 4h". Sub-second spans round up to "1s".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	secs := int64((d + time.Second - 1) / time.Second)
	units := []struct {
		size int64
		name string
	}{
		{86400, "d"},
		{3600, "h"},
		{60, "m"},
		{1, "s"},
	}
	for i, u := range units {
		if secs < u.size {
			continue
		}
		out := strconv.FormatInt(secs/u.size, 10) + u.name
		if i+1 < len(units) {
			next := units[i+1]
			if rest := secs % u.size / next.size; rest > 0 {
				out += " " + strconv.FormatInt(rest, 10) + next.name
			}
		}
		return out
	}
	return "0s"
}

// FormatCount groups digits in thousands: 1234567 -> "1,234,567"
func FormatCount(n int64) string {
	s := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, s = "-", s[1:]
	}
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return sign + b.String()
}

// TruncateText folds whitespace runs to single spaces and cuts the result to at most
// maxLen runes, marking a cut with "...".
func TruncateText(text string, maxLen int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:maxLen-3]), " ") + "..."
}

// EscapeForLogging keeps untrusted text on one log line and bounds its length in bytes
func EscapeForLogging(text string, maxLen int) string {
	if len(text) > maxLen {
		text = fmt.Sprintf("%s...(%d bytes)", strings.ToValidUTF8(text[:maxLen], ""), len(text))
	}
	return strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`).Replace(text)
}
