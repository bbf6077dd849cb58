package adapter

import (
	"errors"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "timerquiz/internal/transport"
)

// telebot renders API failures as "telegram: <description> (<code>)".
var (
	reCode       = regexp.MustCompile(`\((\d{3})\)\s*$`)
	reRetryAfter = regexp.MustCompile(`retry after (\d+)`)
)

// apiError turns a Bot API failure into *kit.APIError so callers can
// classify it. Network errors pass through unchanged.
func apiError(err error) error {
	if err == nil {
		return nil
	}
	var ae *kit.APIError
	if errors.As(err, &ae) {
		return err
	}
	out := &kit.APIError{Description: err.Error()}
	var te *tele.Error
	if errors.As(err, &te) {
		out.Code = te.Code
		out.Description = te.Description
	} else if m := reCode.FindStringSubmatch(err.Error()); m != nil {
		out.Code, _ = strconv.Atoi(m[1])
	} else {
		return err
	}
	if m := reRetryAfter.FindStringSubmatch(err.Error()); m != nil {
		n, _ := strconv.Atoi(m[1])
		out.RetryAfter = time.Duration(n) * time.Second
		if out.Code == 0 {
			out.Code = 429
		}
	}
	return out
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages on newlines where possible and
// never inside an HTML tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if parseMode == "HTML" && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	for i := range out {
		out[i] = trimRightNewlines(out[i])
	}
	return out
}

func trimRightNewlines(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}
