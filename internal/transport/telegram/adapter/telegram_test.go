package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	kit "timerquiz/internal/transport"
)

func TestAPIErrorClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		err   error
		kind  kit.ErrorKind
		after time.Duration
	}{
		{"bad request", fmt.Errorf("telegram: Bad Request: poll must have at least 2 options (400)"), kit.KindSemantic, 0},
		{"flood", fmt.Errorf("telegram: retry after 35 (429)"), kit.KindFlood, 35 * time.Second},
		{"server", fmt.Errorf("telegram: Internal Server Error (500)"), kit.KindTransient, 0},
		{"network", errors.New("telebot: Post \"https://api.telegram.org\": connection reset"), kit.KindTransient, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := apiError(tc.err)
			if got := kit.Classify(err); got != tc.kind {
				t.Fatalf("Classify = %v, want %v", got, tc.kind)
			}
			if got := kit.RetryAfter(err); got != tc.after {
				t.Fatalf("RetryAfter = %v, want %v", got, tc.after)
			}
		})
	}
	if apiError(nil) != nil {
		t.Fatal("apiError(nil) should be nil")
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("split short = %q", got)
	}

	long := strings.Repeat("line of text\n", 10)
	chunks := splitTelegramText(long, 40, "")
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want >= 3", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 40 {
			t.Fatalf("chunk too long: %q", c)
		}
		if strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk ends with newline: %q", c)
		}
	}
	if got := strings.Join(chunks, "\n"); got != strings.TrimRight(long, "\n") {
		t.Fatalf("rejoined text differs:\n%q", got)
	}
}

func TestSplitAvoidsOpenTag(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 18) + "<b>bold</b>" + strings.Repeat("c", 10)
	chunks := splitTelegramText(text, 20, "HTML")
	if !strings.HasPrefix(chunks[1], "<b>") {
		t.Fatalf("second chunk = %q, want it to start at the tag", chunks[1])
	}
}
