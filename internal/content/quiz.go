package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	logx "timerquiz/pkg/logx"
)

const (
	DefaultTitle = "Quiz Session"
	// NoQuestionText stands in for a question with an empty prompt.
	NoQuestionText = "No question text"
	// MaxOptions is the platform limit on poll options.
	MaxOptions = 10
)

var ErrNoQuestions = errors.New("quiz has no questions")

type Question struct {
	Text        string   `json:"question"`
	Options     []string `json:"options"`
	Correct     int      `json:"correct"`
	Explanation string   `json:"explanation,omitempty"`
}

// Valid reports whether the question can be posted as a poll.
func (q Question) Valid() bool {
	return len(q.Options) >= 2
}

type Quiz struct {
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Parse decodes a quiz document. Options beyond MaxOptions are dropped, an
// out-of-range correct index is clamped to 0 and an empty prompt becomes
// NoQuestionText.
func Parse(data []byte, log logx.Logger) (Quiz, error) {
	var q Quiz
	if err := json.Unmarshal(data, &q); err != nil {
		return Quiz{}, fmt.Errorf("decode quiz: %w", err)
	}
	if strings.TrimSpace(q.Title) == "" {
		q.Title = DefaultTitle
	}
	if len(q.Questions) == 0 {
		return q, ErrNoQuestions
	}
	for i := range q.Questions {
		qq := &q.Questions[i]
		if strings.TrimSpace(qq.Text) == "" {
			qq.Text = NoQuestionText
		}
		if len(qq.Options) > MaxOptions {
			log.Warn("question has too many options, truncating",
				logx.Int("question", i+1), logx.Int("options", len(qq.Options)))
			qq.Options = qq.Options[:MaxOptions]
		}
		if qq.Correct < 0 || qq.Correct >= len(qq.Options) {
			log.Warn("correct option out of range, using first option",
				logx.Int("question", i+1), logx.Int("correct", qq.Correct))
			qq.Correct = 0
		}
	}
	return q, nil
}

// Load reads and parses a quiz file.
func Load(path string, log logx.Logger) (Quiz, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Quiz{}, err
	}
	return Parse(b, log)
}
