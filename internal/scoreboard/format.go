package scoreboard

import (
	"fmt"
	"strings"

	"timerquiz/pkg/tgui"
)

const emptyBoard = "📊 Quiz Leaderboard\n\nNo participants found for this quiz."

var medals = []string{"🥇", "🥈", "🥉"}

func marker(i int) string {
	if i < len(medals) {
		return medals[i]
	}
	return fmt.Sprintf("%d.", i+1)
}

// FormatHTML renders the full leaderboard for ParseMode HTML.
func FormatHTML(s Summary) string {
	if len(s.Standings) == 0 {
		return emptyBoard
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🏆 <b>%s - Final Results</b>\n\n", tgui.Esc(s.Title))
	fmt.Fprintf(&b, "👥 Total Participants: %d\n", len(s.Standings))
	fmt.Fprintf(&b, "📊 Total Average: %d%%\n\n", s.Average)
	b.WriteString("🎯 <b>LEADERBOARD:</b>\n")
	for i, st := range s.Standings {
		fmt.Fprintf(&b, "%s %s", marker(i), tgui.B(st.DisplayName()))
		if st.Username != "" {
			fmt.Fprintf(&b, " (%s)", tgui.Esc("@"+st.Username))
		}
		fmt.Fprintf(&b, "\n    📊 %d/%d correct (%d%%)\n\n", st.Correct, st.Answered, st.Percent())
	}
	b.WriteString("🎉 Congratulations to all participants!")
	return b.String()
}

// FormatPlain is FormatHTML without markup.
func FormatPlain(s Summary) string {
	return tgui.Strip(FormatHTML(s))
}

// FormatMinimal is the last-resort acknowledgement: participant count
// and the top performer.
func FormatMinimal(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Quiz Complete!\n\nParticipants: %d\n", len(s.Standings))
	if len(s.Standings) > 0 {
		top := s.Standings[0]
		fmt.Fprintf(&b, "\nTop performer:\n🏆 %s: %d correct", top.DisplayName(), top.Correct)
	}
	return b.String()
}

// FormatTop renders all-time standings, HTML.
func FormatTop(entries []Entry) string {
	if len(entries) == 0 {
		return "📊 No results recorded yet."
	}
	var b strings.Builder
	b.WriteString("🏆 <b>All-time leaderboard</b>\n\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "%s %s: %d correct\n", marker(i), tgui.Esc(e.Name), e.Correct)
	}
	return strings.TrimRight(b.String(), "\n")
}
