// Package prompt builds the turns sent to the model. Every function is pure: callers pass the
// user, the active custom instruction and the current time explicitly.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/chatrelay/pkg/llm"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
)

var frenchWeekdays = [...]string{"dimanche", "lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi"}

var frenchMonths = [...]string{
	"janvier", "février", "mars", "avril", "mai", "juin",
	"juillet", "août", "septembre", "octobre", "novembre", "décembre",
}

// FormatFrenchDate renders t as "lundi 04 novembre 2024 14:05".
func FormatFrenchDate(t time.Time) string {
	return fmt.Sprintf("%s %02d %s %d %02d:%02d",
		frenchWeekdays[t.Weekday()], t.Day(), frenchMonths[t.Month()-1], t.Year(), t.Hour(), t.Minute())
}

// BuildSystemPreamble returns the system prompt for a chat turn. instruction may be nil.
func BuildSystemPreamble(user chatstore.UserRecord, instruction *chatstore.InstructionRecord, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tu es un assistant de chat. La date et l'heure actuelle est le %s.\n", FormatFrenchDate(now))
	fmt.Fprintf(&sb, "Tu es actuellement utilisé par %s.\n", user.Name)

	if instruction != nil && instruction.Active {
		if about := strings.TrimSpace(instruction.AboutUser); about != "" {
			sb.WriteString("\nÀ propos de l'utilisateur:\n")
			sb.WriteString(about)
		}
		if pref := strings.TrimSpace(instruction.Preference); pref != "" {
			sb.WriteString("\nPréférences de réponse:\n")
			sb.WriteString(pref)
		}
	}
	return sb.String()
}

// BuildChatTurns prepends the preamble to the stored history.
func BuildChatTurns(preamble string, history []chatstore.MessageRecord) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	if preamble != "" {
		out = append(out, llm.Message{Role: string(chatstore.RoleSystem), Content: preamble})
	}
	for _, m := range history {
		// the empty assistant placeholder is never sent upstream
		if m.Role == chatstore.RoleAssistant && m.Content == "" {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
