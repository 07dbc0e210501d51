package title

import (
	"strings"

	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
)

const (
	// RegenerateEvery is the message-count period at which an existing title is regenerated.
	RegenerateEvery = 7
	// ContextMessages is how many recent messages feed the summarization prompt.
	ContextMessages = 7
)

// ShouldGenerate is the title regeneration heuristic: a conversation still carrying the
// placeholder title always gets one, others are refreshed every RegenerateEvery messages.
func ShouldGenerate(currentTitle string, messageCount int) bool {
	return currentTitle == chatstore.PlaceholderTitle || messageCount%RegenerateEvery == 0
}

var stripper = strings.NewReplacer(`"`, "", "'", "", ".", "", "!", "", "?", "")

// Sanitize removes quotes and sentence punctuation anywhere in the title, then trims whitespace.
func Sanitize(raw string) string {
	return strings.TrimSpace(stripper.Replace(raw))
}

// Prompt wraps the conversation excerpt in the summarization instruction.
func Prompt(excerpt string) string {
	return "Je souhaite que tu génères un titre court et percutant, contenant au maximum 4 mots, " +
		"qui résume avec précision l’échange suivant :\n\n" + excerpt + "\n\n" +
		"Le titre doit être concis et direct, sans phrase complète ni texte additionnel. " +
		"Si l’échange est incohérent, illisible ou trop bref pour être résumé, ta seule réponse doit être : " +
		"'Demande de clarification'. Aucune autre information ne doit être ajoutée, même si cela semble pertinent. " +
		"Si la conversation est trop complexe ou trop longue, réponds simplement 'Résumé de la discussion'."
}
