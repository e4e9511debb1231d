package services

import (
	"slices"

	"github.com/MegaGrindStone/shutup-web-ui/internal/models"
)

// LLMParameters holds the optional sampling parameters shared by the backends. A nil field leaves the
// backend's default in place.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`
}

type roleMessage struct {
	role    string
	content string
}

// conversation flattens the transcript into role/content pairs, with the system prompt first when set.
func conversation(systemPrompt string, turns []models.Turn) []roleMessage {
	msgs := make([]roleMessage, len(turns))
	for i, t := range turns {
		msgs[i] = roleMessage{role: string(t.Role), content: t.Content}
	}
	if systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, roleMessage{role: "system", content: systemPrompt})
	}
	return msgs
}
