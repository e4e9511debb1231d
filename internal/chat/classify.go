package chat

import (
	"slices"
	"strings"
)

// Kind tells how a submitted input must be handled.
type Kind int

const (
	// Normal inputs start a new model request.
	Normal Kind = iota
	// Interrupt inputs stop the in-flight reply and are recorded without asking the model.
	Interrupt
)

// InterruptPrefix marks any input starting with it as an interrupt.
const InterruptPrefix = "/"

var stopWords = []string{"stop", "bye"}

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Interrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Classify reports whether input is an interrupt command. Surrounding whitespace is ignored, and the
// stop words are matched case-insensitively.
func Classify(input string) Kind {
	s := strings.TrimSpace(input)
	if strings.HasPrefix(s, InterruptPrefix) {
		return Interrupt
	}
	if slices.Contains(stopWords, strings.ToLower(s)) {
		return Interrupt
	}
	return Normal
}
