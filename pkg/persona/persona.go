// Package persona holds the closed catalog of assistant personalities and
// the scripted lines each one speaks.
package persona

import (
	"errors"
	"sort"
)

// Personality tags
const (
	CheerfulGuide      = "cheerful_guide"
	ProfessionalGuide  = "professional_guide"
	PlayfulCompanion   = "playful_companion"
	DefaultPersonality = CheerfulGuide
)

// ErrUnknownPersonality is returned for a tag outside the catalog
var ErrUnknownPersonality = errors.New("unknown personality")

// Persona describes how the assistant greets, prompts, and answers
type Persona struct {
	Tag          string
	Greeting     string
	CTA          string
	Instructions string
	Voice        string
	Replies      []string
}

var defaultReplies = []string{
	"I understand what you're saying. Tell me more about that.",
	"That's interesting! How can I help you with that?",
	"I see. What specific information are you looking for?",
	"Thanks for sharing. Is there anything else you'd like to know?",
	"Got it. Let me think about how I can best assist you with that.",
}

var catalog = map[string]Persona{
	CheerfulGuide: {
		Tag:          CheerfulGuide,
		Greeting:     "Hey there! I'm Chatty – your personal AI guide. Want to see what ChatSites can do in under a minute?",
		CTA:          "I feel like we're really clicking – how about a quick chat with one of our founders?",
		Instructions: "You are Chatty, an upbeat and friendly guide. Keep answers short, warm, and conversational.",
		Voice:        "alloy",
		Replies:      defaultReplies,
	},
	ProfessionalGuide: {
		Tag:          ProfessionalGuide,
		Greeting:     "Hello, I'm Chatty. I can walk you through what ChatSites offers in about a minute.",
		CTA:          "If this sounds useful, I can set up a short call with one of our founders.",
		Instructions: "You are Chatty, a concise and professional product guide. Answer precisely and briefly.",
		Voice:        "echo",
		Replies:      defaultReplies,
	},
	PlayfulCompanion: {
		Tag:          PlayfulCompanion,
		Greeting:     "Oh hi! I'm Chatty. Got sixty seconds? Let's make them fun.",
		CTA:          "Okay, you're clearly my favorite visitor today – want to meet one of our founders?",
		Instructions: "You are Chatty, a playful and witty companion. Be light-hearted but helpful.",
		Voice:        "shimmer",
		Replies:      defaultReplies,
	},
}

// Lookup resolves a tag. An empty tag resolves to the default personality.
func Lookup(tag string) (Persona, error) {
	if tag == "" {
		tag = DefaultPersonality
	}
	p, ok := catalog[tag]
	if !ok {
		return Persona{}, ErrUnknownPersonality
	}
	return p, nil
}

// MustLookup is Lookup for tags known at compile time
func MustLookup(tag string) Persona {
	p, err := Lookup(tag)
	if err != nil {
		panic(err)
	}
	return p
}

// Tags lists every known personality tag in sorted order
func Tags() []string {
	tags := make([]string, 0, len(catalog))
	for tag := range catalog {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Reply picks a canned reply. pick selects an index in [0, n).
func (p Persona) Reply(pick func(n int) int) string {
	if len(p.Replies) == 0 {
		return ""
	}
	i := 0
	if pick != nil {
		i = pick(len(p.Replies))
	}
	if i < 0 || i >= len(p.Replies) {
		i = 0
	}
	return p.Replies[i]
}
