package memory

import (
	"fmt"
	"strings"
)

// Profile is the personality card an owner's memories are filtered through.
// It is owned by the profile store; the memory package only reads it.
type Profile struct {
	OwnerID                string            `json:"ownerId" yaml:"ownerId"`
	Name                   string            `json:"name" yaml:"name"`
	CoreLayer              CoreLayer         `json:"coreLayer" yaml:"coreLayer"`
	ConversationGuidelines []string          `json:"conversationGuidelines,omitempty" yaml:"conversationGuidelines,omitempty"`
	RelationNotes          map[string]string `json:"relationNotes,omitempty" yaml:"relationNotes,omitempty"`
}

type CoreLayer struct {
	PersonalityTraits  []string `json:"personalityTraits" yaml:"personalityTraits"`
	CommunicationStyle string   `json:"communicationStyle" yaml:"communicationStyle"`
	Values             []string `json:"values" yaml:"values"`
}

const defaultPersonality = "ordinary personality, friendly"

// FormatPersonality renders a profile as the short personality paragraph
// embedded in extraction, compression and mention prompts.
func FormatPersonality(p *Profile) string {
	if p == nil {
		return defaultPersonality
	}
	var parts []string
	if traits := nonEmpty(p.CoreLayer.PersonalityTraits); len(traits) > 0 {
		parts = append(parts, "Traits: "+strings.Join(traits, ", "))
	}
	if style := strings.TrimSpace(p.CoreLayer.CommunicationStyle); style != "" {
		parts = append(parts, "Communication style: "+style)
	}
	if values := nonEmpty(p.CoreLayer.Values); len(values) > 0 {
		parts = append(parts, "Values: "+strings.Join(values, ", "))
	}
	if guidelines := nonEmpty(p.ConversationGuidelines); len(guidelines) > 0 {
		parts = append(parts, "Guidelines: "+strings.Join(guidelines, "; "))
	}
	if len(parts) == 0 {
		return defaultPersonality
	}
	return strings.Join(parts, "\n")
}

func relationNote(p *Profile, relation string) string {
	if p == nil || relation == "" {
		return ""
	}
	if note := strings.TrimSpace(p.RelationNotes[relation]); note != "" {
		return fmt.Sprintf("Toward a %s: %s", relation, note)
	}
	return ""
}

func displayName(p *Profile, fallback string) string {
	if p != nil && strings.TrimSpace(p.Name) != "" {
		return strings.TrimSpace(p.Name)
	}
	return fallback
}
