// Package persona loads the assistant's scripted lines and model instructions.
package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona describes how the assistant introduces itself and which fixed
// lines it speaks when the dialogue model is not consulted.
type Persona struct {
	Metadata           Metadata `yaml:"metadata"`
	Instructions       string   `yaml:"instructions"`
	Lines              Lines    `yaml:"lines"`
	TerminationPhrases []string `yaml:"termination_phrases"`
}

type Metadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Voice       string `yaml:"voice,omitempty"`
}

type Lines struct {
	Greeting           string `yaml:"greeting"`
	Acknowledgement    string `yaml:"acknowledgement"`
	Unintelligible     string `yaml:"unintelligible"`
	ServiceUnavailable string `yaml:"service_unavailable"`
}

// Default returns the built-in assistant persona.
func Default() Persona {
	return Persona{
		Metadata: Metadata{
			Name:        "assistant",
			Version:     "1",
			Description: "Friendly general-purpose voice assistant",
		},
		Instructions: "You are a helpful, friendly AI assistant who speaks clearly and concisely.",
		Lines: Lines{
			Greeting:           "Hi there! Do you have a question for me?",
			Acknowledgement:    "Alright then. Do you have another question you would like to ask?",
			Unintelligible:     "Sorry, I didn't catch that. Could you please repeat?",
			ServiceUnavailable: "I'm having trouble connecting right now. Please try again later.",
		},
		TerminationPhrases: []string{"okay thank", "stop"},
	}
}

// Load reads a persona from disk. Fields left empty fall back to Default.
func Load(path string) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, err
	}
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Persona{}, fmt.Errorf("parse persona: %w", err)
	}
	return p.withDefaults(), nil
}

func (p Persona) withDefaults() Persona {
	def := Default()
	if p.Instructions == "" {
		p.Instructions = def.Instructions
	}
	if p.Lines.Greeting == "" {
		p.Lines.Greeting = def.Lines.Greeting
	}
	if p.Lines.Acknowledgement == "" {
		p.Lines.Acknowledgement = def.Lines.Acknowledgement
	}
	if p.Lines.Unintelligible == "" {
		p.Lines.Unintelligible = def.Lines.Unintelligible
	}
	if p.Lines.ServiceUnavailable == "" {
		p.Lines.ServiceUnavailable = def.Lines.ServiceUnavailable
	}
	if len(p.TerminationPhrases) == 0 {
		p.TerminationPhrases = def.TerminationPhrases
	}
	return p
}

// Validate ensures the persona contains required fields.
func Validate(p Persona) error {
	if p.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if p.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if strings.TrimSpace(p.Lines.Greeting) == "" {
		return fmt.Errorf("lines.greeting is required")
	}
	if strings.TrimSpace(p.Lines.Acknowledgement) == "" {
		return fmt.Errorf("lines.acknowledgement is required")
	}
	if strings.TrimSpace(p.Lines.Unintelligible) == "" {
		return fmt.Errorf("lines.unintelligible is required")
	}
	if strings.TrimSpace(p.Lines.ServiceUnavailable) == "" {
		return fmt.Errorf("lines.service_unavailable is required")
	}
	if p.Lines.Unintelligible == p.Lines.ServiceUnavailable {
		return fmt.Errorf("lines.unintelligible and lines.service_unavailable must differ")
	}
	if len(p.TerminationPhrases) == 0 {
		return fmt.Errorf("termination_phrases must include at least one entry")
	}
	for i, phrase := range p.TerminationPhrases {
		if strings.TrimSpace(phrase) == "" {
			return fmt.Errorf("termination_phrases[%d] is empty", i)
		}
	}
	return nil
}
