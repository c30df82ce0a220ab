// Package soul manages per-agent persona files: a key-value front-matter
// block followed by free-form description text. Parsing is line-based and
// lossy; saving rewrites the canonical form.
package soul

import (
	"fmt"
	"sort"
	"strings"
)

// Soul is an agent's persona. It compiles into the system prompt.
type Soul struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Personality string            `json:"personality,omitempty"`
	Goals       []string          `json:"goals,omitempty"`
	Rules       []string          `json:"rules,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Default returns the persona used when an agent has no soul file.
func Default(agentID string) *Soul {
	return &Soul{
		Name:        agentID,
		Personality: "a helpful, direct assistant",
	}
}

// Parse reads the front-matter format. Unknown keys are ignored; a document
// without front matter is all description.
func Parse(data string) *Soul {
	s := &Soul{Preferences: map[string]string{}}
	lines := strings.Split(data, "\n")

	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == "---" {
			start = i
		}
		break
	}
	if start == -1 {
		s.Description = strings.TrimSpace(data)
		return s
	}

	end := -1
	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		s.Description = strings.TrimSpace(data)
		return s
	}

	var listKey string
	inPrefs := false
	for _, line := range lines[start+1 : end] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		indented := line != trimmed && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t"))

		if strings.HasPrefix(trimmed, "- ") {
			item := strings.TrimSpace(strings.TrimPrefix(trimmed, "- "))
			switch listKey {
			case "goals":
				s.Goals = append(s.Goals, item)
			case "rules":
				s.Rules = append(s.Rules, item)
			}
			continue
		}

		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if inPrefs && indented {
			s.Preferences[key] = value
			continue
		}
		inPrefs = false
		listKey = ""

		switch key {
		case "name":
			s.Name = value
		case "personality":
			s.Personality = value
		case "goals", "rules":
			// a bare "goals:" opens list mode; a valued line is a one-item list
			if value == "" {
				listKey = key
			} else if key == "goals" {
				s.Goals = append(s.Goals, value)
			} else {
				s.Rules = append(s.Rules, value)
			}
		case "preferences":
			inPrefs = true
		}
	}

	s.Description = strings.TrimSpace(strings.Join(lines[end+1:], "\n"))
	return s
}

// Render writes the canonical file form.
func (s *Soul) Render() string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "name: %s\n", s.Name)
	if s.Personality != "" {
		fmt.Fprintf(&b, "personality: %s\n", s.Personality)
	}
	if len(s.Goals) > 0 {
		b.WriteString("goals:\n")
		for _, g := range s.Goals {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	if len(s.Rules) > 0 {
		b.WriteString("rules:\n")
		for _, r := range s.Rules {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(s.Preferences) > 0 {
		b.WriteString("preferences:\n")
		keys := make([]string, 0, len(s.Preferences))
		for k := range s.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, s.Preferences[k])
		}
	}
	b.WriteString("---\n")
	if s.Description != "" {
		b.WriteString(s.Description)
		b.WriteString("\n")
	}
	return b.String()
}

// SystemPrompt compiles the persona into the system message for the backend.
func (s *Soul) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", s.Name)
	if s.Personality != "" {
		fmt.Fprintf(&b, ", %s", s.Personality)
	}
	b.WriteString(".\n")
	if s.Description != "" {
		b.WriteString("\n")
		b.WriteString(s.Description)
		b.WriteString("\n")
	}
	if len(s.Goals) > 0 {
		b.WriteString("\nYour goals:\n")
		for _, g := range s.Goals {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	if len(s.Rules) > 0 {
		b.WriteString("\nRules you must follow:\n")
		for _, r := range s.Rules {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(s.Preferences) > 0 {
		b.WriteString("\nPreferences:\n")
		keys := make([]string, 0, len(s.Preferences))
		for k := range s.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, s.Preferences[k])
		}
	}
	return b.String()
}
