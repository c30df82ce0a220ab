package soul

import (
	"strings"
	"testing"
)

const sampleSoul = `---
name: Claw
personality: dry and precise
goals:
- keep the workspace tidy
- answer before asking
rules:
- never delete files unprompted
preferences:
  tone: concise
  emoji: never
---
An operator-style assistant for infrastructure work.
`

func TestParse_FrontMatter(t *testing.T) {
	s := Parse(sampleSoul)
	if s.Name != "Claw" {
		t.Errorf("Name = %q", s.Name)
	}
	if s.Personality != "dry and precise" {
		t.Errorf("Personality = %q", s.Personality)
	}
	if len(s.Goals) != 2 || s.Goals[1] != "answer before asking" {
		t.Errorf("Goals = %v", s.Goals)
	}
	if len(s.Rules) != 1 || s.Rules[0] != "never delete files unprompted" {
		t.Errorf("Rules = %v", s.Rules)
	}
	if s.Preferences["tone"] != "concise" || s.Preferences["emoji"] != "never" {
		t.Errorf("Preferences = %v", s.Preferences)
	}
	if s.Description != "An operator-style assistant for infrastructure work." {
		t.Errorf("Description = %q", s.Description)
	}
}

func TestParse_NoFrontMatter(t *testing.T) {
	s := Parse("just a description\nwith two lines")
	if s.Description != "just a description\nwith two lines" {
		t.Errorf("Description = %q", s.Description)
	}
	if s.Name != "" || len(s.Goals) != 0 {
		t.Errorf("unexpected fields parsed: %+v", s)
	}
}

func TestParse_UnknownKeysIgnored(t *testing.T) {
	s := Parse("---\nname: X\nfavorite_color: blue\n---\n")
	if s.Name != "X" {
		t.Errorf("Name = %q", s.Name)
	}
	if _, ok := s.Preferences["favorite_color"]; ok {
		t.Errorf("unknown key leaked into preferences")
	}
}

func TestRender_ParseStable(t *testing.T) {
	original := Parse(sampleSoul)
	rendered := original.Render()
	reparsed := Parse(rendered)

	if reparsed.Name != original.Name ||
		reparsed.Personality != original.Personality ||
		reparsed.Description != original.Description {
		t.Errorf("scalar drift after render/parse: %+v vs %+v", reparsed, original)
	}
	if len(reparsed.Goals) != len(original.Goals) || len(reparsed.Rules) != len(original.Rules) {
		t.Errorf("list drift after render/parse")
	}
	for k, v := range original.Preferences {
		if reparsed.Preferences[k] != v {
			t.Errorf("preference %q drifted: %q", k, reparsed.Preferences[k])
		}
	}
	// Canonical form is a fixed point.
	if reparsed.Render() != rendered {
		t.Errorf("Render not canonical:\n%s\nvs\n%s", reparsed.Render(), rendered)
	}
}

func TestSystemPrompt(t *testing.T) {
	s := Parse(sampleSoul)
	prompt := s.SystemPrompt()
	for _, want := range []string{"You are Claw", "dry and precise", "keep the workspace tidy", "never delete files unprompted", "tone: concise"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("SystemPrompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestStore_LoadMissingReturnsDefault(t *testing.T) {
	store := NewStore(t.TempDir())
	s, err := store.Load("ops")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if s.Name != "ops" {
		t.Errorf("default soul name = %q, want agent id", s.Name)
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	in := &Soul{Name: "Claw", Goals: []string{"g1"}, Preferences: map[string]string{"tone": "dry"}}
	if err := store.Save("main", in); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	out, err := store.Load("main")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if out.Name != "Claw" || len(out.Goals) != 1 || out.Preferences["tone"] != "dry" {
		t.Errorf("round trip drift: %+v", out)
	}
}
