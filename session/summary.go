package session

import (
	"fmt"
	"os"
	"strings"
)

const defaultNextStep = "Review session artifacts and decide whether to iterate or evaluate."

// Summary is the human-readable account of a session.
type Summary struct {
	Changed   []string
	Why       string
	Tried     []string
	Failures  []string
	NextSteps []string
	Spawned   []string
}

func bullets(items []string) string {
	if len(items) == 0 {
		return "- _None_"
	}
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}

// Markdown renders the summary with its fixed section headings.
func (s Summary) Markdown() string {
	var why []string
	if s.Why != "" {
		why = []string{s.Why}
	}
	next := s.NextSteps
	if len(next) == 0 {
		next = []string{defaultNextStep}
	}
	return fmt.Sprintf(`# Session Summary

## What I changed
%s

## Why
%s

## What I tried
%s

## Current failures
%s

## Next steps
%s

## Subagents spawned
%s
`, bullets(s.Changed), bullets(why), bullets(s.Tried), bullets(s.Failures), bullets(next), bullets(s.Spawned))
}

// Write stores the rendered summary at path.
func (s Summary) Write(path string) error {
	if err := os.WriteFile(path, []byte(s.Markdown()), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
