// Package persona holds the hidden role instructions that shape how the
// assistant speaks to doctors, patients and general users.
package persona

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Role string

const (
	Doctor  Role = "doctor"
	Patient Role = "patient"
	General Role = "general"
)

const fileExt = ".md"

var defaults = map[Role]string{
	Doctor: "You are a radiology assistant speaking with a physician.\n\n" +
		"Guidelines:\n" +
		"- Use precise clinical terminology and be concise.\n" +
		"- Base every statement about an image on capability results, never on assumption.\n" +
		"- Report probabilities as given; do not inflate certainty.\n" +
		"- Do not use markdown headers.",
	Patient: "You are a radiology assistant explaining results to a patient.\n\n" +
		"Guidelines:\n" +
		"- Use plain language and explain medical terms briefly.\n" +
		"- Be calm and factual; never give a definitive diagnosis.\n" +
		"- Encourage the patient to discuss results with their doctor.\n" +
		"- Do not use markdown headers.",
	General: "You are a radiology assistant that analyzes chest X-rays with specialized imaging capabilities.\n\n" +
		"Guidelines:\n" +
		"- Be concise and accurate.\n" +
		"- Base statements about an image on capability results.\n" +
		"- State uncertainty plainly.",
}

var greetings = map[Role]string{
	Doctor:  "Hello doctor. Upload a chest X-ray or DICOM study, or ask a question about a case, and I will analyze it.",
	Patient: "Hello! I can help you understand your chest X-ray. Upload your image or ask me a question.",
	General: "Hello! Upload a chest X-ray or DICOM study, or ask a question, and I will take a look.",
}

// Context is the persona attached to a turn. Instruction is only ever sent
// to the reasoning backend.
type Context struct {
	Role        Role
	Instruction string
}

func ParseRole(value string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case Doctor:
		return Doctor
	case Patient:
		return Patient
	default:
		return General
	}
}

// Library resolves personas, preferring <dir>/<role>.md over the built-in
// text. Files are read once.
type Library struct {
	dir   string
	mu    sync.Mutex
	cache map[Role]string
}

func NewLibrary(dir string) *Library {
	return &Library{dir: strings.TrimSpace(dir), cache: map[Role]string{}}
}

func (l *Library) Resolve(role string) Context {
	parsed := ParseRole(role)
	return Context{Role: parsed, Instruction: l.instruction(parsed)}
}

func (l *Library) Greeting(role Role) string {
	if text, ok := greetings[role]; ok {
		return text
	}
	return greetings[General]
}

func (l *Library) instruction(role Role) string {
	if l == nil {
		return defaults[role]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if text, ok := l.cache[role]; ok {
		return text
	}
	text := defaults[role]
	if override, err := l.readOverride(role); err == nil && override != "" {
		text = override
	}
	l.cache[role] = text
	return text
}

func (l *Library) readOverride(role Role) (string, error) {
	if l.dir == "" {
		return "", os.ErrNotExist
	}
	path := filepath.Join(l.dir, string(role)+fileExt)
	if !filepath.IsAbs(l.dir) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path, err = findInParents(cwd, filepath.Join(l.dir, string(role)+fileExt))
		if err != nil {
			return "", err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func findInParents(startDir string, relPath string) (string, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, relPath)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
