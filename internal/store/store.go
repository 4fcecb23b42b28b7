package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/medivision/control-plane/internal/secrets"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
)

var ErrThreadNotFound = errors.New("thread not found")

// ImageRef pairs the tool-facing origin of an image with the route the client
// renders. OriginPath never leaves the server.
type ImageRef struct {
	OriginPath  string `json:"origin_path"`
	DisplayPath string `json:"display_path"`
}

func (r ImageRef) IsZero() bool {
	return strings.TrimSpace(r.OriginPath) == "" && strings.TrimSpace(r.DisplayPath) == ""
}

type Thread struct {
	ID        string
	OwnerID   string
	Title     string
	LastImage ImageRef
	CreatedAt string
	UpdatedAt string
}

type ThreadSummary struct {
	ID           string
	OwnerID      string
	Title        string
	UpdatedAt    string
	MessageCount int64
}

type Message struct {
	ID        string
	ThreadID  string
	Role      string
	Content   string
	Image     *ImageRef
	Status    string
	Sequence  int64
	CreatedAt string
	Metadata  map[string]any
}

// Transcript is a thread with its ordered messages.
type Transcript struct {
	Thread   Thread
	Messages []Message
}

func (t *Transcript) DisplayPath() string {
	if t == nil {
		return ""
	}
	return t.Thread.LastImage.DisplayPath
}

// Invocation is the audit record of one capability call. It is never part of
// the visible transcript.
type Invocation struct {
	ID          string
	ThreadID    string
	TurnID      string
	Capability  string
	ImagePath   string
	Instruction string
	Status      string
	Output      string
	OutputImage string
	Error       string
	DurationMs  int64
	CreatedAt   string
}

type Store interface {
	CreateThread(ctx context.Context, thread Thread) error
	GetThread(ctx context.Context, threadID string) (*Thread, error)
	ListThreads(ctx context.Context, ownerID string, limit int) ([]ThreadSummary, error)
	DeleteThread(ctx context.Context, threadID string) error
	SaveTurn(ctx context.Context, threadID string, msg Message) error
	LoadThread(ctx context.Context, threadID string) (*Transcript, error)
	RecordInvocation(ctx context.Context, inv Invocation) error
	ListInvocations(ctx context.Context, threadID string) ([]Invocation, error)
	Ping(ctx context.Context) error
}

// TitleFrom derives a thread title from the first user message.
// Sealed content is kept whole so it can still be opened.
func TitleFrom(content string) string {
	if secrets.IsSealed(content) {
		return content
	}
	title := strings.Join(strings.Fields(content), " ")
	runes := []rune(title)
	if len(runes) > 80 {
		return strings.TrimSpace(string(runes[:80])) + "..."
	}
	return title
}

func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func CloneMetadata(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

func CloneMessage(msg Message) Message {
	cloned := msg
	cloned.Metadata = CloneMetadata(msg.Metadata)
	if msg.Image != nil {
		image := *msg.Image
		cloned.Image = &image
	}
	return cloned
}

// ApplyMessage folds a saved message into the thread header: title from the
// first user message, recency, and the latest image pointer.
func ApplyMessage(thread *Thread, msg Message) {
	if thread.Title == "" && msg.Role == RoleUser {
		thread.Title = TitleFrom(msg.Content)
	}
	if msg.Image != nil && !msg.Image.IsZero() {
		thread.LastImage = *msg.Image
	}
	updated := msg.CreatedAt
	if updated == "" {
		updated = Now()
	}
	if ParseTime(updated).After(ParseTime(thread.UpdatedAt)) {
		thread.UpdatedAt = updated
	}
}
