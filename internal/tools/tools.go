// Package tools holds the image-analysis capabilities a turn can call and the
// registry that validates and dispatches those calls.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	StatusOK    = "ok"
	StatusError = "error"

	FieldImage       = "image"
	FieldInstruction = "instruction"
)

// Canonical capability names.
const (
	DICOMProcessor     = "dicom_processor"
	Classifier         = "chest_xray_classifier"
	Segmentation       = "chest_xray_segmentation"
	ReportGenerator    = "chest_xray_report_generator"
	XRayVQA            = "xray_vqa"
	LlavaMedQA         = "llava_med_qa"
	PhraseGrounding    = "xray_phrase_grounding"
	ImageVisualizer    = "image_visualizer"
	InvalidToolMessage = "invalid tool, please retry"
)

type Property struct {
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description,omitempty"`
}

type Schema struct {
	Properties map[string]Property `yaml:"properties" json:"properties"`
	Required   []string            `yaml:"required" json:"required,omitempty"`
}

// Contract describes what a capability accepts and returns. Every input
// schema carries an image and an instruction field.
type Contract struct {
	Name          string `yaml:"name" json:"name"`
	Description   string `yaml:"description" json:"description"`
	Input         Schema `yaml:"input" json:"input"`
	Output        Schema `yaml:"output" json:"output"`
	RequiresImage bool   `yaml:"requires_image" json:"requires_image"`
}

type Input struct {
	ImagePath   string
	Instruction string
	Args        map[string]any
}

// Output is what a capability produced. ImagePath is a filesystem path of a
// produced image, Scores holds per-label probabilities when the capability
// classifies.
type Output struct {
	Text      string
	ImagePath string
	Scores    map[string]float64
}

type Invocation struct {
	ID         string
	Capability string
	Input      Input
	Output     Output
	Status     string
	Error      string
	StartedAt  time.Time
	Duration   time.Duration
}

type Capability interface {
	Contract() Contract
	Invoke(ctx context.Context, input Input) (Output, error)
}

// ValidationError rejects a call before the capability runs.
type ValidationError struct {
	Capability string
	Message    string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Capability == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Capability, e.Message)
}

// CapabilityError is a failure raised while a capability ran.
type CapabilityError struct {
	Capability string
	Message    string
}

func (e *CapabilityError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("capability %s failed: %s", e.Capability, strings.TrimSpace(e.Message))
}

// withDefaults fills in the image and instruction fields every contract has.
func (c Contract) withDefaults() Contract {
	props := make(map[string]Property, len(c.Input.Properties)+2)
	for key, value := range c.Input.Properties {
		props[key] = value
	}
	if _, ok := props[FieldImage]; !ok {
		props[FieldImage] = Property{Type: "string", Description: "Image handle to analyze"}
	}
	if _, ok := props[FieldInstruction]; !ok {
		props[FieldInstruction] = Property{Type: "string", Description: "What to do with the image"}
	}
	c.Input.Properties = props
	if len(c.Output.Properties) == 0 {
		c.Output.Properties = map[string]Property{
			"text":  {Type: "string"},
			"image": {Type: "string"},
		}
	}
	return c
}

// FormatScores renders scores one label per line, highest first.
func FormatScores(scores map[string]float64) string {
	if len(scores) == 0 {
		return ""
	}
	labels := make([]string, 0, len(scores))
	for label := range scores {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if scores[labels[i]] == scores[labels[j]] {
			return labels[i] < labels[j]
		}
		return scores[labels[i]] > scores[labels[j]]
	})
	lines := make([]string, 0, len(labels))
	for _, label := range labels {
		lines = append(lines, label+": "+strconv.FormatFloat(scores[label], 'f', 3, 64))
	}
	return strings.Join(lines, "\n")
}
