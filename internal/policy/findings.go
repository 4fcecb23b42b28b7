package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	ImpressionNoAcute      = "No acute cardiopulmonary process identified."
	ImpressionInsufficient = "No acute finding identified with sufficient confidence."

	maxNarrativeRunes = 800
)

// CriticalLabels must all score below the threshold before an answer may
// rule out an acute cardiopulmonary process.
var CriticalLabels = []string{"Effusion", "Pneumonia", "Pneumothorax", "Consolidation", "Edema"}

var (
	findingLineRE    = regexp.MustCompile(`^\s*(?:[-*•]\s*)?([A-Za-z][A-Za-z_ /-]{1,48}?)\s*(?:p\s*=\s*|:\s*|\(\s*(?:p\s*=\s*)?)(\d*\.?\d+)\s*(%?)\s*\)?\s*$`)
	findingsHeaderRE = regexp.MustCompile(`(?i)^[#*_\s]*findings\s*[*_]*\s*:\s*[*_]*\s*(.*)$`)
	impressionRE     = regexp.MustCompile(`(?i)^[#*_\s]*impression\s*[*_]*\s*:\s*[*_]*\s*(.*)$`)
	confidenceRE     = regexp.MustCompile(`(?i)confidence\s*:\s*(\d{1,3})\s*%`)
	scoreOutOfRE     = regexp.MustCompile(`\b(\d{1,3})\s*/\s*100\b`)
	confidenceLineRE = regexp.MustCompile(`(?im)^[ \t]*confidence\s*:.*$`)
	noAcuteRE        = regexp.MustCompile(`(?i)\bno acute\b|\bunremarkable\b|\bnormal (chest|study|film)\b`)
)

type Finding struct {
	Label       string
	Probability float64
}

// Result is the finalized, user-visible answer.
type Result struct {
	Text       string
	Findings   []Finding
	Impression string
	Confidence *float64
}

// Finalize enforces the output contract on a draft answer. scores carries
// every score set produced during the turn; imageTurn selects the findings
// contract.
func (e *Enforcer) Finalize(draft string, scores []map[string]float64, imageTurn bool) Result {
	cleaned := e.Sanitize(draft)
	if !imageTurn {
		return Result{Text: e.scrubNames(cleaned), Confidence: parseConfidence(cleaned)}
	}

	narrative, draftFindings, draftImpression := splitContract(cleaned)
	confidence := parseConfidence(narrative)
	narrative = strings.TrimSpace(confidenceLineRE.ReplaceAllString(narrative, ""))
	narrative = truncateRunes(narrative, maxNarrativeRunes)

	merged := mergeScores(scores)
	if len(merged) == 0 {
		merged = draftFindings
	}
	findings := e.selectFindings(merged)
	impression := e.impression(findings, merged, draftImpression)

	var b strings.Builder
	if narrative != "" {
		b.WriteString(narrative)
		b.WriteString("\n\n")
	}
	b.WriteString(e.FormatFindings(findings))
	b.WriteString("\nImpression: ")
	b.WriteString(impression)
	if confidence != nil {
		b.WriteString(fmt.Sprintf("\nConfidence: %d%%", int(*confidence)))
	}
	return Result{Text: e.scrubNames(b.String()), Findings: findings, Impression: impression, Confidence: confidence}
}

// scrubNames catches capability names reintroduced after sanitizing, such as
// score labels echoed by a capability.
func (e *Enforcer) scrubNames(text string) string {
	if !e.ContainsCapabilityName(text) {
		return text
	}
	return e.replaceNames(text)
}

// FormatFindings renders the findings block.
func (e *Enforcer) FormatFindings(findings []Finding) string {
	if len(findings) == 0 {
		return "Findings: No pathologies exceeded threshold (" + formatThreshold(e.threshold) + ")"
	}
	lines := []string{"Findings:"}
	for _, finding := range findings {
		lines = append(lines, fmt.Sprintf("- %s p=%.2f", finding.Label, finding.Probability))
	}
	return strings.Join(lines, "\n")
}

func (e *Enforcer) selectFindings(scores map[string]float64) []Finding {
	findings := make([]Finding, 0, len(scores))
	for label, probability := range scores {
		if probability >= e.threshold {
			findings = append(findings, Finding{Label: label, Probability: probability})
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Probability == findings[j].Probability {
			return findings[i].Label < findings[j].Label
		}
		return findings[i].Probability > findings[j].Probability
	})
	if len(findings) > e.findingsMax {
		findings = findings[:e.findingsMax]
	}
	return findings
}

func (e *Enforcer) impression(findings []Finding, scores map[string]float64, drafted string) string {
	if len(findings) == 0 {
		if e.criticalLabelsClear(scores) {
			return ImpressionNoAcute
		}
		return ImpressionInsufficient
	}
	drafted = firstLine(drafted)
	if drafted != "" && !noAcuteRE.MatchString(drafted) {
		return drafted
	}
	labels := make([]string, 0, len(findings))
	for _, finding := range findings {
		labels = append(labels, humanLabel(finding.Label))
	}
	return "Findings most suggestive of " + joinLabels(labels) + "; clinical correlation recommended."
}

// criticalLabelsClear requires a score for every critical label, each below
// the threshold.
func (e *Enforcer) criticalLabelsClear(scores map[string]float64) bool {
	for _, critical := range CriticalLabels {
		found := false
		for label, probability := range scores {
			if !strings.Contains(normalizeLabel(label), strings.ToLower(critical)) {
				continue
			}
			found = true
			if probability >= e.threshold {
				return false
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func splitContract(text string) (string, map[string]float64, string) {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	findings := map[string]float64{}
	impression := ""
	inFindings := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if match := impressionRE.FindStringSubmatch(trimmed); match != nil {
			if impression == "" {
				impression = strings.TrimSpace(match[1])
			}
			inFindings = false
			continue
		}
		if match := findingsHeaderRE.FindStringSubmatch(trimmed); match != nil {
			inFindings = true
			if label, probability, ok := parseFindingLine(match[1]); ok {
				findings[label] = probability
			}
			continue
		}
		if inFindings {
			if trimmed == "" {
				continue
			}
			if label, probability, ok := parseFindingLine(trimmed); ok {
				findings[label] = probability
				continue
			}
			if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") {
				continue
			}
			inFindings = false
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), findings, impression
}

func parseFindingLine(line string) (string, float64, bool) {
	match := findingLineRE.FindStringSubmatch(line)
	if match == nil {
		return "", 0, false
	}
	label := strings.TrimSpace(match[1])
	lower := strings.ToLower(label)
	if lower == "confidence" || strings.HasPrefix(lower, "no ") || strings.Contains(lower, "threshold") {
		return "", 0, false
	}
	value, err := strconv.ParseFloat(match[2], 64)
	if err != nil {
		return "", 0, false
	}
	if match[3] == "%" {
		value /= 100
	}
	if value < 0 || value > 1 {
		return "", 0, false
	}
	return label, value, true
}

func parseConfidence(text string) *float64 {
	match := confidenceRE.FindStringSubmatch(text)
	if match == nil {
		match = scoreOutOfRE.FindStringSubmatch(text)
	}
	if match == nil {
		return nil
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil || value < 0 || value > 100 {
		return nil
	}
	return &value
}

func mergeScores(sets []map[string]float64) map[string]float64 {
	merged := map[string]float64{}
	for _, set := range sets {
		for label, probability := range set {
			if current, ok := merged[label]; !ok || probability > current {
				merged[label] = probability
			}
		}
	}
	return merged
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(label))
}

func humanLabel(label string) string {
	return strings.ToLower(strings.NewReplacer("_", " ").Replace(label))
}

func joinLabels(labels []string) string {
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	default:
		return strings.Join(labels[:len(labels)-1], ", ") + " and " + labels[len(labels)-1]
	}
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(line)
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return strings.TrimSpace(string(runes[:limit])) + "..."
}
