package policy

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

var capabilityPhrases = map[string]string{
	"dicom_processor":             "image conversion",
	"chest_xray_classifier":       "pathology classification",
	"chest_xray_segmentation":     "anatomical segmentation",
	"chest_xray_report_generator": "report drafting",
	"xray_vqa":                    "image question answering",
	"llava_med_qa":                "medical question answering",
	"xray_phrase_grounding":       "finding localization",
	"image_visualizer":            "image display",
}

var (
	fencedBlockRE   = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\n?.*?(```|$)")
	toolLineRE      = regexp.MustCompile(`(?im)^[ \t]*(\[tool[^\]]*\]|tool call:|action:|action input:|observation:|thought:).*$`)
	handleRE        = regexp.MustCompile(`\bimage-\d+\b`)
	filePathRE      = regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[\w.-]+[/\\])+[\w.-]+\.(?:png|jpe?g|dcm|dicom)\b`)
	blankRunRE      = regexp.MustCompile(`\n{3,}`)
	trailingSpaceRE = regexp.MustCompile(`[ \t]+\n`)
)

// Sanitize strips tool mechanics from text meant for the user.
func (e *Enforcer) Sanitize(text string) string {
	cleaned := fencedBlockRE.ReplaceAllStringFunc(text, func(block string) string {
		if isToolBlock(block) {
			return ""
		}
		return block
	})
	cleaned = toolLineRE.ReplaceAllString(cleaned, "")
	cleaned = stripJSONParagraphs(cleaned)
	cleaned = filePathRE.ReplaceAllString(cleaned, "the image")
	cleaned = handleRE.ReplaceAllString(cleaned, "the image")
	cleaned = e.replaceNames(cleaned)
	cleaned = trailingSpaceRE.ReplaceAllString(cleaned, "\n")
	cleaned = blankRunRE.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

// ContainsCapabilityName reports whether any hidden name survives in text.
func (e *Enforcer) ContainsCapabilityName(text string) bool {
	lower := strings.ToLower(text)
	for name := range e.names {
		if strings.Contains(lower, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

func (e *Enforcer) replaceNames(text string) string {
	names := make([]string, 0, len(e.names))
	for name := range e.names {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, name := range names {
		pattern := regexp.MustCompile(`(?i)` + "`?" + regexp.QuoteMeta(name) + "`?")
		text = pattern.ReplaceAllString(text, e.names[name])
	}
	return text
}

func isToolBlock(block string) bool {
	header, body, _ := strings.Cut(strings.TrimPrefix(block, "```"), "\n")
	lang := strings.ToLower(strings.TrimSpace(header))
	if lang == "tool" || lang == "json" {
		return true
	}
	body = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), "```"))
	return looksLikeJSON(body)
}

func stripJSONParagraphs(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	kept := paragraphs[:0]
	for _, paragraph := range paragraphs {
		lines := strings.Split(paragraph, "\n")
		keptLines := lines[:0]
		for _, line := range lines {
			if looksLikeJSON(strings.TrimSpace(line)) {
				continue
			}
			keptLines = append(keptLines, line)
		}
		paragraph = strings.Join(keptLines, "\n")
		if looksLikeJSON(strings.TrimSpace(paragraph)) {
			continue
		}
		kept = append(kept, paragraph)
	}
	return strings.Join(kept, "\n\n")
}

func looksLikeJSON(text string) bool {
	if len(text) < 2 {
		return false
	}
	if !(strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")) && !(strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]")) {
		return false
	}
	return json.Valid([]byte(text))
}
