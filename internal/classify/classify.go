// Package classify labels a chat request with capability tags used by the
// router to pick a model tier. Classification is pure: identical inputs
// always produce identical tag sets.
package classify

import (
	"regexp"

	"github.com/BlockRunAI/ClawRouter/internal/catalog"
	"github.com/BlockRunAI/ClawRouter/internal/routing"
)

// longContextThreshold is the prompt size, in bytes, beyond which the request
// is tagged long-context.
const longContextThreshold = 32 * 1024

var (
	codeRe = regexp.MustCompile("(?s)```|\\b\\w+\\.(go|py|js|ts|rs|java|c|cpp|rb|sh)\\b|" +
		`\bfunc \w+\(|\bdef \w+\(|\bclass \w+|=>|\bimport \w|#include\b|\bSELECT\b.+\bFROM\b`)
	reasoningRe = regexp.MustCompile(`(?i)\bprove\b|\bproof\b|\bstep[ -]by[ -]step\b|\bderive\b|` +
		`\breason(ing)?\b|\bexplain why\b|\btheorem\b|\bsqrt\(|\b\d+\s*[+*/^-]\s*\d+\s*=`)
)

// Classify inspects the request messages and returns the capability tag set.
// Rules are evaluated in order; long-context always applies when triggered.
func Classify(req routing.ChatRequest) []catalog.Capability {
	var tags []catalog.Capability

	totalLen := 0
	hasMedia := false
	var userText string
	for _, m := range req.Messages {
		text := m.Text()
		totalLen += len(text)
		if m.HasMedia() {
			hasMedia = true
		}
		if m.Role == "user" {
			if userText != "" {
				userText += "\n"
			}
			userText += text
		}
	}

	if hasMedia {
		tags = append(tags, catalog.CapVision)
	}
	if totalLen > longContextThreshold {
		tags = append(tags, catalog.CapLongContext)
	}
	if !hasMedia {
		switch {
		case codeRe.MatchString(userText):
			tags = append(tags, catalog.CapCode)
		case reasoningRe.MatchString(userText):
			tags = append(tags, catalog.CapReasoning)
		}
	}
	if len(tags) == 0 {
		tags = append(tags, catalog.CapGeneral)
	}
	return tags
}
