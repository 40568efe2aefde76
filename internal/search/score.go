package search

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/costumery/commsaudit/internal/db"
)

// Field weights for relevance scoring. Token scores sum across all tokens in
// the query; the recency bonus applies once per communication.
const (
	subjectWeight        = 5.0
	subjectWordBonus     = 2.0
	contentWeight        = 3.0
	contentOccurrence    = 0.5
	contentOccurrenceCap = 1.0
	recipientWeight      = 2.0
	templateWeight       = 1.5
	typeWeight           = 1.0
)

func scoreCommunication(comm *db.CommunicationLog, tokens []string, now time.Time) float64 {
	subject := strings.ToLower(comm.Subject)
	content := strings.ToLower(comm.Content)
	template := strings.ToLower(comm.TemplateUsed)
	commType := strings.ToLower(comm.Type)

	var email, phone string
	if comm.RecipientEmail != nil {
		email = strings.ToLower(*comm.RecipientEmail)
	}
	if comm.RecipientPhone != nil {
		phone = strings.ToLower(*comm.RecipientPhone)
	}

	subjectWords := splitWords(subject)

	var score float64
	for _, token := range tokens {
		if strings.Contains(subject, token) {
			score += subjectWeight
			if containsWord(subjectWords, token) {
				score += subjectWordBonus
			}
		}
		if n := strings.Count(content, token); n > 0 {
			score += contentWeight
			bonus := float64(n-1) * contentOccurrence
			if bonus > contentOccurrenceCap {
				bonus = contentOccurrenceCap
			}
			score += bonus
		}
		if email != "" && strings.Contains(email, token) {
			score += recipientWeight
		}
		if phone != "" && strings.Contains(phone, token) {
			score += recipientWeight
		}
		if strings.Contains(template, token) {
			score += templateWeight
		}
		if strings.Contains(commType, token) {
			score += typeWeight
		}
	}

	score += recencyBonus(comm.SentAt, now)

	return score
}

// recencyBonus grants up to +0.5 for communications sent within the last 30
// days, decaying linearly to zero at the window edge.
func recencyBonus(sentAt, now time.Time) float64 {
	age := now.Sub(sentAt).Hours()
	if age < 0 {
		age = 0
	}
	if age >= recencyWindowHours {
		return 0
	}
	return recencyBonusMax * (1 - age/recencyWindowHours)
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsWord(words []string, token string) bool {
	for _, w := range words {
		if w == token {
			return true
		}
	}
	return false
}

// highlight builds the highlight map for one result: a fixed-width snippet
// centered on the first occurrence of each matched token in the content,
// plus the full subject when it matched.
func highlight(comm *db.CommunicationLog, tokens []string) map[string][]string {
	highlights := make(map[string][]string)

	subject := strings.ToLower(comm.Subject)
	content := strings.ToLower(comm.Content)

	for _, token := range tokens {
		if strings.Contains(subject, token) {
			if len(highlights["subject"]) == 0 {
				highlights["subject"] = []string{comm.Subject}
			}
		}
		if idx := strings.Index(content, token); idx >= 0 {
			highlights["content"] = append(highlights["content"], snippet(comm.Content, idx, len(token)))
		}
	}

	if len(highlights) == 0 {
		return nil
	}
	return highlights
}

// snippet extracts ~snippetWidth bytes centered on the match, widening the
// cuts to rune boundaries, with ellipsis markers where the text was cut.
func snippet(content string, idx, matchLen int) string {
	half := (snippetWidth - matchLen) / 2
	if half < 0 {
		half = 0
	}

	start := idx - half
	if start < 0 {
		start = 0
	}
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	end := idx + matchLen + half
	if end > len(content) {
		end = len(content)
	}
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}

	out := content[start:end]
	if start > 0 {
		out = "..." + out
	}
	if end < len(content) {
		out = out + "..."
	}
	return out
}
