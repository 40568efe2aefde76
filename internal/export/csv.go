package export

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/costumery/commsaudit/internal/db"
)

// csvMaxFieldLen caps long text fields in CSV output; truncated values end
// with an ellipsis marker.
const csvMaxFieldLen = 1000

// csvBuilder serializes rows into CSV text. Every field is quote-wrapped and
// internal quotes are doubled, so commas and newlines inside values stay
// intact.
type csvBuilder struct {
	b               strings.Builder
	includeContent  bool
	includeMetadata bool
}

func newCSVBuilder(includeContent, includeMetadata bool) *csvBuilder {
	cb := &csvBuilder{
		includeContent:  includeContent,
		includeMetadata: includeMetadata,
	}
	cb.writeRow(cb.headers())
	return cb
}

func (cb *csvBuilder) headers() []string {
	headers := []string{
		"ID", "OrderID", "OrganizationID", "Type", "Recipient", "Subject",
	}
	if cb.includeContent {
		headers = append(headers, "Content")
	}
	headers = append(headers,
		"Template", "DeliveryStatus", "ExternalMessageID",
		"SentAt", "DeliveredAt", "ReadAt", "FailureReason",
	)
	if cb.includeMetadata {
		headers = append(headers, "Metadata")
	}
	return headers
}

func (cb *csvBuilder) Add(comm *db.CommunicationLog) error {
	row := []string{
		comm.ID.String(),
		comm.OrderID.String(),
		comm.OrganizationID.String(),
		comm.Type,
		recipientOf(comm),
		truncate(comm.Subject, csvMaxFieldLen),
	}
	if cb.includeContent {
		row = append(row, truncate(comm.Content, csvMaxFieldLen))
	}
	row = append(row,
		comm.TemplateUsed,
		comm.DeliveryStatus,
		strOrEmpty(comm.ExternalMessageID),
		comm.SentAt.Format(time.RFC3339),
		timeOrEmpty(comm.DeliveredAt),
		timeOrEmpty(comm.ReadAt),
		truncate(strOrEmpty(comm.FailureReason), csvMaxFieldLen),
	)
	if cb.includeMetadata {
		row = append(row, truncate(string(comm.Metadata), csvMaxFieldLen))
	}

	cb.writeRow(row)
	return nil
}

func (cb *csvBuilder) writeRow(fields []string) {
	for i, field := range fields {
		if i > 0 {
			cb.b.WriteByte(',')
		}
		cb.b.WriteByte('"')
		cb.b.WriteString(strings.ReplaceAll(field, `"`, `""`))
		cb.b.WriteByte('"')
	}
	cb.b.WriteByte('\n')
}

func (cb *csvBuilder) Finish() ([]byte, error) {
	return []byte(cb.b.String()), nil
}

// truncate cuts s at max bytes, backing up to a rune boundary so the field
// stays valid UTF-8, and appends an ellipsis marker when anything was dropped.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func recipientOf(comm *db.CommunicationLog) string {
	if comm.RecipientEmail != nil && *comm.RecipientEmail != "" {
		return *comm.RecipientEmail
	}
	return strOrEmpty(comm.RecipientPhone)
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
