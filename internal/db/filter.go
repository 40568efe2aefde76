package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommunicationFilter is the conjunctive pre-filter applied before any
// ranking or export serialization. Zero-valued fields are ignored.
type CommunicationFilter struct {
	OrganizationID *uuid.UUID
	OrderID        *uuid.UUID
	Type           string
	Status         string
	SentAfter      *time.Time
	SentBefore     *time.Time

	// Term narrows the candidate pool to rows whose subject, content,
	// recipient email or template contain it (case-insensitive substring).
	Term string
}

// whereClause renders the filter as a SQL WHERE fragment with positional
// placeholders starting at $1. Returns the fragment (without the WHERE
// keyword) and the bound arguments; an empty filter yields "TRUE".
func (f CommunicationFilter) whereClause() (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.OrganizationID != nil {
		add("organization_id = $%d", *f.OrganizationID)
	}
	if f.OrderID != nil {
		add("order_id = $%d", *f.OrderID)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("delivery_status = $%d", f.Status)
	}
	if f.SentAfter != nil {
		add("sent_at >= $%d", *f.SentAfter)
	}
	if f.SentBefore != nil {
		add("sent_at <= $%d", *f.SentBefore)
	}
	if f.Term != "" {
		args = append(args, "%"+f.Term+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(subject ILIKE $%d OR content ILIKE $%d OR coalesce(recipient_email, '') ILIKE $%d OR template_used ILIKE $%d)",
			n, n, n, n,
		))
	}

	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), args
}

// FacetCount is one bucket of a faceted aggregate, always derived from the
// filtered set and never stored.
type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}
