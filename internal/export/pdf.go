package export

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/costumery/commsaudit/internal/db"
)

// pdfBuilder renders a compliance report: title block, delivery-status
// table, communication-type breakdown and an optional failure-rate section.
// Rows are aggregated as they stream in; individual records are not listed.
type pdfBuilder struct {
	includeFailureAnalysis bool

	total        int
	failed       int
	statusCounts map[string]int
	typeCounts   map[string]int
	earliest     time.Time
	latest       time.Time
}

func newPDFBuilder(includeFailureAnalysis bool) *pdfBuilder {
	return &pdfBuilder{
		includeFailureAnalysis: includeFailureAnalysis,
		statusCounts:           make(map[string]int),
		typeCounts:             make(map[string]int),
	}
}

func (pb *pdfBuilder) Add(comm *db.CommunicationLog) error {
	pb.total++
	pb.statusCounts[comm.DeliveryStatus]++
	pb.typeCounts[comm.Type]++
	if db.TerminalStatus(comm.DeliveryStatus) {
		pb.failed++
	}
	if pb.earliest.IsZero() || comm.SentAt.Before(pb.earliest) {
		pb.earliest = comm.SentAt
	}
	if comm.SentAt.After(pb.latest) {
		pb.latest = comm.SentAt
	}
	return nil
}

func (pb *pdfBuilder) Finish() ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	// Title block
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Communication Compliance Report")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC1123)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Records covered: %d", pb.total))
	pdf.Ln(5)
	if pb.total > 0 {
		pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s",
			pb.earliest.Format("2006-01-02"), pb.latest.Format("2006-01-02")))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pb.table(pdf, "Delivery Status", pb.statusCounts)
	pb.table(pdf, "Communication Type", pb.typeCounts)

	if pb.includeFailureAnalysis {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.Cell(0, 8, "Failure Rate Analysis")
		pdf.Ln(8)
		pdf.SetFont("Helvetica", "", 10)
		rate := 0.0
		if pb.total > 0 {
			rate = float64(pb.failed) / float64(pb.total) * 100
		}
		pdf.Cell(0, 6, fmt.Sprintf("Failed or bounced: %d of %d (%.1f%%)", pb.failed, pb.total, rate))
		pdf.Ln(10)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (pb *pdfBuilder) table(pdf *fpdf.Fpdf, title string, counts map[string]int) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, title)
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(80, 7, "Value", "1", 0, "L", false, 0, "")
	pdf.CellFormat(40, 7, "Count", "1", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	for _, key := range sortedKeys(counts) {
		pdf.CellFormat(80, 7, key, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 7, fmt.Sprintf("%d", counts[key]), "1", 1, "R", false, 0, "")
	}
	pdf.Ln(6)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
