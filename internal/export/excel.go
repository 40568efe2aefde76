package export

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/costumery/commsaudit/internal/db"
)

// excelMaxCellLen is the spreadsheet cell character limit; longer values are
// truncated with an ellipsis marker.
const excelMaxCellLen = 32767

const (
	dataSheet    = "Communications"
	summarySheet = "Summary"
)

// excelBuilder serializes rows into an XLSX workbook with a data sheet and a
// derived summary sheet of status/type breakdowns.
type excelBuilder struct {
	f               *excelize.File
	includeContent  bool
	includeMetadata bool
	row             int

	statusCounts map[string]int
	typeCounts   map[string]int
}

func newExcelBuilder(includeContent, includeMetadata bool) (*excelBuilder, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", dataSheet); err != nil {
		return nil, fmt.Errorf("rename data sheet: %w", err)
	}

	eb := &excelBuilder{
		f:               f,
		includeContent:  includeContent,
		includeMetadata: includeMetadata,
		row:             1,
		statusCounts:    make(map[string]int),
		typeCounts:      make(map[string]int),
	}

	headers := []any{"ID", "Order ID", "Type", "Recipient", "Subject"}
	if includeContent {
		headers = append(headers, "Content")
	}
	headers = append(headers, "Template", "Status", "External Message ID", "Sent At", "Delivered At", "Read At", "Failure Reason")
	if includeMetadata {
		headers = append(headers, "Metadata")
	}
	if err := eb.writeRow(dataSheet, 1, headers); err != nil {
		return nil, err
	}

	return eb, nil
}

func (eb *excelBuilder) Add(comm *db.CommunicationLog) error {
	eb.row++
	eb.statusCounts[comm.DeliveryStatus]++
	eb.typeCounts[comm.Type]++

	cells := []any{
		comm.ID.String(),
		comm.OrderID.String(),
		comm.Type,
		recipientOf(comm),
		truncate(comm.Subject, excelMaxCellLen),
	}
	if eb.includeContent {
		cells = append(cells, truncate(comm.Content, excelMaxCellLen))
	}
	cells = append(cells,
		comm.TemplateUsed,
		comm.DeliveryStatus,
		strOrEmpty(comm.ExternalMessageID),
		comm.SentAt.Format(time.RFC3339),
		timeOrEmpty(comm.DeliveredAt),
		timeOrEmpty(comm.ReadAt),
		truncate(strOrEmpty(comm.FailureReason), excelMaxCellLen),
	)
	if eb.includeMetadata {
		cells = append(cells, truncate(string(comm.Metadata), excelMaxCellLen))
	}

	return eb.writeRow(dataSheet, eb.row, cells)
}

func (eb *excelBuilder) writeRow(sheet string, row int, cells []any) error {
	addr, err := excelize.JoinCellName("A", row)
	if err != nil {
		return fmt.Errorf("cell address: %w", err)
	}
	if err := eb.f.SetSheetRow(sheet, addr, &cells); err != nil {
		return fmt.Errorf("write sheet row: %w", err)
	}
	return nil
}

// Finish appends the summary sheet and renders the workbook.
func (eb *excelBuilder) Finish() ([]byte, error) {
	if _, err := eb.f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("create summary sheet: %w", err)
	}

	row := 1
	write := func(cells []any) error {
		if err := eb.writeRow(summarySheet, row, cells); err != nil {
			return err
		}
		row++
		return nil
	}

	if err := write([]any{"Total Records", eb.row - 1}); err != nil {
		return nil, err
	}
	if err := write([]any{}); err != nil {
		return nil, err
	}
	if err := write([]any{"Delivery Status", "Count"}); err != nil {
		return nil, err
	}
	for _, status := range sortedKeys(eb.statusCounts) {
		if err := write([]any{status, eb.statusCounts[status]}); err != nil {
			return nil, err
		}
	}
	if err := write([]any{}); err != nil {
		return nil, err
	}
	if err := write([]any{"Communication Type", "Count"}); err != nil {
		return nil, err
	}
	for _, t := range sortedKeys(eb.typeCounts) {
		if err := write([]any{t, eb.typeCounts[t]}); err != nil {
			return nil, err
		}
	}

	buf, err := eb.f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("render workbook: %w", err)
	}
	return buf.Bytes(), nil
}
