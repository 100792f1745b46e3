package export

import (
	"crypto/rand"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/oklog/ulid/v2"
	"github.com/xuri/excelize/v2"
)

// newRef returns "<sink>:<ulid>". ULIDs sort by creation time, so refs from
// one sink list in export order.
func newRef(sink string) (ref, id string) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id = ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	return sink + ":" + id, id
}

// RenderWorkbook renders one case as an XLSX workbook: a summary sheet and a
// sheet of extracted fields.
func RenderWorkbook(c *types.Case) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const summary = "Case"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	conf := ""
	if c.Confidence != nil {
		conf = fmt.Sprintf("%.2f", *c.Confidence)
	}
	rows := [][2]any{
		{"Case ID", string(c.ID)},
		{"State", string(c.State)},
		{"Vendor ID", c.VendorID},
		{"Vendor", c.VendorName},
		{"Document", c.DocumentURI},
		{"Confidence", conf},
		{"Reviewer", c.Reviewer},
		{"Retries", c.RetryCount},
		{"Created", c.CreatedAt.UTC().Format(time.RFC3339)},
		{"Updated", c.UpdatedAt.UTC().Format(time.RFC3339)},
	}
	for i, r := range rows {
		if err := f.SetSheetRow(summary, fmt.Sprintf("A%d", i+1), &[]any{r[0], r[1]}); err != nil {
			return nil, fmt.Errorf("write summary: %w", err)
		}
	}
	_ = f.SetColWidth(summary, "A", "A", 14)
	_ = f.SetColWidth(summary, "B", "B", 48)

	const fields = "Fields"
	if _, err := f.NewSheet(fields); err != nil {
		return nil, fmt.Errorf("new sheet: %w", err)
	}
	if err := f.SetSheetRow(fields, "A1", &[]any{"Field", "Value", "Confidence"}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		fv := c.Fields[name]
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(fields, cell, &[]any{name, fv.Value, fv.Confidence}); err != nil {
			return nil, fmt.Errorf("write field %s: %w", name, err)
		}
	}
	_ = f.SetColWidth(fields, "A", "A", 22)
	_ = f.SetColWidth(fields, "B", "B", 40)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
