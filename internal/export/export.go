// Package export writes queue items and resolved tariffs to xlsx files for
// operators.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"channelsync/internal/database"
	"channelsync/internal/logging"
	"channelsync/internal/models"
	"channelsync/internal/tariff"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	queueSheet  = "Queue"
	daysSheet   = "Days"
	blocksSheet = "Blocks"
)

var queueHeaders = []string{
	"ID", "Task", "Status", "Config", "Subject", "Retries", "Max attempts",
	"Run at", "HTTP code", "Message", "External ref", "Updated at",
}

type QueueSource interface {
	ListQueueItems(ctx context.Context, f database.QueueFilter) ([]*models.QueueItem, error)
}

type TariffSource interface {
	TariffRanges(ctx context.Context, unitID int64, from, to time.Time) ([]*models.TariffRange, error)
}

type Exporter struct {
	dir    string
	logger *zerolog.Logger
	clock  func() time.Time
}

func NewExporter(dir string, logger *zerolog.Logger) *Exporter {
	if dir == "" {
		dir = "exports"
	}
	return &Exporter{
		dir:    dir,
		logger: logging.Component(logger, "export"),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// QueueItems exports the items matching filter, newest first.
func (e *Exporter) QueueItems(ctx context.Context, src QueueSource, filter database.QueueFilter) (string, error) {
	items, err := src.ListQueueItems(ctx, filter)
	if err != nil {
		return "", fmt.Errorf("error listing queue items: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", queueSheet); err != nil {
		return "", err
	}

	writeHeader(f, queueSheet, queueHeaders)
	for i, item := range items {
		row := i + 2
		values := []any{
			item.ID,
			item.TaskName,
			item.Status,
			item.ConfigID,
			fmt.Sprintf("%s:%d", item.SubjectType, item.SubjectID),
			item.RetryCount,
			item.MaxAttempts,
			item.RunAt.Format(time.RFC3339),
			intOrEmpty(item.LastHTTPCode),
			stringOrEmpty(item.LastMessage),
			stringOrEmpty(item.ExternalRef),
			item.UpdatedAt.Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(queueSheet, cell, &values); err != nil {
			return "", fmt.Errorf("error writing row %d: %w", row, err)
		}
	}
	_ = f.SetColWidth(queueSheet, "A", "A", 38)
	_ = f.SetColWidth(queueSheet, "B", "I", 16)
	_ = f.SetColWidth(queueSheet, "J", "J", 60)
	_ = f.SetColWidth(queueSheet, "K", "L", 22)

	status := filter.Status
	if status == "" {
		status = "all"
	}
	name := fmt.Sprintf("queue_%s_%s.xlsx", status, e.clock().Format("20060102_150405"))
	return e.save(f, name, len(items))
}

// Tariffs exports the resolved price of every day of unitID in [from, to)
// and the compressed blocks sent to platforms.
func (e *Exporter) Tariffs(ctx context.Context, src TariffSource, unitID int64, from, to time.Time) (string, error) {
	ranges, err := src.TariffRanges(ctx, unitID, from, to)
	if err != nil {
		return "", fmt.Errorf("error getting tariffs: %w", err)
	}
	days := tariff.Flatten(ranges, from, to, tariff.ModelRange)
	blocks := tariff.Compress(days)

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", daysSheet); err != nil {
		return "", err
	}

	_ = f.SetCellValue(daysSheet, "A1", fmt.Sprintf("Unit %d: %s - %s", unitID,
		from.Format("02.01.2006"), to.AddDate(0, 0, -1).Format("02.01.2006")))
	writeHeader(f, daysSheet, nil)
	_ = f.SetCellValue(daysSheet, "A2", "Date")
	_ = f.SetCellValue(daysSheet, "A3", "Price")
	_ = f.SetCellValue(daysSheet, "A4", "Min stay")
	for i, d := range days {
		col := i + 2
		header, _ := excelize.CoordinatesToCellName(col, 2)
		price, _ := excelize.CoordinatesToCellName(col, 3)
		minStay, _ := excelize.CoordinatesToCellName(col, 4)
		_ = f.SetCellValue(daysSheet, header, d.Date.Format("02.01"))
		_ = f.SetCellValue(daysSheet, price, d.Price.StringFixed(2))
		_ = f.SetCellValue(daysSheet, minStay, d.MinStay)
	}
	if len(days) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(days)+1, 1)
		_ = f.MergeCell(daysSheet, "A1", last)
	}
	style, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(daysSheet, "A1", "A1", style)

	if _, err := f.NewSheet(blocksSheet); err != nil {
		return "", err
	}
	writeHeader(f, blocksSheet, []string{"From", "To", "Nights", "Price", "Currency", "Min stay"})
	for i, b := range blocks {
		values := []any{
			b.Start.Format(models.DateLayout),
			b.End.Format(models.DateLayout),
			b.Nights(),
			b.Price.StringFixed(2),
			b.Currency,
			b.MinStay,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(blocksSheet, cell, &values); err != nil {
			return "", err
		}
	}

	name := fmt.Sprintf("tariffs_%d_%s_to_%s.xlsx", unitID, from.Format(models.DateLayout), to.Format(models.DateLayout))
	return e.save(f, name, len(days))
}

func (e *Exporter) save(f *excelize.File, name string, rows int) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}
	path := filepath.Join(e.dir, name)
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	e.logger.Info().Str("file_path", path).Int("rows", rows).Msg("Excel file created")
	return path, nil
}

// writeHeader writes names on the first row with the header style. A nil
// names list only styles row 2, the date header of grid sheets.
func writeHeader(f *excelize.File, sheet string, names []string) {
	style, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if names == nil {
		_ = f.SetRowStyle(sheet, 2, 2, style)
		return
	}
	for i, name := range names {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, name)
		_ = f.SetCellStyle(sheet, cell, cell, style)
	}
}

func intOrEmpty(v *int) any {
	if v == nil {
		return ""
	}
	return *v
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
