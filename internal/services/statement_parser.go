package services

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"ledger-service/internal/models"
)

// StatementFormat is the file format of an imported statement
type StatementFormat string

const (
	StatementCSV  StatementFormat = "csv"
	StatementXLSX StatementFormat = "xlsx"
)

// FormatFromFilename picks the statement format from a file extension
func FormatFromFilename(name string) (StatementFormat, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".csv"):
		return StatementCSV, nil
	case strings.HasSuffix(lower, ".xlsx"):
		return StatementXLSX, nil
	default:
		return "", fmt.Errorf("%w: unsupported file %q", models.ErrInvalidStatement, name)
	}
}

var statementDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"02/01/2006",
	"01-02-06",
	"1/2/06",
}

// ParseStatement reads statement rows with the columns
// date, amount, reference, description and an optional currency. A header
// row is skipped. XLSX files are read from their first sheet.
func ParseStatement(format StatementFormat, r io.Reader) ([]models.StatementLineInput, error) {
	var (
		rows [][]string
		err  error
	)
	switch format {
	case StatementCSV:
		rows, err = readCSV(r)
	case StatementXLSX:
		rows, err = readXLSX(r)
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", models.ErrInvalidStatement, format)
	}
	if err != nil {
		return nil, err
	}

	lines := make([]models.StatementLineInput, 0, len(rows))
	for i, row := range rows {
		if isBlankRow(row) {
			continue
		}
		if i == 0 && isHeaderRow(row) {
			continue
		}
		line, err := parseStatementRow(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", models.ErrInvalidStatement, i+1, err)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no statement lines", models.ErrInvalidStatement)
	}
	return lines, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidStatement, err)
	}
	return rows, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidStatement, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", models.ErrInvalidStatement)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidStatement, err)
	}
	return rows, nil
}

func parseStatementRow(row []string) (models.StatementLineInput, error) {
	if len(row) < 2 {
		return models.StatementLineInput{}, errors.New("expected at least date and amount")
	}

	date, err := parseStatementDate(row[0])
	if err != nil {
		return models.StatementLineInput{}, err
	}
	amount, err := parseStatementAmount(row[1])
	if err != nil {
		return models.StatementLineInput{}, err
	}

	line := models.StatementLineInput{Date: date, Amount: amount}
	if len(row) > 2 {
		line.Reference = strings.TrimSpace(row[2])
	}
	if len(row) > 3 {
		line.Description = strings.TrimSpace(row[3])
	}
	if len(row) > 4 {
		line.Currency = strings.ToUpper(strings.TrimSpace(row[4]))
	}
	return line, nil
}

func parseStatementDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range statementDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	// spreadsheet serial dates
	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}

// parseStatementAmount accepts thousands separators and accounting negatives "(12.50)"
func parseStatementAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")

	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unrecognised amount %q", raw)
	}
	if negative {
		amount = amount.Neg()
	}
	return amount, nil
}

func isHeaderRow(row []string) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "date")
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// WriteStatementXLSX renders statement lines as a workbook in the import layout
func WriteStatementXLSX(lines []models.StatementLineInput, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	headers := []string{"date", "amount", "reference", "description", "currency"}
	for col, h := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}

	for i, line := range lines {
		values := []string{
			line.Date.UTC().Format("2006-01-02"),
			line.Amount.StringFixed(2),
			line.Reference,
			line.Description,
			line.Currency,
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	_, err := f.WriteTo(w)
	return err
}
