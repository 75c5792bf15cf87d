// Package export renders attendance records to spreadsheet files for
// payroll handoff.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/khanhhung149/ChamCong-ESP32S3/internal/attendance"
)

const sheet = "Attendance"

var headers = []string{
	"Date", "Employee ID", "Name",
	"Morning In", "Lunch Out", "Afternoon In", "Final Out",
	"Total Hours", "Status", "Note", "Image",
}

// Attendance writes the records as an xlsx workbook to w.
func Attendance(w io.Writer, records []attendance.Record) error {
	f := excelize.NewFile()
	defer f.Close()
	f.SetSheetName("Sheet1", sheet)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return err
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}

	for row, rec := range records {
		values := []interface{}{
			rec.Day.Format("2006-01-02"),
			rec.EmployeeID,
			rec.Name,
			clock(rec.MorningIn),
			clock(rec.LunchOut),
			clock(rec.AfternoonIn),
			clock(rec.FinalOut),
			hours(rec),
			rec.Status,
			rec.Note(),
			rec.MorningInImage,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 12)
	_ = f.SetColWidth(sheet, "C", "C", 24)
	_ = f.SetColWidth(sheet, "J", "K", 32)

	_, err = f.WriteTo(w)
	return err
}

// Filename builds the download name for an export covering from..to.
func Filename(from, to time.Time) string {
	return fmt.Sprintf("attendance_%s_%s.xlsx", from.Format("20060102"), to.Format("20060102"))
}

func clock(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("15:04:05")
}

func hours(rec attendance.Record) interface{} {
	h := rec.TotalHours()
	if h == 0 {
		return ""
	}
	return h
}
