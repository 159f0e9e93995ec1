package report

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"soma-geofence/internal/models"
	"soma-geofence/internal/repository"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	alertsSheet   = "Alerts"
	trackingSheet = "Tracking"
	timeLayout    = "2006-01-02 15:04:05"

	// MaxTrackingRows 单次导出的轨迹点上限
	MaxTrackingRows = 5000
)

// AlertHeader 报警表头
var AlertHeader = []string{
	"Created At",
	"Type",
	"Severity",
	"Message",
	"Latitude",
	"Longitude",
	"Route ID",
	"Resolved",
	"Resolved At",
}

// TrackingHeader 轨迹表头
var TrackingHeader = []string{
	"Timestamp",
	"Latitude",
	"Longitude",
	"Accuracy (m)",
	"Route ID",
	"On Route",
	"Deviation (m)",
}

var (
	alertColumnWidths    = []float64{20, 16, 10, 60, 12, 12, 38, 10, 20}
	trackingColumnWidths = []float64{20, 12, 12, 12, 38, 10, 14}
)

// AlertSource 报警查询
type AlertSource interface {
	ListAlerts(ctx context.Context, filters repository.AlertFilters) ([]models.Alert, error)
}

// LocationSource 轨迹查询
type LocationSource interface {
	ListLocations(ctx context.Context, userID string, since, until time.Time, limit int) ([]models.LocationRecord, error)
}

// Generator 偏离/轨迹历史导出
type Generator struct {
	alerts    AlertSource
	locations LocationSource
	logger    *zap.Logger
}

// NewGenerator 创建导出器
func NewGenerator(alerts AlertSource, locations LocationSource, logger *zap.Logger) *Generator {
	return &Generator{
		alerts:    alerts,
		locations: locations,
		logger:    logger,
	}
}

// History 生成用户在 [since, until) 内的报警与轨迹 Excel
func (g *Generator) History(ctx context.Context, userID string, since, until time.Time) ([]byte, error) {
	alerts, err := g.alerts.ListAlerts(ctx, repository.AlertFilters{
		UserID: userID,
		Since:  &since,
		Until:  &until,
		Limit:  1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	locations, err := g.locations.ListLocations(ctx, userID, since, until, MaxTrackingRows)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}

	alertRows := make([][]interface{}, 0, len(alerts))
	for _, a := range alerts {
		alertRows = append(alertRows, []interface{}{
			a.CreatedAt.UTC().Format(timeLayout),
			a.AlertType,
			a.Severity,
			a.Message,
			floatValue(a.LocationLat),
			floatValue(a.LocationLng),
			stringValue(a.RouteID),
			yesNo(a.IsResolved),
			timeValue(a.ResolvedAt),
		})
	}

	trackingRows := make([][]interface{}, 0, len(locations))
	for _, l := range locations {
		onRoute := ""
		if l.IsOnRoute != nil {
			onRoute = yesNo(*l.IsOnRoute)
		}
		trackingRows = append(trackingRows, []interface{}{
			l.Timestamp.UTC().Format(timeLayout),
			l.Latitude,
			l.Longitude,
			floatValue(l.Accuracy),
			stringValue(l.RouteID),
			onRoute,
			floatValue(l.DeviationMeters),
		})
	}

	data, err := buildWorkbook([]sheet{
		{name: alertsSheet, headers: AlertHeader, widths: alertColumnWidths, rows: alertRows},
		{name: trackingSheet, headers: TrackingHeader, widths: trackingColumnWidths, rows: trackingRows},
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("Generated history report",
		zap.String("user_id", userID),
		zap.Int("alerts", len(alertRows)),
		zap.Int("locations", len(trackingRows)),
	)
	return data, nil
}

type sheet struct {
	name    string
	headers []string
	widths  []float64
	rows    [][]interface{}
}

func buildWorkbook(sheets []sheet) ([]byte, error) {
	f := excelize.NewFile()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for _, s := range sheets {
		if err := writeSheet(f, s, headerStyle); err != nil {
			f.Close()
			return nil, err
		}
	}

	// 删除默认的 Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	index, err := f.GetSheetIndex(sheets[0].name)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to get sheet index: %w", err)
	}
	f.SetActiveSheet(index)

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, s sheet, headerStyle int) error {
	if _, err := f.NewSheet(s.name); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", s.name, err)
	}

	header := make([]interface{}, len(s.headers))
	for i, h := range s.headers {
		header[i] = h
	}
	if err := f.SetSheetRow(s.name, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(s.headers), 1)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellStyle(s.name, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}

	for i, w := range s.widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(s.name, col, col, w); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i := range s.rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2) // 第1行是表头
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(s.name, cell, &s.rows[i]); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	// 冻结表头
	if err := f.SetPanes(s.name, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}
	return nil
}

func floatValue(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func timeValue(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(timeLayout)
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
