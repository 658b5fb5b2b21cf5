// Package tracker mirrors new spike alerts and strategy cards into a Google
// Sheets spreadsheet so they can be reviewed outside the API.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/signalpost/internal/config"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/pkg/logger"
)

// AlertColumns are the header cells of the alerts sheet
var AlertColumns = []string{
	"ID",
	"Source ID",
	"Metric",
	"Window Start",
	"Window End",
	"Current",
	"Previous",
	"Factor",
	"Created At",
}

// CardColumns are the header cells of the strategy sheet
var CardColumns = []string{
	"ID",
	"Item ID",
	"Source ID",
	"Platforms",
	"Niche",
	"Tactic",
	"Confidence",
	"Created At",
}

// SheetsExporter appends alerts and cards to their sheets as they are
// created. It implements the spike and strategist notifiers.
type SheetsExporter struct {
	service       *sheets.Service
	spreadsheetID string
	alertsSheet   string
	cardsSheet    string
	log           *logger.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewSheetsExporter creates an exporter from cfg. It returns nil when the
// tracker is disabled.
func NewSheetsExporter(ctx context.Context, cfg config.TrackerConfig, log *logger.Logger, opts ...option.ClientOption) (*SheetsExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch {
	case len(opts) > 0:
	case cfg.ServiceAccountJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	default:
		return nil, fmt.Errorf("no Google credentials provided: set credentials_file or service_account_json")
	}

	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	alerts := cfg.AlertsSheet
	if alerts == "" {
		alerts = "Alerts"
	}
	cards := cfg.CardsSheet
	if cards == "" {
		cards = "Strategy"
	}

	return &SheetsExporter{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		alertsSheet:   alerts,
		cardsSheet:    cards,
		log:           log.WithComponent("tracker"),
		ensured:       make(map[string]bool),
	}, nil
}

// AlertCreated appends alert to the alerts sheet
func (t *SheetsExporter) AlertCreated(ctx context.Context, alert *models.Alert) error {
	row := []interface{}{
		alert.ID,
		alert.SourceID,
		alert.Metric,
		formatTime(alert.WindowStart),
		formatTime(alert.WindowEnd),
		alert.CurrentValue,
		alert.PreviousValue,
		fmt.Sprintf("%.2f", alert.Factor),
		formatTime(alert.CreatedAt),
	}
	if err := t.append(ctx, t.alertsSheet, AlertColumns, row); err != nil {
		return err
	}
	t.log.Debug().Uint("alert_id", alert.ID).Msg("Alert exported")
	return nil
}

// CardCreated appends card to the strategy sheet
func (t *SheetsExporter) CardCreated(ctx context.Context, card *models.StrategyCard) error {
	row := []interface{}{
		card.ID,
		card.ItemID,
		card.SourceID,
		strings.Join(card.Platforms, ", "),
		card.Niche,
		card.Tactic,
		fmt.Sprintf("%.2f", card.Confidence),
		formatTime(card.CreatedAt),
	}
	if err := t.append(ctx, t.cardsSheet, CardColumns, row); err != nil {
		return err
	}
	t.log.Debug().Uint("card_id", card.ID).Msg("Strategy card exported")
	return nil
}

func (t *SheetsExporter) append(ctx context.Context, sheet string, header []string, row []interface{}) error {
	if err := t.ensureSheet(ctx, sheet, header); err != nil {
		return err
	}

	vr := &sheets.ValueRange{Values: [][]interface{}{row}}
	_, err := t.service.Spreadsheets.Values.Append(t.spreadsheetID, sheet+"!A1", vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append row to %s: %w", sheet, err)
	}
	return nil
}

// ensureSheet creates sheet with its header row once per process
func (t *SheetsExporter) ensureSheet(ctx context.Context, sheet string, header []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ensured[sheet] {
		return nil
	}

	spreadsheet, err := t.service.Spreadsheets.Get(t.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get spreadsheet: %w", err)
	}

	exists := false
	for _, s := range spreadsheet.Sheets {
		if s.Properties != nil && s.Properties.Title == sheet {
			exists = true
			break
		}
	}

	if !exists {
		t.log.Info().Str("sheet", sheet).Msg("Creating new sheet")
		req := &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{Title: sheet},
				},
			}},
		}
		if _, err := t.service.Spreadsheets.BatchUpdate(t.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to create sheet: %w", err)
		}

		headerRow := make([]interface{}, len(header))
		for i, col := range header {
			headerRow[i] = col
		}
		_, err := t.service.Spreadsheets.Values.Update(t.spreadsheetID, sheet+"!A1", &sheets.ValueRange{
			Values: [][]interface{}{headerRow},
		}).ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to write headers: %w", err)
		}
	}

	t.ensured[sheet] = true
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}
