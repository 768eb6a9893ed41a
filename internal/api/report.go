package api

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/rs/zerolog/log"
	"github.com/vohiienko/ragconvert/internal/store"
)

const reportHistoryLimit = 500

// handleUsageReport exports the account's conversion history and quota
// snapshot as CSV (default) or PDF.
func (r *Router) handleUsageReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	acct := accountFrom(req)

	entry, err := r.ledger.Snapshot(acct.ID)
	if err != nil {
		log.Error().Err(err).Str("account_id", acct.ID).Msg("Failed to read quota ledger for report")
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}
	history, err := r.store.ListConversions(acct.ID, reportHistoryLimit)
	if err != nil {
		log.Error().Err(err).Str("account_id", acct.ID).Msg("Failed to list conversions for report")
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	switch req.URL.Query().Get("format") {
	case "pdf":
		data, err := buildPDFReport(acct, entry, history)
		if err != nil {
			log.Error().Err(err).Str("account_id", acct.ID).Msg("Failed to render PDF report")
			writeError(w, http.StatusInternalServerError, "failed to build report")
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", reportFilename(acct.ID, "pdf")))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case "", "csv":
		data, err := buildCSVReport(entry, history)
		if err != nil {
			log.Error().Err(err).Str("account_id", acct.ID).Msg("Failed to render CSV report")
			writeError(w, http.StatusInternalServerError, "failed to build report")
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", reportFilename(acct.ID, "csv")))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "format must be csv or pdf")
	}
}

func reportFilename(accountID, ext string) string {
	return fmt.Sprintf("usage-%s-%s.%s", accountID, time.Now().UTC().Format("2006-01-02"), ext)
}

func buildCSVReport(entry *store.LedgerEntry, history []*store.ConversionRecord) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	rows := [][]string{
		{"used", "max_uses", "period_start"},
		{strconv.Itoa(entry.Used), strconv.Itoa(entry.MaxUses), entry.PeriodStart.UTC().Format(time.RFC3339)},
		{},
		{"id", "filename", "mime_type", "chunk_count", "created_at"},
	}
	for _, rec := range history {
		rows = append(rows, []string{
			rec.ID,
			rec.Filename,
			rec.MimeType,
			strconv.Itoa(rec.ChunkCount),
			rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	if err := cw.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func buildPDFReport(acct *store.Account, entry *store.LedgerEntry, history []*store.ConversionRecord) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 10, "Usage Report", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Account %s (%s)", acct.ID, acct.Email), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Generated "+time.Now().UTC().Format("2006-01-02 15:04 UTC"), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	limit := "unlimited"
	if entry.MaxUses >= 0 {
		limit = strconv.Itoa(entry.MaxUses)
	}
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, "Quota", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Used %d of %s since %s", entry.Used, limit, entry.PeriodStart.UTC().Format("2006-01-02")), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, "Conversions", "", 1, "L", false, 0, "")

	// Table header
	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(30, 58, 95)
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(70, 7, "Filename", "1", 0, "L", true, 0, "")
	pdf.CellFormat(45, 7, "Type", "1", 0, "L", true, 0, "")
	pdf.CellFormat(20, 7, "Chunks", "1", 0, "R", true, 0, "")
	pdf.CellFormat(35, 7, "Date", "1", 1, "L", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(44, 62, 80)
	for i, rec := range history {
		fill := i%2 == 1
		pdf.SetFillColor(241, 245, 249)
		name := rec.Filename
		if name == "" {
			name = rec.ID
		}
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		pdf.CellFormat(70, 6, name, "1", 0, "L", fill, 0, "")
		pdf.CellFormat(45, 6, rec.MimeType, "1", 0, "L", fill, 0, "")
		pdf.CellFormat(20, 6, strconv.Itoa(rec.ChunkCount), "1", 0, "R", fill, 0, "")
		pdf.CellFormat(35, 6, rec.CreatedAt.UTC().Format("2006-01-02"), "1", 1, "L", fill, 0, "")
	}
	if len(history) == 0 {
		pdf.CellFormat(170, 6, "No conversions in this period", "1", 1, "C", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}
