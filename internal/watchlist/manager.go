package watchlist

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/models"
	"github.com/poolwatch/poolwatch/internal/storage"
)

// csvHeader is the exact column set of the operator-edited file.
var csvHeader = []string{"pool_id", "symbol", "name", "network_address", "is_active"}

// Manager reconciles the operator CSV into the database and handles
// programmatic additions from the signal pipeline. Reconciliation is one-way,
// CSV into DB: rows present only in the database (auto-added pools included)
// are never removed by a reconcile pass.
type Manager struct {
	store   storage.Store
	csvPath string
	export  bool
	now     func() time.Time
}

func NewManager(store storage.Store, csvPath string, export bool) *Manager {
	return &Manager{store: store, csvPath: csvPath, export: export, now: time.Now}
}

// LoadCSV parses the watchlist file. A missing file is an empty watchlist,
// not an error; an operator who has never created one gets auto-adds only.
func (m *Manager) LoadCSV() ([]models.WatchlistEntry, error) {
	f, err := os.Open(m.csvPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E(errs.KindSystemResource, "watchlist", "load_csv", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(csvHeader)

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E(errs.KindParsing, "watchlist", "load_csv", err)
	}
	for i, col := range csvHeader {
		if i >= len(header) || strings.TrimSpace(header[i]) != col {
			return nil, errs.Ef(errs.KindParsing, "watchlist", "load_csv",
				"unexpected header %v, want %v", header, csvHeader)
		}
	}

	var entries []models.WatchlistEntry
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errs.E(errs.KindParsing, "watchlist", "load_csv", err)
		}
		active, err := strconv.ParseBool(strings.TrimSpace(rec[4]))
		if err != nil {
			return nil, errs.Ef(errs.KindParsing, "watchlist", "load_csv",
				"line %d: is_active %q is not a boolean", line, rec[4])
		}
		poolID := strings.TrimSpace(rec[0])
		if poolID == "" {
			return nil, errs.Ef(errs.KindParsing, "watchlist", "load_csv", "line %d: empty pool_id", line)
		}
		entries = append(entries, models.WatchlistEntry{
			PoolID:         poolID,
			TokenSymbol:    strings.TrimSpace(rec[1]),
			TokenName:      strings.TrimSpace(rec[2]),
			NetworkAddress: strings.TrimSpace(rec[3]),
			IsActive:       active,
		})
	}
	return entries, nil
}

// Reconcile applies the CSV onto the database. Every CSV row upserts its DB
// row; a pool the collectors have never seen gets a minimal pool row first so
// the reference never dangles. Returns how many rows changed hands.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	entries, err := m.LoadCSV()
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, e := range entries {
		if err := m.store.EnsureMinimalPool(ctx, e.PoolID, AddressOf(e.NetworkAddress, e.PoolID)); err != nil {
			return applied, err
		}
		existing, err := m.store.GetWatchlistEntry(ctx, e.PoolID)
		if err != nil {
			return applied, err
		}
		if existing != nil {
			// CSV rows own everything except provenance metadata.
			e.Metadata = existing.Metadata
			e.CreatedAt = existing.CreatedAt
		}
		if err := m.store.UpsertWatchlistEntry(ctx, e); err != nil {
			return applied, err
		}
		applied++
	}
	if m.export {
		if err := m.ExportCSV(ctx); err != nil {
			log.Warn().Err(err).Msg("watchlist export failed")
		}
	}
	return applied, nil
}

// Add inserts a pool programmatically, stamping provenance so a reconcile
// pass can tell it apart from operator rows.
func (m *Manager) Add(ctx context.Context, pool models.Pool, score float64) error {
	symbol, name := pool.Name, pool.Name
	if pool.BaseToken != nil {
		symbol = pool.BaseToken.Symbol
		name = pool.BaseToken.Name
	}
	if err := m.store.EnsureMinimalPool(ctx, pool.ID, pool.Address); err != nil {
		return err
	}
	entry := models.WatchlistEntry{
		PoolID:         pool.ID,
		TokenSymbol:    symbol,
		TokenName:      name,
		NetworkAddress: pool.ID,
		IsActive:       true,
		Metadata: map[string]interface{}{
			"auto_added":   true,
			"signal_score": score,
			"added_at":     m.now().UTC().Format(time.RFC3339),
		},
	}
	if err := m.store.UpsertWatchlistEntry(ctx, entry); err != nil {
		return err
	}
	log.Info().
		Str("pool_id", pool.ID).
		Str("symbol", symbol).
		Float64("signal_score", score).
		Msg("pool auto-added to watchlist")
	return nil
}

// ExportCSV writes the active database watchlist back out, for operators who
// treat the file as a mirror rather than the source of truth.
func (m *Manager) ExportCSV(ctx context.Context) error {
	entries, err := m.store.ListWatchlist(ctx, false)
	if err != nil {
		return err
	}
	tmp := m.csvPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.E(errs.KindSystemResource, "watchlist", "export_csv", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		_ = f.Close()
		return errs.E(errs.KindSystemResource, "watchlist", "export_csv", err)
	}
	for _, e := range entries {
		rec := []string{e.PoolID, e.TokenSymbol, e.TokenName, e.NetworkAddress, fmt.Sprintf("%t", e.IsActive)}
		if err := w.Write(rec); err != nil {
			_ = f.Close()
			return errs.E(errs.KindSystemResource, "watchlist", "export_csv", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return errs.E(errs.KindSystemResource, "watchlist", "export_csv", err)
	}
	if err := f.Close(); err != nil {
		return errs.E(errs.KindSystemResource, "watchlist", "export_csv", err)
	}
	if err := os.Rename(tmp, m.csvPath); err != nil {
		return errs.E(errs.KindSystemResource, "watchlist", "export_csv", err)
	}
	return nil
}

// AddressOf extracts the on-chain address from a network-prefixed id like
// "solana_So11...". Falls back to the raw value when there is no prefix.
func AddressOf(networkAddress, fallback string) string {
	if networkAddress == "" {
		networkAddress = fallback
	}
	if i := strings.Index(networkAddress, "_"); i >= 0 {
		return networkAddress[i+1:]
	}
	return networkAddress
}
