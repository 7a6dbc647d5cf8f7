package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/models"
)

// MockClient replays typed responses from fixture files on disk, keyed by
// method name. Selected via api.use_mock; collectors cannot tell it apart
// from the HTTP client. Missing page fixtures read as empty pages, which is
// how the upstream signals the end of pagination.
type MockClient struct {
	dir string
}

// NewMockClient points the mock at a fixture directory.
func NewMockClient(fixtureDir string) *MockClient {
	return &MockClient{dir: fixtureDir}
}

func (m *MockClient) Close() error { return nil }

// load decodes the first fixture file that exists among names.
func load[T any](m *MockClient, out *T, names ...string) (bool, error) {
	for _, name := range names {
		path := filepath.Join(m.dir, name+".json")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return false, errs.E(errs.KindUnknown, "mock_client", name, err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return false, errs.E(errs.KindParsing, "mock_client", name, err)
		}
		log.Debug().Str("fixture", path).Msg("mock fixture loaded")
		return true, nil
	}
	return false, nil
}

func (m *MockClient) GetNetworks(ctx context.Context) ([]models.Network, error) {
	var out []models.Network
	if _, err := load(m, &out, "networks"); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MockClient) GetDexes(ctx context.Context, network string) ([]models.DEX, error) {
	var out []models.DEX
	if _, err := load(m, &out, "dexes_"+network, "dexes"); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MockClient) GetTopPools(ctx context.Context, network, dex string, page int) ([]models.Pool, error) {
	var out []models.Pool
	names := []string{"top_pools"}
	if dex != "" {
		names = []string{"top_pools_" + dex, "top_pools"}
	}
	if page > 1 {
		// Fixtures model a single page; later pages are empty.
		return nil, nil
	}
	if _, err := load(m, &out, names...); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MockClient) GetPoolsMulti(ctx context.Context, network string, addresses []string) ([]models.Pool, error) {
	var all []models.Pool
	if _, err := load(m, &all, "pools_multi"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		want[a] = true
	}
	var out []models.Pool
	for _, p := range all {
		if want[p.Address] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockClient) GetPool(ctx context.Context, network, address string) (*models.Pool, error) {
	var out models.Pool
	ok, err := load(m, &out, "pool_"+address, "pool")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Ef(errs.KindValidation, "mock_client", "pool", "no fixture for pool %s", address)
	}
	return &out, nil
}

func (m *MockClient) GetOHLCV(ctx context.Context, req OHLCVRequest) ([]models.Candle, error) {
	var out []models.Candle
	names := []string{
		fmt.Sprintf("ohlcv_%s_%s", req.PoolAddress, req.Timeframe),
		"ohlcv_" + string(req.Timeframe),
		"ohlcv",
	}
	if _, err := load(m, &out, names...); err != nil {
		return nil, err
	}
	// Honor pagination so historical backfill terminates the same way it
	// does against the live API.
	var filtered []models.Candle
	for _, cdl := range out {
		if req.BeforeTimestamp > 0 && cdl.TimestampUnix >= req.BeforeTimestamp {
			continue
		}
		cdl.PoolID = req.PoolID
		cdl.Timeframe = req.Timeframe
		filtered = append(filtered, cdl)
	}
	if req.Limit > 0 && len(filtered) > req.Limit {
		filtered = filtered[len(filtered)-req.Limit:]
	}
	return filtered, nil
}

func (m *MockClient) GetTrades(ctx context.Context, network, poolAddress string, minVolumeUSD decimal.Decimal) ([]models.Trade, error) {
	var out []models.Trade
	if _, err := load(m, &out, "trades_"+poolAddress, "trades"); err != nil {
		return nil, err
	}
	var filtered []models.Trade
	for _, t := range out {
		if t.VolumeUSD.GreaterThanOrEqual(minVolumeUSD) {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

func (m *MockClient) GetTokenInfo(ctx context.Context, network, address string) (*models.Token, error) {
	var out models.Token
	ok, err := load(m, &out, "token_"+address, "token")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Ef(errs.KindValidation, "mock_client", "token_info", "no fixture for token %s", address)
	}
	return &out, nil
}

func (m *MockClient) GetNewPools(ctx context.Context, network string, page int) ([]NewPoolPayload, error) {
	var out []NewPoolPayload
	names := []string{fmt.Sprintf("new_pools_page%d", page)}
	if page == 1 {
		// The generic fixture serves page 1 only; later pages must be
		// explicit or they read as the end of pagination.
		names = append(names, "new_pools")
	}
	if _, err := load(m, &out, names...); err != nil {
		return nil, err
	}
	return out, nil
}
