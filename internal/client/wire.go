package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolwatch/poolwatch/internal/models"
)

// The upstream speaks JSON:API: documents under "data" with attributes and
// relationships, referenced resources under "included". These wire types
// cover the subset the collectors consume.

type listEnvelope struct {
	Data     []json.RawMessage `json:"data"`
	Included []resourceDoc     `json:"included"`
}

type singleEnvelope struct {
	Data     json.RawMessage `json:"data"`
	Included []resourceDoc   `json:"included"`
}

type resourceDoc struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes"`
}

type relationship struct {
	Data struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"data"`
}

type networkAttrs struct {
	Name string `json:"name"`
}

type dexAttrs struct {
	Name string `json:"name"`
}

type tokenAttrs struct {
	Address  string           `json:"address"`
	Name     string           `json:"name"`
	Symbol   string           `json:"symbol"`
	Decimals int              `json:"decimals"`
	PriceUSD *decimal.Decimal `json:"price_usd"`
}

type poolDoc struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Attributes    poolAttrs         `json:"attributes"`
	Relationships poolRelationships `json:"relationships"`
}

type poolAttrs struct {
	Address       string          `json:"address"`
	Name          string          `json:"name"`
	ReserveInUSD  decimal.Decimal `json:"reserve_in_usd"`
	PoolCreatedAt time.Time       `json:"pool_created_at"`
	VolumeUSD     struct {
		H24 decimal.Decimal `json:"h24"`
	} `json:"volume_usd"`
	Transactions struct {
		H24 struct {
			Buys  int `json:"buys"`
			Sells int `json:"sells"`
		} `json:"h24"`
	} `json:"transactions"`
	BaseTokenPriceUSD *decimal.Decimal `json:"base_token_price_usd"`
}

type poolRelationships struct {
	Dex        relationship `json:"dex"`
	BaseToken  relationship `json:"base_token"`
	QuoteToken relationship `json:"quote_token"`
}

type tradeDoc struct {
	ID         string `json:"id"`
	Attributes struct {
		BlockNumber     int64           `json:"block_number"`
		TxHash          string          `json:"tx_hash"`
		FromTokenAmount decimal.Decimal `json:"from_token_amount"`
		ToTokenAmount   decimal.Decimal `json:"to_token_amount"`
		PriceInUSD      decimal.Decimal `json:"price_to_in_usd"`
		VolumeInUSD     decimal.Decimal `json:"volume_in_usd"`
		Kind            string          `json:"kind"`
		BlockTimestamp  time.Time       `json:"block_timestamp"`
	} `json:"attributes"`
}

type ohlcvAttrs struct {
	OHLCVList [][]json.Number `json:"ohlcv_list"`
}

// tokenIndex resolves relationship ids against the included resource set.
type tokenIndex map[string]*models.Token

func buildTokenIndex(network string, included []resourceDoc, now time.Time) (tokenIndex, error) {
	idx := make(tokenIndex, len(included))
	for _, doc := range included {
		if doc.Type != "token" {
			continue
		}
		var attrs tokenAttrs
		if err := json.Unmarshal(doc.Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("decode included token %s: %w", doc.ID, err)
		}
		idx[doc.ID] = &models.Token{
			ID:          doc.ID,
			Address:     attrs.Address,
			Name:        attrs.Name,
			Symbol:      attrs.Symbol,
			Decimals:    attrs.Decimals,
			Network:     network,
			PriceUSD:    attrs.PriceUSD,
			LastUpdated: now,
		}
	}
	return idx, nil
}

func (d *poolDoc) toModel(network string, tokens tokenIndex, now time.Time) models.Pool {
	pool := models.Pool{
		ID:          d.ID,
		Address:     d.Attributes.Address,
		Name:        d.Attributes.Name,
		ReserveUSD:  d.Attributes.ReserveInUSD,
		CreatedAt:   d.Attributes.PoolCreatedAt.UTC(),
		LastUpdated: now,
	}
	if id := d.Relationships.Dex.Data.ID; id != "" {
		pool.DexID = &id
	}
	if id := d.Relationships.BaseToken.Data.ID; id != "" {
		pool.BaseTokenID = &id
		pool.BaseToken = tokens[id]
	}
	if id := d.Relationships.QuoteToken.Data.ID; id != "" {
		pool.QuoteTokenID = &id
		pool.QuoteToken = tokens[id]
	}
	return pool
}

func decodePools(network string, env listEnvelope, now time.Time) ([]models.Pool, error) {
	tokens, err := buildTokenIndex(network, env.Included, now)
	if err != nil {
		return nil, err
	}
	pools := make([]models.Pool, 0, len(env.Data))
	for _, raw := range env.Data {
		var doc poolDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode pool document: %w", err)
		}
		pools = append(pools, doc.toModel(network, tokens, now))
	}
	return pools, nil
}

func decodeTrades(poolID string, env listEnvelope) ([]models.Trade, error) {
	trades := make([]models.Trade, 0, len(env.Data))
	for _, raw := range env.Data {
		var doc tradeDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode trade document: %w", err)
		}
		side := models.TradeSideBuy
		if strings.EqualFold(doc.Attributes.Kind, "sell") {
			side = models.TradeSideSell
		}
		trades = append(trades, models.Trade{
			ID:              doc.ID,
			PoolID:          poolID,
			BlockNumber:     doc.Attributes.BlockNumber,
			TxHash:          doc.Attributes.TxHash,
			FromTokenAmount: doc.Attributes.FromTokenAmount,
			ToTokenAmount:   doc.Attributes.ToTokenAmount,
			PriceUSD:        doc.Attributes.PriceInUSD,
			VolumeUSD:       doc.Attributes.VolumeInUSD,
			Side:            side,
			BlockTimestamp:  doc.Attributes.BlockTimestamp.UTC(),
		})
	}
	return trades, nil
}

func decodeCandles(poolID string, tf models.Timeframe, attrs ohlcvAttrs) ([]models.Candle, error) {
	candles := make([]models.Candle, 0, len(attrs.OHLCVList))
	for _, row := range attrs.OHLCVList {
		if len(row) != 6 {
			return nil, fmt.Errorf("ohlcv row has %d fields, want 6", len(row))
		}
		ts, err := row[0].Int64()
		if err != nil {
			return nil, fmt.Errorf("ohlcv timestamp: %w", err)
		}
		vals := make([]decimal.Decimal, 5)
		for i := 1; i < 6; i++ {
			v, err := decimal.NewFromString(row[i].String())
			if err != nil {
				return nil, fmt.Errorf("ohlcv field %d: %w", i, err)
			}
			vals[i-1] = v
		}
		candles = append(candles, models.Candle{
			PoolID:        poolID,
			Timeframe:     tf,
			TimestampUnix: ts,
			Open:          vals[0],
			High:          vals[1],
			Low:           vals[2],
			Close:         vals[3],
			VolumeUSD:     vals[4],
			Datetime:      time.Unix(ts, 0).UTC(),
		})
	}
	return candles, nil
}
