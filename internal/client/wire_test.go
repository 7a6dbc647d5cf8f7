package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwatch/poolwatch/internal/models"
)

const poolListDoc = `{
  "data": [
    {
      "id": "solana_p1",
      "type": "pool",
      "attributes": {
        "address": "p1",
        "name": "WIF / SOL",
        "reserve_in_usd": "52341.77",
        "pool_created_at": "2026-05-01T10:00:00Z",
        "base_token_price_usd": "2.41",
        "volume_usd": {"h24": "183220.5"},
        "transactions": {"h24": {"buys": 120, "sells": 80}}
      },
      "relationships": {
        "dex": {"data": {"id": "raydium", "type": "dex"}},
        "base_token": {"data": {"id": "solana_tok1", "type": "token"}},
        "quote_token": {"data": {"id": "solana_sol", "type": "token"}}
      }
    }
  ],
  "included": [
    {
      "id": "solana_tok1",
      "type": "token",
      "attributes": {"address": "tok1", "name": "dogwifhat", "symbol": "WIF", "decimals": 6, "price_usd": "2.41"}
    },
    {
      "id": "solana_sol",
      "type": "token",
      "attributes": {"address": "sol", "name": "Wrapped SOL", "symbol": "SOL", "decimals": 9}
    }
  ]
}`

func TestDecodePools(t *testing.T) {
	var env listEnvelope
	require.NoError(t, json.Unmarshal([]byte(poolListDoc), &env))

	now := time.Now().UTC()
	pools, err := decodePools("solana", env, now)
	require.NoError(t, err)
	require.Len(t, pools, 1)

	p := pools[0]
	assert.Equal(t, "solana_p1", p.ID)
	assert.Equal(t, "WIF / SOL", p.Name)
	require.NotNil(t, p.DexID)
	assert.Equal(t, "raydium", *p.DexID)
	assert.Equal(t, "52341.77", p.ReserveUSD.String())
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), p.CreatedAt)

	require.NotNil(t, p.BaseToken)
	assert.Equal(t, "WIF", p.BaseToken.Symbol)
	require.NotNil(t, p.BaseToken.PriceUSD)
	assert.Equal(t, "2.41", p.BaseToken.PriceUSD.String())
	require.NotNil(t, p.QuoteToken)
	assert.Nil(t, p.QuoteToken.PriceUSD, "missing price stays null")
}

func TestDecodeCandles(t *testing.T) {
	attrs := ohlcvAttrs{}
	doc := `{"ohlcv_list": [
		[1700000000, "1.00", "1.20", "0.95", "1.10", "5000.5"],
		[1700003600, 1.10, 1.15, 1.05, 1.07, 4200]
	]}`
	require.NoError(t, json.Unmarshal([]byte(doc), &attrs))

	candles, err := decodeCandles("solana_p1", models.Timeframe1h, attrs)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000), candles[0].TimestampUnix)
	assert.Equal(t, "1.2", candles[0].High.String())
	assert.Equal(t, "4200", candles[1].VolumeUSD.String())
	assert.Equal(t, models.Timeframe1h, candles[0].Timeframe)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), candles[0].Datetime)
}

func TestDecodeCandlesRejectsShortRow(t *testing.T) {
	attrs := ohlcvAttrs{OHLCVList: [][]json.Number{{"1700000000", "1.0"}}}
	_, err := decodeCandles("p", models.Timeframe1m, attrs)
	require.Error(t, err)
}

func TestDecodeTrades(t *testing.T) {
	doc := `{"data": [
	  {"id": "tr1", "type": "trade", "attributes": {
	    "block_number": 12345, "tx_hash": "0xabc",
	    "from_token_amount": "10", "to_token_amount": "24.1",
	    "price_to_in_usd": "2.41", "volume_in_usd": "24.1",
	    "kind": "sell", "block_timestamp": "2026-07-01T12:00:00Z"}}
	]}`
	var env listEnvelope
	require.NoError(t, json.Unmarshal([]byte(doc), &env))

	trades, err := decodeTrades("solana_p1", env)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeSideSell, trades[0].Side)
	assert.Equal(t, int64(12345), trades[0].BlockNumber)
	assert.Equal(t, "solana_p1", trades[0].PoolID)
}
