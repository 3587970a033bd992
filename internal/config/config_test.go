package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 750*time.Millisecond, cfg.Monitor.Interval())
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.SnapshotTTL())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  listen_addr: ":9090"
engine:
  taker_fee_rate: 0.002
  margin_model: leveraged
monitor:
  gap_policy: tp_first
feed:
  provider: static
  symbols: [BTCUSDT, ETHUSDT]
  static_prices:
    BTCUSDT: 50000
    ETHUSDT: 3000
`))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 0.002, cfg.Engine.TakerFeeRate)
	assert.Equal(t, "leveraged", cfg.Engine.MarginModel)
	assert.Equal(t, "tp_first", cfg.Monitor.GapPolicy)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.0005, cfg.Engine.SlippageRate)
	assert.Equal(t, float64(10000), cfg.Account.InitialBalance)
}

func TestParseRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad margin model": "engine:\n  margin_model: exotic\n",
		"bad gap policy":   "monitor:\n  gap_policy: whichever\n",
		"negative fee":     "engine:\n  taker_fee_rate: -0.1\n",
		"no symbols":       "feed:\n  symbols: []\n",
		"malformed yaml":   "feed: [\n",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
		})
	}
}

func TestStaticProviderRequiresPrices(t *testing.T) {
	_, err := Parse([]byte("feed:\n  provider: static\n  symbols: [BTCUSDT]\n"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}
