package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/odyssey-erp/stockwatch/internal/testing/guard"
	"github.com/odyssey-erp/stockwatch/internal/variance"
)

func TestGuardEnablesTestMode(t *testing.T) {
	require.True(t, InTestMode())
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, DriverMemory, cfg.StorageDriver)
	require.Equal(t, 15*time.Minute, cfg.ScanInterval)
	require.False(t, cfg.IsProduction())

	analyticsCfg, err := cfg.AnalyticsConfig()
	require.NoError(t, err)
	require.Equal(t, 5.0, analyticsCfg.Thresholds.AcceptablePct)
	require.Equal(t, 15.0, analyticsCfg.Thresholds.CriticalPct)

	varianceCfg, err := cfg.VarianceConfig()
	require.NoError(t, err)
	require.Equal(t, "100000", varianceCfg.DiscrepancyValue.String())
	require.Equal(t, 4, varianceCfg.HistoryWeeks)
	require.Empty(t, varianceCfg.Rules)
}

func TestLoadConfigThresholdRules(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("THRESHOLD_RULES", `[{"name":"low dairy","metric":"stock_level","operator":"lt","boundary":4,"condition":"category == 'Dairy'","severity":"high"}]`)
	t.Setenv("LOSS_STORE_OVERRIDES", `{"7":{"acceptable_pct":2,"warning_pct":4,"critical_pct":8}}`)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	varianceCfg, err := cfg.VarianceConfig()
	require.NoError(t, err)
	require.Len(t, varianceCfg.Rules, 1)
	require.Equal(t, variance.MetricStockLevel, varianceCfg.Rules[0].Metric)
	require.Equal(t, variance.SeverityHigh, varianceCfg.Rules[0].Severity)

	analyticsCfg, err := cfg.AnalyticsConfig()
	require.NoError(t, err)
	require.Equal(t, 8.0, analyticsCfg.ThresholdsFor(7).CriticalPct)
	require.Equal(t, 15.0, analyticsCfg.ThresholdsFor(8).CriticalPct)
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown driver":      {"STORAGE_DRIVER": "sqlite"},
		"thresholds order":    {"STORAGE_DRIVER": "memory", "LOSS_WARNING_PCT": "20"},
		"malformed rules":     {"STORAGE_DRIVER": "memory", "THRESHOLD_RULES": `{"name":`},
		"malformed overrides": {"STORAGE_DRIVER": "memory", "LOSS_STORE_OVERRIDES": `{"1":{"acceptable_pct":9,"warning_pct":4,"critical_pct":8}}`},
		"bad discrepancy":     {"STORAGE_DRIVER": "memory", "DISCREPANCY_VALUE": "lots"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}
