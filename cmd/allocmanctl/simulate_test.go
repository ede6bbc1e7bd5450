package main

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func defaultSimulateOptions() simulateOptions {
	return simulateOptions{
		PoolBytes:    16 * 1024,
		Slots:        128,
		Pages:        32,
		Operations:   300,
		Seed:         7,
		AttachAt:     -1,
		HeapBytes:    256 * 1024,
		ReserveBytes: 64,
		Validate:     true,
	}
}

func simulateJSON(t *testing.T, options simulateOptions) map[string]any {
	t.Helper()

	var out bytes.Buffer
	require.NoError(t, runSimulate(&out, io.Discard, options))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded), out.String())
	return decoded
}

func TestSimulateBootstrapOnly(t *testing.T) {
	stats := simulateJSON(t, defaultSimulateOptions())

	general := stats["General"].(map[string]any)
	require.Equal(t, "BootstrapActive", general["State"])
}

func TestSimulateFullAttach(t *testing.T) {
	options := defaultSimulateOptions()
	options.Attach = []string{"bookkeeping", "slots", "objects"}
	options.SplitRecordBytes = 16
	options.ReserveSlots = 2
	options.ReserveCount = 2
	options.Detailed = true
	options.Drain = true

	stats := simulateJSON(t, options)

	general := stats["General"].(map[string]any)
	require.Equal(t, "FullyAttached", general["State"])
	require.Equal(t, float64(0), general["LiveObjects"])
	require.Equal(t, float64(0), general["Reservations"])
	require.Empty(t, stats["Objects"])
}

func TestSimulateTwoLevelSlots(t *testing.T) {
	options := defaultSimulateOptions()
	options.Attach = []string{"slots"}
	options.TwoLevel = true
	options.AttachAt = 10
	options.ReserveSlots = 4
	options.ReserveObjects = 1

	stats := simulateJSON(t, options)

	general := stats["General"].(map[string]any)
	require.Equal(t, "PartiallyAttached", general["State"])
	require.Contains(t, general, "HostChunks")
	require.Contains(t, stats["Reserves"], "ObjectTargets")
}

func TestSimulateExhaustsTinyBootstrap(t *testing.T) {
	options := defaultSimulateOptions()
	options.Pages = 2
	options.Slots = 4
	options.DisableWatermark = true

	var out bytes.Buffer
	var info bytes.Buffer
	require.NoError(t, runSimulate(&out, &info, options))
	require.Contains(t, info.String(), "exhausted")
	require.True(t, json.Valid(out.Bytes()))
}

func TestSimulateRejectsBadOptions(t *testing.T) {
	options := defaultSimulateOptions()
	options.Attach = []string{"cpu"}
	err := runSimulate(io.Discard, io.Discard, options)
	require.ErrorContains(t, err, "unknown backend")

	options = defaultSimulateOptions()
	options.Slots = 0
	err = runSimulate(io.Discard, io.Discard, options)
	require.Error(t, err)
}

func TestSimulateCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"simulate", "-q", "-n", "50", "--pages", "8", "--attach", "bookkeeping"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		quiet = false
	})

	require.NoError(t, rootCmd.Execute())
	require.True(t, json.Valid(out.Bytes()), out.String())
}
