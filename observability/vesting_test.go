package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"tokenvest/core/events"
)

func TestVestingMetricsRecordClaim(t *testing.T) {
	m := Vesting()
	require.Same(t, m, Vesting())
	require.NotNil(t, m.releasedUnits)

	before := testutil.ToFloat64(m.released.WithLabelValues("VESTTEST"))
	m.RecordClaim("success", "vesttest", 550, 5*time.Millisecond)
	m.RecordClaim("no_tokens", "vesttest", 0, time.Millisecond)
	require.Equal(t, before+550, testutil.ToFloat64(m.released.WithLabelValues("VESTTEST")))
	require.GreaterOrEqual(t, testutil.ToFloat64(m.claims.WithLabelValues("no_tokens")), 1.0)

	var nilMetrics *VestingMetrics
	nilMetrics.RecordClaim("success", "X", 1, time.Second)
	nilMetrics.ObserveRequest("/", 200, time.Second)
}

func TestEventLoggerWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	emitter := NewEventLogger(logger, Vesting())

	emitter.Emit(events.VestingClaimed{
		Beneficiary: common.HexToAddress("0xb1"),
		Asset:       "VEST",
		Amount:      550,
		Withdrawn:   550,
		Total:       1000,
		ClaimedAt:   1500,
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, events.TypeVestingClaimed, line["type"])
	require.Equal(t, "550", line["amount"])
	require.Equal(t, "events", line["component"])
	require.GreaterOrEqual(t, testutil.ToFloat64(Vesting().events.WithLabelValues(events.TypeVestingClaimed)), 1.0)
}
