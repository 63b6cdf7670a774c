package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStockToSync(t *testing.T) {
	tests := []struct {
		name    string
		channel ChannelType
		current int
		buffer  int
		want    int
	}{
		{"online withholds buffer", ChannelWix, 100, 10, 90},
		{"delivery withholds buffer", ChannelDeliveroo, 85, 10, 75},
		{"online clamps at zero", ChannelWix, 5, 10, 0},
		{"online exact buffer", ChannelDeliveroo, 10, 10, 0},
		{"pos sees full stock", ChannelEposNow, 100, 10, 100},
		{"pos low stock untouched", ChannelEposNow, 3, 20, 3},
		{"zero buffer passes through", ChannelWix, 42, 0, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, StockToSync(tt.channel, tt.current, tt.buffer))
		})
	}
}

func TestSyncStatusTransitions(t *testing.T) {
	require.True(t, StatusPending.CanTransition(StatusProcessing))
	require.True(t, StatusProcessing.CanTransition(StatusCompleted))
	require.True(t, StatusProcessing.CanTransition(StatusFailed))

	require.False(t, StatusPending.CanTransition(StatusCompleted))
	require.False(t, StatusCompleted.CanTransition(StatusProcessing))
	require.False(t, StatusCompleted.CanTransition(StatusFailed))
	require.False(t, StatusFailed.CanTransition(StatusPending))
}

func TestAlertRuleAppliesTo(t *testing.T) {
	all := &AlertRule{TenantID: "t1", Threshold: 10, Enabled: true}
	require.True(t, all.AppliesTo("p1"))
	require.True(t, all.AppliesTo("p2"))

	scoped := &AlertRule{TenantID: "t1", Threshold: 10, ProductIDs: []string{"p1"}, Enabled: true}
	require.True(t, scoped.AppliesTo("p1"))
	require.False(t, scoped.AppliesTo("p2"))

	disabled := &AlertRule{TenantID: "t1", Threshold: 10, Enabled: false}
	require.False(t, disabled.AppliesTo("p1"))
}
