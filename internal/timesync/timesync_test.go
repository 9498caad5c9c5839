// SPDX-License-Identifier: MIT

package timesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/state"
)

func TestExchangeEstimator(t *testing.T) {
	// Slave sends at t=0, master (3 ms ahead) receives at its t=8 ms
	// (5 ms transit), replies at its t=9 ms, slave receives at t=11 ms.
	ex := Exchange{
		SlaveSendNS:  0,
		MasterRecvNS: 8e6,
		MasterSendNS: 9e6,
		SlaveRecvNS:  11e6,
	}
	require.InDelta(t, 3.0, ex.OffsetMS(), 0.001)
	require.InDelta(t, 10.0, ex.RTTMS(), 0.001)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		offset, rtt float64
		want        Status
	}{
		{1, 10, StatusOK},
		{-4.9, 10, StatusOK},
		{4, 80, StatusWarn}, // offset fine but RTT over bound
		{7, 10, StatusWarn},
		{-8, 10, StatusWarn},
		{11, 10, StatusFail},
		{0.1, 200, StatusWarn},
	}
	for _, tt := range tests {
		got := Classify(tt.offset, tt.rtt, 5, 50)
		require.Equal(t, tt.want, got, "offset=%v rtt=%v", tt.offset, tt.rtt)
	}
}

func testStore() *state.Store {
	return state.NewStore(
		config.Identity{NodeID: "CAM_L", Position: config.PositionLeft},
		config.Recording{},
	)
}

func syncCfg() config.Sync {
	return config.Sync{
		Interval:    time.Second,
		ToleranceMS: 5,
		RTTMaxMS:    50,
		Stale:       200 * time.Millisecond,
	}
}

func TestMonitorTriggerUpdatesStore(t *testing.T) {
	store := testStore()
	query := func(context.Context) (Exchange, error) {
		now := time.Now().UnixNano()
		return Exchange{
			SlaveSendNS:  now,
			MasterRecvNS: now + 2e6, // 2 ms ahead, instant transit
			MasterSendNS: now + 2e6,
			SlaveRecvNS:  now,
		}, nil
	}
	m := NewMonitor(syncCfg(), false, query, store)

	s, err := m.Trigger(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusOK, s.Status)
	require.InDelta(t, 2.0, s.OffsetMS, 0.1)
	require.True(t, m.WithinTolerance())

	snap := store.Snapshot()
	require.NotNil(t, snap.SyncOffsetMS)
	require.Equal(t, "ok", snap.SyncStatus)
}

func TestMonitorStaleDemotesToFail(t *testing.T) {
	store := testStore()
	query := func(context.Context) (Exchange, error) {
		now := time.Now().UnixNano()
		return Exchange{SlaveSendNS: now, MasterRecvNS: now, MasterSendNS: now, SlaveRecvNS: now}, nil
	}
	m := NewMonitor(syncCfg(), false, query, store)

	_, err := m.Trigger(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusOK, m.Current().Status)

	time.Sleep(250 * time.Millisecond) // past the stale window
	require.Equal(t, StatusFail, m.Current().Status)
	require.False(t, m.WithinTolerance())
}

func TestMonitorUnreachableMasterKeepsFreshSample(t *testing.T) {
	store := testStore()
	healthy := true
	query := func(context.Context) (Exchange, error) {
		if !healthy {
			return Exchange{}, errors.New("connection refused")
		}
		now := time.Now().UnixNano()
		return Exchange{SlaveSendNS: now, MasterRecvNS: now + 1e6, MasterSendNS: now + 1e6, SlaveRecvNS: now}, nil
	}
	m := NewMonitor(syncCfg(), false, query, store)

	_, err := m.Trigger(context.Background())
	require.NoError(t, err)

	// Master goes away; the last good sample is still fresh, so arming
	// stays permitted until the stale window lapses.
	healthy = false
	_, err = m.Trigger(context.Background())
	require.Error(t, err)
	require.True(t, m.WithinTolerance())

	time.Sleep(250 * time.Millisecond)
	_, _ = m.Trigger(context.Background())
	require.False(t, m.WithinTolerance())
}

func TestMasterMonitor(t *testing.T) {
	store := state.NewStore(
		config.Identity{NodeID: "CAM_C", Position: config.PositionCenter},
		config.Recording{},
	)
	m := NewMonitor(syncCfg(), true, nil, store)
	require.Equal(t, StatusMaster, m.Current().Status)
	require.True(t, m.WithinTolerance())

	s, err := m.Trigger(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusMaster, s.Status)
}
