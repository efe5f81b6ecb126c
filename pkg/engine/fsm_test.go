package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTableIsTotal(t *testing.T) {
	require.NoError(t, validateTable(transitionTable()))
}

func TestValidateTableReportsMissingEvent(t *testing.T) {
	tbl := transitionTable()
	delete(tbl[StateSync], EvWake)
	err := validateTable(tbl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing event")
}

func TestValidateTableReportsMissingRow(t *testing.T) {
	tbl := transitionTable()
	delete(tbl, StateParked)
	err := validateTable(tbl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no row")
}

func TestWorkingStates(t *testing.T) {
	working := map[State]bool{
		StateDiscovery:   true,
		StateConnAuth:    true,
		StateFolderSync:  true,
		StateSync:        true,
		StateIdle:        true,
		StateQueuedOp:    true,
		StateHotQueuedOp: true,
		StateFetch:       true,
	}
	for _, s := range allStates {
		assert.Equal(t, working[s], s.working(), "state %v", s)
	}
}

func TestWorkingStatesShareThePickRow(t *testing.T) {
	tbl := newTable()
	for _, s := range []State{StateSync, StateIdle, StateQueuedOp, StateHotQueuedOp, StateFetch} {
		row := tbl[s]
		assert.True(t, row[EvSuccess].pick, "%v success", s)
		assert.True(t, row[EvTempFail].pick, "%v temp-fail", s)
		assert.True(t, row[EvHardFail].pick, "%v hard-fail", s)
		assert.Equal(t, StateCredentialWait, row[EvAuthFail].next, "%v auth-fail", s)
		assert.Equal(t, StateParked, row[EvPark].next, "%v park", s)
	}
}

func TestOnlyIdleReactsToWake(t *testing.T) {
	tbl := newTable()
	assert.True(t, tbl[StateIdle][EvWake].pick)
	assert.True(t, tbl[StateSync][EvWake].ignore)
	assert.True(t, tbl[StateQueuedOp][EvWake].ignore)
}

func TestCredentialWaitRedrivesDiscovery(t *testing.T) {
	tbl := newTable()
	assert.Equal(t, StateDiscovery, tbl[StateCredentialWait][EvCredentialsSet].next)
	assert.Equal(t, StateDiscovery, tbl[StateServerConfigWait][EvServerConfigSet].next)
	assert.Equal(t, StateServerConfigWait, tbl[StateDiscovery][EvGiveUp].next)
	assert.Equal(t, StateServerConfigWait, tbl[StateConnAuth][EvGiveUp].next)
}

func TestParkedIgnoresEverythingButResume(t *testing.T) {
	tbl := newTable()
	for _, k := range allEvents {
		cell := tbl[StateParked][k]
		if k == EvResume {
			assert.True(t, cell.resume)
			continue
		}
		assert.True(t, cell.ignore, "parked should ignore %v", k)
	}
}

func TestNameFallbacks(t *testing.T) {
	assert.Equal(t, "sync", StateSync.String())
	assert.Equal(t, "state(99)", State(99).String())
	assert.Equal(t, "wake", EvWake.String())
	assert.Equal(t, "event(99)", EventKind(99).String())
}
