package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-sync-backend/internal/model"
	"device-sync-backend/internal/provider"
)

func TestMatch_SerialBeatsName(t *testing.T) {
	locals := []model.Device{{ID: "L1", Name: "Pump", SerialNumber: "SN-1"}}
	remotes := []provider.RemoteDevice{
		{ExternalID: "r-name", Name: "Pump"},
		{ExternalID: "r-serial", Name: "Other", SerialNumber: "sn-1 "},
	}

	report := Match(locals, remotes)
	require.Len(t, report.Results, 2)

	byName := report.Results[0]
	assert.Equal(t, Unmatched, byName.Outcome)
	assert.Nil(t, byName.Local)

	bySerial := report.Results[1]
	assert.Equal(t, Matched, bySerial.Outcome)
	assert.Equal(t, TierSerial, bySerial.Tier)
	assert.Equal(t, "L1", bySerial.Local.ID)

	assert.Empty(t, report.RemoteAbsent)
}

func TestMatch_AmbiguousName(t *testing.T) {
	locals := []model.Device{
		{ID: "L1", Name: "Sensor", SerialNumber: "A"},
		{ID: "L2", Name: "Sensor", SerialNumber: "B"},
	}
	remotes := []provider.RemoteDevice{{ExternalID: "r1", Name: "Sensor"}}

	report := Match(locals, remotes)
	res := report.Results[0]
	assert.Equal(t, Ambiguous, res.Outcome)
	assert.Equal(t, TierName, res.Tier)
	assert.Nil(t, res.Local)
	assert.Len(t, res.Candidates, 2)
	assert.Empty(t, report.RemoteAbsent, "contested locals are not remote-absent")
}

func TestMatch_ExternalIDTier(t *testing.T) {
	locals := []model.Device{
		{ID: "L1", Name: "Old name", ExternalDeviceID: "ext-1"},
		{ID: "L2", Name: "Gateway"},
	}
	remotes := []provider.RemoteDevice{{ExternalID: "ext-1", Name: "New name"}}

	report := Match(locals, remotes)
	res := report.Results[0]
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, TierExternalID, res.Tier)
	assert.Equal(t, "L1", res.Local.ID)

	require.Len(t, report.RemoteAbsent, 1)
	assert.Equal(t, "L2", report.RemoteAbsent[0].ID)
}

func TestMatch_TwoRemotesWantOneLocal(t *testing.T) {
	locals := []model.Device{{ID: "L1", SerialNumber: "DUP"}}
	remotes := []provider.RemoteDevice{
		{ExternalID: "r1", SerialNumber: "DUP"},
		{ExternalID: "r2", SerialNumber: "dup"},
	}

	report := Match(locals, remotes)
	for _, res := range report.Results {
		assert.Equal(t, Ambiguous, res.Outcome)
		assert.Equal(t, TierSerial, res.Tier)
	}
	assert.Empty(t, report.RemoteAbsent)
}

func TestMatch_FallsThroughEmptyIdentifiers(t *testing.T) {
	locals := []model.Device{{ID: "L1", Name: "Relay"}}
	remotes := []provider.RemoteDevice{{ExternalID: "r1", Name: "Relay", SerialNumber: "NEW"}}

	report := Match(locals, remotes)
	res := report.Results[0]
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, TierName, res.Tier)
}

func TestMatch_CreateCandidatesAndAbsent(t *testing.T) {
	locals := []model.Device{{ID: "L1", Name: "Only local"}}
	remotes := []provider.RemoteDevice{{ExternalID: "r1", Name: "Only remote"}}

	report := Match(locals, remotes)
	assert.Equal(t, Unmatched, report.Results[0].Outcome)
	require.Len(t, report.RemoteAbsent, 1)
	assert.Equal(t, "L1", report.RemoteAbsent[0].ID)
}

func TestMatch_Empty(t *testing.T) {
	report := Match(nil, nil)
	assert.Empty(t, report.Results)
	assert.Empty(t, report.RemoteAbsent)
}
