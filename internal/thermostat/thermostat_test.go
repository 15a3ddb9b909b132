package thermostat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHvacModeValues(t *testing.T) {
	assert.Equal(t, 0, int(HvacOff))
	assert.Equal(t, 3, int(HvacHeatCool))
	assert.Equal(t, 6, int(HvacProgramHeatCool))
	assert.Equal(t, "HeatCool", HvacHeatCool.String())
	assert.Equal(t, "HvacMode(9)", HvacMode(9).String())
}

func TestParseHvacMode(t *testing.T) {
	tests := []struct {
		in   string
		want HvacMode
	}{
		{"off", HvacOff},
		{"Heat", HvacHeat},
		{"heatcool", HvacHeatCool},
		{"2", HvacCool},
		{" ProgramCool ", HvacProgramCool},
	}
	for _, tt := range tests {
		got, err := ParseHvacMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	_, err := ParseHvacMode("turbo")
	assert.Error(t, err)
}

func TestParseFanMode(t *testing.T) {
	f, err := ParseFanMode("AlwaysOn")
	require.NoError(t, err)
	assert.Equal(t, FanAlwaysOn, f)

	f, err = ParseFanMode("0")
	require.NoError(t, err)
	assert.Equal(t, FanAuto, f)

	_, err = ParseFanMode("sometimes")
	assert.Error(t, err)
}

func TestActionKinds(t *testing.T) {
	assert.True(t, SetHvacMode.Valid())
	assert.False(t, ActionKind("Explode").Valid())
	assert.True(t, RequestSetpoints.IsRequest())
	assert.False(t, SetCoolSetpoint.IsRequest())
	assert.True(t, RequestStatus.Valid())
	assert.False(t, UniversalKind("Reboot").Valid())
}

func TestNumber(t *testing.T) {
	for _, v := range []any{72.0, float32(72), 72, int64(72)} {
		n, ok := Number(v)
		assert.True(t, ok)
		assert.Equal(t, 72.0, n)
	}
	_, ok := Number("72")
	assert.False(t, ok)
}
