package ontology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sensor    = "dtmi:com:willowinc:Sensor;1"
	valve     = "dtmi:com:willowinc:ValvePositionSensor;1"
	chwValve  = "dtmi:com:willowinc:ChilledWaterValvePositionSensor;1"
	tempModel = "dtmi:com:willowinc:TemperatureSensor;1"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]Model{
		{ID: sensor},
		{ID: valve, Extends: []string{sensor}},
		{ID: chwValve, Extends: []string{valve}},
		{ID: tempModel, Extends: []string{sensor, "dtmi:external:Point;1"}},
	})
	require.NoError(t, err)
	return r
}

func TestRegistry_IsA(t *testing.T) {
	r := testRegistry(t)

	assert.True(t, r.IsA(chwValve, chwValve))
	assert.True(t, r.IsA(chwValve, valve))
	assert.True(t, r.IsA(chwValve, sensor))
	assert.True(t, r.IsA("DTMI:COM:WILLOWINC:CHILLEDWATERVALVEPOSITIONSENSOR;1", valve), "ids are case insensitive")
	assert.True(t, r.IsA(tempModel, "dtmi:external:Point;1"))
	assert.False(t, r.IsA(valve, chwValve))
	assert.False(t, r.IsA(tempModel, valve))
	assert.False(t, r.IsA("", sensor))

	var empty *Registry
	assert.True(t, empty.IsA(valve, valve))
	assert.False(t, empty.IsA(chwValve, valve))

	assert.Equal(t, []string{chwValve, sensor, valve}, r.Ancestors(chwValve))
	assert.Equal(t, 4, r.Len())
}

func TestRegistry_Errors(t *testing.T) {
	_, err := NewRegistry([]Model{
		{ID: "a", Extends: []string{"b"}},
		{ID: "b", Extends: []string{"a"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "循环")

	_, err = NewRegistry([]Model{{ID: "a"}, {ID: "A"}})
	require.Error(t, err)

	_, err = NewRegistry([]Model{{}})
	require.Error(t, err)
}

func TestCapability_PointID(t *testing.T) {
	assert.Equal(t, "trend-1", Capability{TrendID: "trend-1", ExternalID: "x", ConnectorID: "c"}.PointID())
	assert.Equal(t, "c/x", Capability{ExternalID: "x", ConnectorID: "c"}.PointID())
	assert.Equal(t, "x", Capability{ExternalID: "x"}.PointID())
	assert.Equal(t, "twin-1", Capability{ID: "twin-1"}.PointID())
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	modelFile := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(modelFile, []byte(`
models:
  - id: dtmi:com:willowinc:Sensor;1
  - id: dtmi:com:willowinc:ValvePositionSensor;1
    extends: [dtmi:com:willowinc:Sensor;1]
`), 0644))
	r, err := LoadFile(modelFile)
	require.NoError(t, err)
	assert.True(t, r.IsA(valve, sensor))

	eqDir := filepath.Join(dir, "equipment")
	require.NoError(t, os.MkdirAll(eqDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(eqDir, "ahu.yaml"), []byte(`
equipment:
  - id: ahu-1
    name: AHU 1
    model_id: dtmi:com:willowinc:AirHandlingUnit;1
    properties:
      ratedPower: 15
    capabilities:
      - id: twin-chwv
        name: CHWV
        model_id: dtmi:com:willowinc:ValvePositionSensor;1
        external_id: AI-3
        connector_id: bacnet
        unit: "%"
`), 0644))
	eqs, err := LoadEquipment(eqDir)
	require.NoError(t, err)
	require.Len(t, eqs, 1)
	assert.Equal(t, "bacnet/AI-3", eqs[0].Capabilities[0].PointID())
	v, ok := eqs[0].Property("RATEDPOWER")
	assert.True(t, ok)
	assert.Equal(t, 15.0, v)

	_, err = LoadEquipment(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
