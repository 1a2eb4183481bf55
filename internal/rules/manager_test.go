package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlRules = `
rules:
  - id: chw-valve-high
    name: Chilled water valve stuck open
    primary_model_id: dtmi:com:willowinc:AirHandlingUnit;1
    parameters:
      - name: Valve
        field_id: valve
        expression: "[CHWV]"
        units: "%"
      - name: Result
        field_id: result
        expression: "[valve] > 90"
    elements:
      - id: OverHowManyHours
        value: 1
      - id: PercentageOfTime
        value: 0.9
    description: "Valve at {valve} for {TIME} seconds FAULTYTEXT(check actuator)"
  - id: disabled-rule
    enabled: false
    parameters:
      - field_id: result
        expression: "true"
`

const jsonRule = `{
  "id": "zone-hot",
  "parameters": [{"name": "Result", "field_id": "result", "expression": "[Zone Temp] > 25"}]
}`

func TestManager_LoadRules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ahu.yaml"), []byte(yamlRules), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zone.json"), []byte(jsonRule), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("rules: [::"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0644))

	m := NewManager(dir)
	require.NoError(t, m.LoadRules())

	all := m.ListRules()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"chw-valve-high", "disabled-rule", "zone-hot"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Len(t, m.GetEnabledRules(), 2)

	rule, err := m.GetRule("chw-valve-high")
	require.NoError(t, err)
	assert.Equal(t, 0.9, rule.ElementValue(PercentageOfTime))
	assert.Equal(t, 0.0, rule.ElementValue(PercentageOfTimeOff))
	assert.Equal(t, 1.0, rule.ElementValue(OverHowManyHours))
	assert.Equal(t, "%", rule.Parameters[0].Units)

	_, err = m.GetRule("nope")
	assert.Error(t, err)
	assert.Equal(t, 3, m.GetStats()["rules_total"])
}

func TestLoadRuleFile_Validation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: ok
  parameters:
    - field_id: result
      expression: "true"
- id: dup
  parameters:
    - field_id: a
      expression: "1"
    - field_id: A
      expression: "2"
- id: empty
`), 0644))

	rules, err := LoadRuleFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "ok", rules[0].ID)

	_, err = LoadRuleFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ErrorTypeRule, GetErrorType(err))
}

func TestManager_WatchChanges(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.LoadRules())
	events, err := m.WatchChanges()
	require.NoError(t, err)
	defer m.Close()

	path := filepath.Join(dir, "zone.json")
	require.NoError(t, os.WriteFile(path, []byte(jsonRule), 0644))

	select {
	case evt := <-events:
		assert.Equal(t, "zone-hot", evt.Rule.ID)
		assert.Contains(t, []string{"create", "update"}, evt.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event")
	}

	require.Eventually(t, func() bool {
		_, err := m.GetRule("zone-hot")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := m.GetRule("zone-hot")
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRuleError(t *testing.T) {
	err := NewSourceError(ErrCodeSourceRead, "读取失败", os.ErrNotExist).WithContext("file", "x.csv")
	assert.True(t, IsRetryableError(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, ErrorTypeSource, GetErrorType(err))
	assert.Contains(t, err.Error(), "[source:SRC_READ]")
	assert.False(t, IsRetryableError(os.ErrNotExist))
}
