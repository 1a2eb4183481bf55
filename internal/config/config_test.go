package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, mgr, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, mgr)

	assert.Equal(t, "fault-engine-001", cfg.Engine.ID)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 30*time.Minute, cfg.MaxSampleAge())
	assert.Equal(t, 5*time.Second, cfg.Engine.FlushInterval.Duration())
	assert.Equal(t, "embedded", cfg.NATS.URL)
	assert.Equal(t, "sqlite", cfg.Store.Insights)
	assert.Equal(t, "memory", cfg.Store.Snapshots)
	assert.Nil(t, cfg.Redis)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "engine.yaml", `
engine:
  id: plant-a
  workers: 8
  max_sample_age: 10m
rules:
  dir: /etc/fault/rules
store:
  snapshots: redis
redis:
  addr: localhost:6379
southbound:
  adapters:
    - name: history
      type: csv
      path: data.csv
northbound:
  sinks:
    - name: out
      type: console
`)
	cfg, _, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "plant-a", cfg.Engine.ID)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 10*time.Minute, cfg.MaxSampleAge())
	assert.Equal(t, "/etc/fault/rules", cfg.Rules.Dir)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, GetDefaultRedisConfig().KeyPrefix, cfg.Redis.KeyPrefix)
	require.Len(t, cfg.Southbound.Adapters, 1)
	require.Len(t, cfg.Northbound.Sinks, 1)

	src, err := NewParserWithDefaults(GetDefaultCSVSourceConfig()).Parse(cfg.Southbound.Adapters[0])
	require.NoError(t, err)
	assert.Equal(t, "data.csv", src.Path)
	assert.Equal(t, "csv", src.Type)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeFile(t, "bad.yaml", "engine:\n  log_level: loud\n")
	_, _, err := Load(path)
	assert.Error(t, err)

	path = writeFile(t, "bad2.yaml", "store:\n  insights: postgres\n")
	_, _, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.insights")
}

func TestParser_Validation(t *testing.T) {
	p := NewParserWithDefaults(GetDefaultNATSSinkConfig())

	_, err := p.Parse(json.RawMessage(`{"name":"n","type":"nats","jetstream":true,"stream":""}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream")

	cfg, err := p.Parse(json.RawMessage(`{"name":"n","type":"nats","jetstream":true,"stream":"INSIGHTS"}`))
	require.NoError(t, err)
	assert.Equal(t, "insights.{equipment_id}", cfg.Subject)

	_, err = NewParser[MQTTSubConfig]().Parse(json.RawMessage(`{"name":"m","type":"mqtt_sub","broker":"tcp://localhost:1883"}`))
	assert.Error(t, err, "topics are required")
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())
	require.NoError(t, json.Unmarshal([]byte(`250`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Duration())
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	data, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"1m0s"`, string(data))
}

func TestManager_GetAs(t *testing.T) {
	path := writeFile(t, "c.json", `{"nats":{"url":"nats://remote:4222"}}`)
	mgr, err := NewManager(path)
	require.NoError(t, err)
	require.NoError(t, mgr.Load())

	var nc NATSConfig
	require.NoError(t, mgr.GetAs("nats", &nc))
	assert.Equal(t, "nats://remote:4222", nc.URL)
	assert.Equal(t, 4222, nc.Port, "defaults merge with file values")

	assert.Error(t, mgr.GetAs("missing.key", &nc))
}

func TestManager_HotReload(t *testing.T) {
	path := writeFile(t, "hot.yaml", "engine:\n  log_level: info\n")
	mgr, err := NewManager(path)
	require.NoError(t, err)
	require.NoError(t, mgr.Load())

	changed := make(chan interface{}, 4)
	require.NoError(t, mgr.Watch("engine.log_level", func(v interface{}) { changed <- v }))
	require.NoError(t, mgr.Watch("engine.workers", func(v interface{}) { t.Errorf("unchanged key notified: %v", v) }))
	require.NoError(t, mgr.EnableHotReload())

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  log_level: debug\n"), 0o644))
	select {
	case v := <-changed:
		assert.Equal(t, "debug", v)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher not notified")
	}

	assert.Error(t, mgr.Watch("", nil))
}
