package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fault-engine/internal/engine"
	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/metrics"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/ontology"
	"github.com/y001j/fault-engine/internal/rules"
	"github.com/y001j/fault-engine/internal/store"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	rule := &rules.Rule{
		ID:   "chw-valve-high",
		Name: "CHW valve stuck open",
		Parameters: []rules.RuleParameter{
			{Name: "Result", FieldID: "result", Expression: "[CHWV] > 90"},
		},
		Elements: []rules.RuleUIElement{rules.OverHowManyHours.With(0.5), rules.PercentageOfTime.With(0.5)},
	}
	fan := &rules.Rule{
		ID:         "fan-missing",
		Parameters: []rules.RuleParameter{{Name: "Result", FieldID: "result", Expression: "[FanSpeed] > 10"}},
	}
	equipment := []ontology.EquipmentContext{
		{ID: "ahu-1", Name: "AHU 1", Capabilities: []ontology.Capability{{Name: "CHWV", TrendID: "ahu1.chwv"}}},
	}

	e := engine.New(engine.Options{Workers: 1})
	_, err := e.Load(context.Background(), []*rules.Rule{rule, fan}, equipment)
	require.NoError(t, err)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var values []model.TimedValue
	for i := 0; i < 8; i++ {
		values = append(values, model.NewTimedValue("ahu1.chwv", t0.Add(time.Duration(15*i)*time.Minute), 95))
	}
	require.NoError(t, engine.NewPipeline(e, engine.PipelineOptions{}).Replay(context.Background(), values))
	return e
}

type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestInsightRoutes(t *testing.T) {
	e := testEngine(t)
	router := NewRouter(Deps{EngineID: "test", Started: time.Now(), Engine: e})
	id := rules.InstanceID("chw-valve-high", "ahu-1")

	w, env := do(t, router, http.MethodGet, "/api/v1/insights?faulty=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data       []insight.Insight `json:"data"`
		Pagination struct{ Total int } `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Pagination.Total)
	require.Len(t, page.Data, 1)
	assert.Equal(t, id, page.Data[0].ID)

	w, _ = do(t, router, http.MethodGet, "/api/v1/insights?status=Bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = do(t, router, http.MethodGet, "/api/v1/insights/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var in insight.Insight
	require.NoError(t, json.Unmarshal(env.Data, &in))
	assert.True(t, in.IsFaulty)

	w, _ = do(t, router, http.MethodGet, "/api/v1/insights/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, router, http.MethodPut, "/api/v1/insights/"+id+"/status", `{"status":"InProgress"}`)
	require.Equal(t, http.StatusOK, w.Code)
	got, _ := e.Insight(id)
	assert.Equal(t, insight.StatusInProgress, got.Status)

	w, _ = do(t, router, http.MethodPut, "/api/v1/insights/"+id+"/status", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, router, http.MethodPut, "/api/v1/insights/missing/status", `{"status":"Open"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInsightRoutes_StoreFallback(t *testing.T) {
	mem := store.NewMemoryStore()
	archived := &insight.Insight{ID: "archived", RuleID: "old", Status: insight.StatusResolved}
	require.NoError(t, mem.SaveInsights(context.Background(), []*insight.Insight{archived}))

	router := NewRouter(Deps{Engine: testEngine(t), Store: mem})
	w, env := do(t, router, http.MethodGet, "/api/v1/insights/archived", "")
	require.Equal(t, http.StatusOK, w.Code)
	var in insight.Insight
	require.NoError(t, json.Unmarshal(env.Data, &in))
	assert.Equal(t, "old", in.RuleID)
}

func TestInstancesRoute(t *testing.T) {
	router := NewRouter(Deps{Engine: testEngine(t)})

	w, env := do(t, router, http.MethodGet, "/api/v1/instances?invalid=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []struct {
		RuleID string            `json:"rule_id"`
		Valid  bool              `json:"valid"`
		Failed map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "fan-missing", list[0].RuleID)
	assert.False(t, list[0].Valid)
	assert.Contains(t, list[0].Failed, "Result")
}

func TestSystemRoutes(t *testing.T) {
	m := metrics.New()
	m.SetFaulty(1)
	router := NewRouter(Deps{EngineID: "engine-1", Started: time.Now(), Engine: testEngine(t), Metrics: m})

	w, _ := do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"nats":"disabled"`)

	w, env := do(t, router, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		EngineID string       `json:"engine_id"`
		Engine   engine.Stats `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, "engine-1", status.EngineID)
	assert.Equal(t, 2, status.Engine.Instances)

	w, _ = do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fault_engine_faulty_insights 1")
}

func TestInsightRoutes_Pagination(t *testing.T) {
	router := NewRouter(Deps{Engine: testEngine(t)})

	w, env := do(t, router, http.MethodGet, "/api/v1/insights?offset=1&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data       []insight.Insight `json:"data"`
		Pagination struct {
			Total  int `json:"total"`
			Offset int `json:"offset"`
			Limit  int `json:"limit"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 2, page.Pagination.Total)
	assert.Equal(t, 1, page.Pagination.Offset)
	assert.Len(t, page.Data, 1)

	_, env = do(t, router, http.MethodGet, "/api/v1/insights?offset=10&limit=abc", "")
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Empty(t, page.Data)
	assert.Equal(t, defaultLimit, page.Pagination.Limit)
}
