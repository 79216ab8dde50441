package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/aggregate"
	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	"github.com/gin-gonic/gin"
)

type stubRollups struct {
	rollups      []aggregate.Rollup
	err          error
	watermark    time.Time
	hasWatermark bool
	requested    aggregate.GroupBy
	windowDays   int
}

func (s *stubRollups) RollupsFor(_ context.Context, groupBy aggregate.GroupBy, _ time.Time) ([]aggregate.Rollup, error) {
	s.requested = groupBy
	return s.rollups, s.err
}

func (s *stubRollups) TrailingWindowStart(days int) time.Time {
	s.windowDays = days
	return time.Date(2024, time.February, 25, 0, 0, 0, 0, time.UTC)
}

func (s *stubRollups) Watermark(context.Context) (time.Time, bool, error) {
	return s.watermark, s.hasWatermark, s.err
}

type stubStore struct {
	names      map[string]string
	aggregates map[string][]store.AggregateRow
	events     int64
	err        error
	requested  string
}

func (s *stubStore) DimensionNames(context.Context) (map[string]string, error) {
	return s.names, nil
}

func (s *stubStore) AggregatesOn(_ context.Context, forDate string) ([]store.AggregateRow, error) {
	s.requested = forDate
	return s.aggregates[forDate], s.err
}

func (s *stubStore) CountEvents(context.Context) (int64, error) {
	return s.events, s.err
}

func (s *stubStore) CountAggregates(context.Context) (int64, error) {
	var total int64
	for _, rows := range s.aggregates {
		total += int64(len(rows))
	}
	return total, s.err
}

func newTestStore() *stubStore {
	category := "standup"
	return &stubStore{
		names:  map[string]string{"C2": "random", "C1": "general"},
		events: 7,
		aggregates: map[string][]store.AggregateRow{
			"2024-03-05 00:00:00": {
				{GroupKey: "U1", Category: &category, Count: 4, ForDate: "2024-03-05 00:00:00"},
				{GroupKey: "all", Count: 4, ForDate: "2024-03-05 00:00:00"},
			},
		},
	}
}

func newTestHandler(testContext *testing.T, rollups *stubRollups, artifactsDir string) http.Handler {
	testContext.Helper()
	return newTestHandlerWithStore(testContext, rollups, newTestStore(), artifactsDir)
}

func newTestHandlerWithStore(testContext *testing.T, rollups *stubRollups, reader *stubStore, artifactsDir string) http.Handler {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Rollups:      rollups,
		Store:        reader,
		ArtifactsDir: artifactsDir,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(method, target, http.NoBody))
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingRollupService) {
		testContext.Fatalf("expected missing rollup service, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Rollups: &stubRollups{}}); !errors.Is(err, errMissingStore) {
		testContext.Fatalf("expected missing store reader, got %v", err)
	}
}

func TestHealthz(testContext *testing.T) {
	recorder := serve(newTestHandler(testContext, &stubRollups{}, ""), http.MethodGet, "/healthz")
	if recorder.Code != http.StatusOK || recorder.Body.String() != `{"status":"ok"}` {
		testContext.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestRollupsReturnsWindowedGroups(testContext *testing.T) {
	rollups := &stubRollups{rollups: []aggregate.Rollup{
		{Group: "message", Count: 4, ForDate: "2024-03-05 00:00:00"},
	}}
	recorder := serve(newTestHandler(testContext, rollups, ""), http.MethodGet, "/rollups?group_by=category&days=3")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if rollups.requested != aggregate.GroupByCategory || rollups.windowDays != 3 {
		testContext.Fatalf("unexpected request %s %d", rollups.requested, rollups.windowDays)
	}

	var response rollupsResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if response.GroupBy != "category" || response.Since != "2024-02-25 00:00:00" {
		testContext.Fatalf("unexpected envelope %+v", response)
	}
	if len(response.Rollups) != 1 || response.Rollups[0].Group != "message" || response.Rollups[0].Count != 4 {
		testContext.Fatalf("unexpected rollups %+v", response.Rollups)
	}
}

func TestRollupsRejectsInvalidParameters(testContext *testing.T) {
	handler := newTestHandler(testContext, &stubRollups{}, "")
	cases := map[string]string{
		"/rollups?group_by=weekday": `{"error":"invalid_group_by"}`,
		"/rollups?days=0":           `{"error":"invalid_days"}`,
		"/rollups?days=ten":         `{"error":"invalid_days"}`,
	}
	for target, expected := range cases {
		recorder := serve(handler, http.MethodGet, target)
		if recorder.Code != http.StatusBadRequest || recorder.Body.String() != expected {
			testContext.Fatalf("%s: unexpected response %d %s", target, recorder.Code, recorder.Body.String())
		}
	}
}

func TestRollupsReportsServiceFailure(testContext *testing.T) {
	handler := newTestHandler(testContext, &stubRollups{err: errors.New("database is locked")}, "")
	recorder := serve(handler, http.MethodGet, "/rollups")
	if recorder.Code != http.StatusInternalServerError || recorder.Body.String() != `{"error":"rollups_failed"}` {
		testContext.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestWatermark(testContext *testing.T) {
	empty := serve(newTestHandler(testContext, &stubRollups{}, ""), http.MethodGet, "/watermark")
	if empty.Code != http.StatusOK || empty.Body.String() != `{"watermark":null}` {
		testContext.Fatalf("unexpected empty watermark %d %s", empty.Code, empty.Body.String())
	}

	rollups := &stubRollups{watermark: time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC), hasWatermark: true}
	recorder := serve(newTestHandler(testContext, rollups, ""), http.MethodGet, "/watermark")
	if recorder.Body.String() != `{"watermark":"2024-03-05 00:00:00"}` {
		testContext.Fatalf("unexpected watermark %s", recorder.Body.String())
	}
}

func TestDimensionsAreSortedByID(testContext *testing.T) {
	recorder := serve(newTestHandler(testContext, &stubRollups{}, ""), http.MethodGet, "/dimensions")
	expected := `{"dimensions":[{"id":"C1","display_name":"general"},{"id":"C2","display_name":"random"}]}`
	if recorder.Code != http.StatusOK || recorder.Body.String() != expected {
		testContext.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestArtifactsAreServedFromOutputDir(testContext *testing.T) {
	dir := testContext.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "2024", "03", "06"), 0o755); err != nil {
		testContext.Fatalf("failed to create artifact dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "2024", "03", "06", "categories.csv"), []byte("day,message\n"), 0o644); err != nil {
		testContext.Fatalf("failed to write artifact: %v", err)
	}
	recorder := serve(newTestHandler(testContext, &stubRollups{}, dir), http.MethodGet, "/artifacts/2024/03/06/categories.csv")
	if recorder.Code != http.StatusOK || recorder.Body.String() != "day,message\n" {
		testContext.Fatalf("unexpected artifact response %d %q", recorder.Code, recorder.Body.String())
	}
}

func TestCORSPreflightAllowsReads(testContext *testing.T) {
	request := httptest.NewRequest(http.MethodOptions, "/rollups", http.NoBody)
	request.Header.Set("Origin", "https://dashboard.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)

	recorder := httptest.NewRecorder()
	newTestHandler(testContext, &stubRollups{}, "").ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowMethods := recorder.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(allowMethods, http.MethodGet) {
		testContext.Fatalf("expected GET to be allowed, got %q", allowMethods)
	}
}

func TestAggregatesReturnsStoredRowsForDay(testContext *testing.T) {
	reader := newTestStore()
	recorder := serve(newTestHandlerWithStore(testContext, &stubRollups{}, reader, ""), http.MethodGet, "/aggregates?date=2024-03-05")
	expected := `{"for_date":"2024-03-05 00:00:00","aggregates":[{"group":"U1","category":"standup","count":4},{"group":"all","category":null,"count":4}]}`
	if recorder.Code != http.StatusOK || recorder.Body.String() != expected {
		testContext.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
	if reader.requested != "2024-03-05 00:00:00" {
		testContext.Fatalf("expected canonical day key, got %q", reader.requested)
	}

	empty := serve(newTestHandler(testContext, &stubRollups{}, ""), http.MethodGet, "/aggregates?date=2024-03-06")
	if empty.Code != http.StatusOK || empty.Body.String() != `{"for_date":"2024-03-06 00:00:00","aggregates":[]}` {
		testContext.Fatalf("unexpected empty day response %d %s", empty.Code, empty.Body.String())
	}
}

func TestAggregatesRejectsInvalidDate(testContext *testing.T) {
	handler := newTestHandler(testContext, &stubRollups{}, "")
	for _, target := range []string{"/aggregates", "/aggregates?date=2024-03-05%2000:00:00", "/aggregates?date=yesterday"} {
		recorder := serve(handler, http.MethodGet, target)
		if recorder.Code != http.StatusBadRequest {
			testContext.Fatalf("expected 400 for %s, got %d", target, recorder.Code)
		}
	}
}

func TestStatsCountsStoredRows(testContext *testing.T) {
	recorder := serve(newTestHandler(testContext, &stubRollups{}, ""), http.MethodGet, "/stats")
	if recorder.Code != http.StatusOK || recorder.Body.String() != `{"events":7,"aggregates":2}` {
		testContext.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}

	failing := newTestStore()
	failing.err = errors.New("database is locked")
	recorder = serve(newTestHandlerWithStore(testContext, &stubRollups{}, failing, ""), http.MethodGet, "/stats")
	if recorder.Code != http.StatusInternalServerError {
		testContext.Fatalf("expected 500 on store failure, got %d", recorder.Code)
	}
}
