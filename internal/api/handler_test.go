package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posttrade/internal/aggregate"
	"posttrade/internal/model"
	"posttrade/internal/provider"
	"posttrade/internal/report"
	"posttrade/internal/schema"
	"posttrade/internal/service"
)

const testLoadBody = `{"from":"2024-03-04","to":"2024-03-06"}`

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testEnv struct {
	echo   *echo.Echo
	loader *service.Loader
}

func newTestEnv(t *testing.T, publisher service.EventPublisher) *testEnv {
	t.Helper()
	v, err := schema.NewValidator(schema.DefaultConfig())
	require.NoError(t, err)
	agg, err := aggregate.NewAggregator(aggregate.DefaultConfig())
	require.NoError(t, err)
	p, err := provider.NewFakeProvider(provider.FakeConfig{Rows: 60, Seed: 7}, schema.DefaultConfig())
	require.NoError(t, err)

	loader := service.NewLoader(p, service.NewPipeline(v, agg, nil), publisher, nil)
	h := NewHandler(loader, publisher, report.NewPresetStore(t.TempDir()), v.Columns())
	srv := NewServer(h, ServerConfig{Addr: ":0"}, prometheus.NewRegistry())
	return &testEnv{echo: srv.Echo(), loader: loader}
}

func (env *testEnv) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	var resp envelope
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func (env *testEnv) load(t *testing.T) {
	t.Helper()
	rec, _ := env.do(t, http.MethodPost, "/api/load", testLoadBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeData(t *testing.T, resp envelope, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

type listPayload[T any] struct {
	Rows  []T `json:"rows"`
	Total int `json:"total"`
}

type tablePayload struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Total   int        `json:"total"`
}

type instrumentPayload struct {
	Instrument string   `json:"instrument"`
	Days       []string `json:"days"`
}

func firstInstrumentDay(t *testing.T, env *testEnv) (string, string) {
	t.Helper()
	_, resp := env.do(t, http.MethodGet, "/api/instruments", "")
	var instruments []instrumentPayload
	decodeData(t, resp, &instruments)
	require.NotEmpty(t, instruments)
	require.NotEmpty(t, instruments[0].Days)
	return instruments[0].Instrument, instruments[0].Days[0]
}

// Test_Handler_NoSnapshot tests that read endpoints answer 404 before the first load.
func Test_Handler_NoSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, target := range []string{
		"/api/instruments",
		"/api/sheets/raw",
		"/api/sheets/instrument-day",
		"/api/discrepancies",
		"/api/report",
		"/api/detail?instrument=DAX_CALL&day=2024-03-04",
	} {
		t.Run(target, func(t *testing.T) {
			rec, resp := env.do(t, http.MethodGet, target, "")
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, http.StatusNotFound, resp.Status)
		})
	}
}

// Test_Handler_Load tests the load endpoint and its input validation.
func Test_Handler_Load(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		expectedCode int
		errorCode    string
	}{
		{name: "Valid range", body: testLoadBody, expectedCode: http.StatusOK},
		{name: "Malformed date", body: `{"from":"2024-3-4","to":"2024-03-06"}`, expectedCode: http.StatusBadRequest, errorCode: "ERR_DATETIME"},
		{name: "Inverted range", body: `{"from":"2024-03-06","to":"2024-03-04"}`, expectedCode: http.StatusBadRequest, errorCode: "ERR_BAD_REQUEST"},
		{name: "Broken JSON", body: `{"from":`, expectedCode: http.StatusBadRequest, errorCode: "ERR_UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec, resp := env.do(t, http.MethodPost, "/api/load", tt.body)
			assert.Equal(t, tt.expectedCode, rec.Code, rec.Body.String())

			if tt.errorCode != "" {
				var errs []ValidationError
				decodeData(t, resp, &errs)
				require.NotEmpty(t, errs)
				assert.Equal(t, tt.errorCode, errs[0].Code)
				return
			}

			var payload struct {
				LoadID        string `json:"loadId"`
				Fingerprint   string `json:"fingerprint"`
				From          string `json:"from"`
				To            string `json:"to"`
				Rows          int    `json:"rows"`
				Groups        int    `json:"groups"`
				Discrepancies int    `json:"discrepancies"`
			}
			decodeData(t, resp, &payload)
			assert.NotEmpty(t, payload.LoadID)
			assert.NotEmpty(t, payload.Fingerprint)
			assert.Equal(t, "2024-03-04", payload.From)
			assert.Equal(t, "2024-03-06", payload.To)
			assert.Equal(t, 60, payload.Rows)
			assert.Positive(t, payload.Groups)
			assert.Zero(t, payload.Discrepancies, "Generated data reconciles")
		})
	}
}

// Test_Handler_Load_DefaultRange tests that omitted bounds select the week ending today.
func Test_Handler_Load_DefaultRange(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, resp := env.do(t, http.MethodPost, "/api/load", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	decodeData(t, resp, &payload)

	to := model.NewTradeDay(time.Now())
	assert.Equal(t, to.String(), payload.To)
	assert.Equal(t, model.NewTradeDay(to.Time().AddDate(0, 0, -6)).String(), payload.From)
}

// Test_Handler_RawSheet tests paging and column selection of the raw sheet.
func Test_Handler_RawSheet(t *testing.T) {
	env := newTestEnv(t, nil)
	env.load(t)

	rec, resp := env.do(t, http.MethodGet, "/api/sheets/raw?offset=10&limit=5&columns=tradeNr,instrument,nope", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var table tablePayload
	decodeData(t, resp, &table)
	assert.Equal(t, []string{model.ColTradeNr, model.ColInstrument}, table.Columns)
	assert.Len(t, table.Rows, 5)
	assert.Equal(t, 60, table.Total)
	for _, row := range table.Rows {
		assert.Len(t, row, 2)
		assert.NotEmpty(t, row[0])
	}

	rec, resp = env.do(t, http.MethodGet, "/api/sheets/raw?offset=58&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, resp, &table)
	assert.Len(t, table.Rows, 2)
	assert.Len(t, table.Columns, schema.DefaultConfig().TotalColumns)

	rec, _ = env.do(t, http.MethodGet, "/api/sheets/raw?limit=60000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Test_Handler_InstrumentDaySheet tests group listing with filters.
func Test_Handler_InstrumentDaySheet(t *testing.T) {
	env := newTestEnv(t, nil)
	env.load(t)
	instrument, day := firstInstrumentDay(t, env)

	type group struct {
		Instrument string `json:"instrument"`
		Day        string `json:"day"`
		Count      int    `json:"count"`
		Values     map[string]struct {
			End *string `json:"end"`
		} `json:"values"`
	}

	rec, resp := env.do(t, http.MethodGet, "/api/sheets/instrument-day", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all listPayload[group]
	decodeData(t, resp, &all)

	count := 0
	for _, g := range all.Rows {
		count += g.Count
		assert.Len(t, g.Values, model.NumCumulative)
	}
	assert.Equal(t, 60, count, "Every trade belongs to exactly one group")

	rec, resp = env.do(t, http.MethodGet, "/api/sheets/instrument-day?instrument="+instrument+"&from="+day+"&to="+day, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered listPayload[group]
	decodeData(t, resp, &filtered)
	require.Len(t, filtered.Rows, 1)
	assert.Equal(t, instrument, filtered.Rows[0].Instrument)
	assert.Equal(t, day, filtered.Rows[0].Day)

	rec, _ = env.do(t, http.MethodGet, "/api/sheets/instrument-day?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Test_Handler_Discrepancies tests the discrepancy listing.
func Test_Handler_Discrepancies(t *testing.T) {
	env := newTestEnv(t, nil)
	env.load(t)

	rec, resp := env.do(t, http.MethodGet, "/api/discrepancies?column=Total", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list listPayload[json.RawMessage]
	decodeData(t, resp, &list)
	assert.Zero(t, list.Total)
	assert.Empty(t, list.Rows)

	rec, _ = env.do(t, http.MethodGet, "/api/discrepancies?column=Nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Test_Handler_Detail tests the instrument-day detail view.
func Test_Handler_Detail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.load(t)
	instrument, day := firstInstrumentDay(t, env)
	base := "/api/detail?instrument=" + instrument + "&day=" + day

	type detail struct {
		Detail struct {
			Instrument string `json:"instrument"`
			Day        string `json:"day"`
			BaseCount  int    `json:"baseCount"`
			PreUSOpen  int    `json:"preUsOpen"`
			PostUSOpen int    `json:"postUsOpen"`
		} `json:"detail"`
		Table tablePayload `json:"table"`
	}

	rec, resp := env.do(t, http.MethodGet, base+"&columns=tradeNr,tradeTime", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var all detail
	decodeData(t, resp, &all)
	assert.Equal(t, instrument, all.Detail.Instrument)
	assert.Equal(t, day, all.Detail.Day)
	assert.Positive(t, all.Detail.BaseCount)
	assert.Len(t, all.Table.Rows, all.Detail.BaseCount)
	assert.Equal(t, all.Detail.BaseCount, all.Detail.PreUSOpen+all.Detail.PostUSOpen)

	rec, resp = env.do(t, http.MethodGet, base+"&flags=flag_00:true&sort=tradeNr&desc=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var filtered detail
	decodeData(t, resp, &filtered)
	assert.Equal(t, all.Detail.BaseCount, filtered.Detail.BaseCount)
	assert.LessOrEqual(t, len(filtered.Table.Rows), filtered.Detail.BaseCount)

	for _, query := range []string{
		"/api/detail?day=" + day,
		"/api/detail?instrument=" + instrument,
		base + "&flags=flag_00",
		base + "&flags=flag_00:maybe",
		base + "&flags=instrument:true",
		base + "&sort=nope",
	} {
		t.Run(query, func(t *testing.T) {
			rec, _ := env.do(t, http.MethodGet, query, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

type reportPayload struct {
	Report struct {
		From    string   `json:"from"`
		To      string   `json:"to"`
		Mode    string   `json:"mode"`
		N       int      `json:"n"`
		Rows    int      `json:"rows"`
		Metrics []string `json:"metrics"`
		Lines   []struct {
			Metric   string `json:"metric"`
			RankType string `json:"rankType"`
			IsTotal  bool   `json:"isTotal"`
		} `json:"lines"`
	} `json:"report"`
	Summary []string `json:"summary"`
}

// Test_Handler_Report tests report building over the current snapshot.
func Test_Handler_Report(t *testing.T) {
	env := newTestEnv(t, nil)
	env.load(t)

	rec, resp := env.do(t, http.MethodGet, "/api/report?metrics=Total&n=3&mode=Abs(Value)&from=2024-03-06&to=2024-03-04", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload reportPayload
	decodeData(t, resp, &payload)
	assert.Equal(t, "2024-03-04", payload.Report.From, "Inverted range is swapped")
	assert.Equal(t, "2024-03-06", payload.Report.To)
	assert.Equal(t, string(report.ModeAbs), payload.Report.Mode)
	assert.Equal(t, []string{"Total"}, payload.Report.Metrics)
	require.Positive(t, payload.Report.Rows)

	perBlock := min(3, payload.Report.Rows) + 1
	assert.Len(t, payload.Report.Lines, 2*perBlock)
	assert.True(t, payload.Report.Lines[perBlock-1].IsTotal)
	assert.Equal(t, report.RankBottom, payload.Report.Lines[0].RankType, "Blocks are ordered by rank type name")
	assert.Equal(t, report.RankTop, payload.Report.Lines[perBlock].RankType)
	assert.NotEmpty(t, payload.Summary)

	rec, _ = env.do(t, http.MethodGet, "/api/report?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMETextHTML)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "report_")
	assert.Contains(t, rec.Body.String(), "Post-Trade Report")

	for _, query := range []string{
		"/api/report?metrics=Nope",
		"/api/report?top=false&bottom=false",
		"/api/report?mode=Median",
		"/api/report?format=pdf",
		"/api/report?from=2024-13-01",
	} {
		t.Run(query, func(t *testing.T) {
			rec, _ := env.do(t, http.MethodGet, query, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// Test_Handler_Presets tests saving, listing and applying report presets.
func Test_Handler_Presets(t *testing.T) {
	env := newTestEnv(t, nil)
	env.load(t)

	rec, resp := env.do(t, http.MethodGet, "/api/report/presets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var names listPayload[string]
	decodeData(t, resp, &names)
	assert.Empty(t, names.Rows)

	body := `{"n":2,"mode":"Value","include_top":true,"include_bottom":false,"metrics":["PremiaCum"],"fields":["instrument"]}`
	rec, resp = env.do(t, http.MethodPost, "/api/report/presets/weekly", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var saved struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	decodeData(t, resp, &saved)
	assert.Equal(t, "weekly", saved.Name)
	assert.True(t, strings.HasSuffix(saved.Path, "weekly.json"))

	rec, resp = env.do(t, http.MethodGet, "/api/report/presets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, resp, &names)
	assert.Equal(t, []string{"weekly"}, names.Rows)

	rec, resp = env.do(t, http.MethodGet, "/api/report/presets/weekly", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var preset report.Preset
	decodeData(t, resp, &preset)
	assert.Equal(t, 2, preset.N)
	assert.Equal(t, []string{"PremiaCum"}, preset.Metrics)

	rec, resp = env.do(t, http.MethodGet, "/api/report?preset=weekly", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var payload reportPayload
	decodeData(t, resp, &payload)
	require.NotEmpty(t, payload.Report.Lines)
	for _, l := range payload.Report.Lines {
		assert.Equal(t, "PremiaCum", l.Metric)
		assert.Equal(t, report.RankTop, l.RankType)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/report/presets/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = env.do(t, http.MethodGet, "/api/report?preset=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/report/presets/empty", `{"include_top":true,"metrics":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = env.do(t, http.MethodPost, "/api/report/presets/dated", `{"from":"someday","include_top":true,"metrics":["Total"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Test_Handler_Events tests the server-sent event stream.
func Test_Handler_Events(t *testing.T) {
	b := service.NewBroadcaster(service.BroadcasterConfig{})
	env := newTestEnv(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, env.loader.Start(ctx))
	defer env.loader.Stop()

	srv := httptest.NewServer(env.echo)
	defer srv.Close()

	rec, _ := env.do(t, http.MethodGet, "/api/events?kinds=exploded", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/api/events?kinds=loaded", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return name, data
			}
		}
	}

	name, data := readEvent()
	assert.Equal(t, "connected", name)
	assert.Contains(t, data, "subscriberId")
	time.Sleep(20 * time.Millisecond)

	env.load(t)

	name, data = readEvent()
	assert.Equal(t, service.EventLoaded, name)
	var ev struct {
		Kind string `json:"kind"`
		Rows int    `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, service.EventLoaded, ev.Kind)
	assert.Equal(t, 60, ev.Rows)
}

// Test_Handler_WebSocket tests load events over WebSocket.
func Test_Handler_WebSocket(t *testing.T) {
	b := service.NewBroadcaster(service.BroadcasterConfig{})
	env := newTestEnv(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, env.loader.Start(ctx))
	defer env.loader.Stop()

	srv := httptest.NewServer(env.echo)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws?kinds=loaded", nil)
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	env.load(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev struct {
		Kind   string `json:"kind"`
		LoadID string `json:"loadId"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, service.EventLoaded, ev.Kind)
	assert.NotEmpty(t, ev.LoadID)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws?kinds=exploded", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// Test_Handler_Events_Disabled tests the stream without a publisher.
func Test_Handler_Events_Disabled(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, target := range []string{"/api/events", "/api/ws"} {
		rec, _ := env.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}
}

// Test_Server_Metrics tests that the metrics endpoint is exposed.
func Test_Server_Metrics(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
