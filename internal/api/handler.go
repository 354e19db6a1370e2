// Package api exposes loaded trade snapshots, reports and load events over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"posttrade/internal/model"
	"posttrade/internal/report"
	"posttrade/internal/service"
	"posttrade/internal/sheets"
	"posttrade/internal/timeutil"
	"posttrade/internal/websocket"
)

var errBadQuery = errors.New("bad query")

// Snapshots loads trade data and serves the current snapshot.
type Snapshots interface {
	Load(ctx context.Context, from, to model.TradeDay) (*service.Result, error)
	Current() (*service.Result, error)
}

// Handler serves the analyzer API.
type Handler struct {
	snapshots Snapshots
	publisher service.EventPublisher
	presets   *report.PresetStore
	columns   []string // Every table column in schema order
}

// NewHandler creates a handler. publisher may be nil, which disables /api/events.
func NewHandler(snapshots Snapshots, publisher service.EventPublisher, presets *report.PresetStore, columns []string) *Handler {
	return &Handler{
		snapshots: snapshots,
		publisher: publisher,
		presets:   presets,
		columns:   columns,
	}
}

// RegisterRoutes registers the API routes on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.POST("/load", h.Load)
	g.GET("/instruments", h.Instruments)
	g.GET("/sheets/raw", h.RawSheet)
	g.GET("/sheets/instrument-day", h.InstrumentDaySheet)
	g.GET("/discrepancies", h.Discrepancies)
	g.GET("/detail", h.Detail)
	g.GET("/report", h.Report)
	g.GET("/report/presets", h.ListPresets)
	g.GET("/report/presets/:name", h.GetPreset)
	g.POST("/report/presets/:name", h.SavePreset)
	g.GET("/events", h.Events)
	g.GET("/ws", h.WebSocket)
}

type loadRequest struct {
	From string `json:"from" validate:"omitempty,datetime=2006-01-02"`
	To   string `json:"to" validate:"omitempty,datetime=2006-01-02"`
}

type loadResponse struct {
	LoadID        string         `json:"loadId"`
	Fingerprint   string         `json:"fingerprint"`
	LoadedAt      time.Time      `json:"loadedAt"`
	From          model.TradeDay `json:"from"`
	To            model.TradeDay `json:"to"`
	Rows          int            `json:"rows"`
	Groups        int            `json:"groups"`
	Discrepancies int            `json:"discrepancies"`
}

func newLoadResponse(res *service.Result) loadResponse {
	return loadResponse{
		LoadID:        res.LoadID.String(),
		Fingerprint:   res.Fingerprint,
		LoadedAt:      res.LoadedAt,
		From:          res.From,
		To:            res.To,
		Rows:          res.Raw.Len(),
		Groups:        len(res.InstrumentDay.Groups),
		Discrepancies: len(res.Discrepancies),
	}
}

// Load fetches the requested day range and publishes a new snapshot. Missing
// bounds default to the week ending today.
func (h *Handler) Load(c echo.Context) error {
	var req loadRequest
	if errs := ReadAndValidateRequest(c, &req); errs != nil {
		return BadRequestResponse(c, errs)
	}

	from, to, err := timeutil.ParseRange(req.From, req.To, time.Now())
	if err != nil {
		return ErrorResponse(c, err)
	}

	res, err := h.snapshots.Load(c.Request().Context(), from, to)
	if err != nil {
		return ErrorResponse(c, err)
	}
	return SuccessResponse(c, newLoadResponse(res))
}

type instrumentView struct {
	Instrument string           `json:"instrument"`
	Days       []model.TradeDay `json:"days"`
}

// Instruments lists the instruments of the current snapshot with their trade days.
func (h *Handler) Instruments(c echo.Context) error {
	res, err := h.snapshots.Current()
	if err != nil {
		return ErrorResponse(c, err)
	}

	instruments := sheets.Instruments(res.Raw)
	out := make([]instrumentView, 0, len(instruments))
	for _, inst := range instruments {
		out = append(out, instrumentView{Instrument: inst, Days: sheets.Days(res.Raw, inst)})
	}
	return SuccessResponse(c, out)
}

type rawSheetRequest struct {
	Offset  int    `query:"offset" validate:"gte=0"`
	Limit   int    `query:"limit" default:"500" validate:"gte=1,lte=50000"`
	Columns string `query:"columns"`
}

type tableView struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Total   int        `json:"total"`
}

// RawSheet returns one page of the raw sheet with formatted cells.
func (h *Handler) RawSheet(c echo.Context) error {
	var req rawSheetRequest
	if errs := ReadAndValidateRequest(c, &req); errs != nil {
		return BadRequestResponse(c, errs)
	}

	res, err := h.snapshots.Current()
	if err != nil {
		return ErrorResponse(c, err)
	}

	rows := res.Raw.Rows()
	total := len(rows)
	start := min(req.Offset, total)
	end := min(start+req.Limit, total)

	cols := sheets.SanitizeVisibleColumns(h.columns, splitList(req.Columns))
	return SuccessResponse(c, formatTable(rows[start:end], cols, total))
}

func formatTable(rows []model.TradeRow, cols []string, total int) tableView {
	cache := sheets.BuildDisplayCache(rows, cols)
	out := tableView{Columns: cols, Rows: make([][]string, len(rows)), Total: total}
	for i := range rows {
		line := make([]string, len(cols))
		for j, col := range cols {
			line[j] = cache[col][i]
		}
		out.Rows[i] = line
	}
	return out
}

type instrumentDayRequest struct {
	Instrument string `query:"instrument"`
	From       string `query:"from" validate:"omitempty,datetime=2006-01-02"`
	To         string `query:"to" validate:"omitempty,datetime=2006-01-02"`
}

type valueView struct {
	Start      decimal.Decimal     `json:"start"`
	Recomputed decimal.Decimal     `json:"recomputed"`
	End        decimal.NullDecimal `json:"end"`
}

type groupView struct {
	Instrument    string               `json:"instrument"`
	Day           model.TradeDay       `json:"day"`
	Count         int                  `json:"count"`
	LastTradeNr   model.TradeNr        `json:"lastTradeNr"`
	LastTradeTime time.Time            `json:"lastTradeTime"`
	Values        map[string]valueView `json:"values"`
	Discrepancies []model.Discrepancy  `json:"discrepancies"`
}

func newGroupView(g model.InstrumentDayGroup) groupView {
	v := groupView{
		Instrument:    g.Key.Instrument,
		Day:           g.Key.Day,
		Count:         g.Count,
		LastTradeNr:   g.Last.TradeNr,
		LastTradeTime: g.Last.TradeTime,
		Values:        make(map[string]valueView, model.NumCumulative),
		Discrepancies: g.Discrepancies,
	}
	for _, col := range model.CumulativeColumns() {
		cv := g.Values[col]
		v.Values[col.String()] = valueView{Start: cv.Start, Recomputed: cv.Recomputed, End: cv.End}
	}
	if v.Discrepancies == nil {
		v.Discrepancies = []model.Discrepancy{}
	}
	return v
}

// InstrumentDaySheet returns the instrument-day groups, optionally narrowed to
// one instrument and a day range.
func (h *Handler) InstrumentDaySheet(c echo.Context) error {
	var req instrumentDayRequest
	if errs := ReadAndValidateRequest(c, &req); errs != nil {
		return BadRequestResponse(c, errs)
	}

	from, to, err := parseOpenRange(req.From, req.To)
	if err != nil {
		return ErrorResponse(c, err)
	}

	res, err := h.snapshots.Current()
	if err != nil {
		return ErrorResponse(c, err)
	}

	out := make([]groupView, 0, len(res.InstrumentDay.Groups))
	for _, g := range res.InstrumentDay.Groups {
		if req.Instrument != "" && g.Key.Instrument != req.Instrument {
			continue
		}
		if !inRange(g.Key.Day, from, to) {
			continue
		}
		out = append(out, newGroupView(g))
	}
	return ListResponse(c, out, len(out))
}

type discrepancyRequest struct {
	Instrument string `query:"instrument"`
	Column     string `query:"column"`
}

// Discrepancies lists the findings of the current snapshot.
func (h *Handler) Discrepancies(c echo.Context) error {
	var req discrepancyRequest
	if errs := ReadAndValidateRequest(c, &req); errs != nil {
		return BadRequestResponse(c, errs)
	}

	var col model.CumulativeColumn
	if req.Column != "" {
		var ok bool
		if col, ok = model.ParseCumulativeColumn(req.Column); !ok {
			return ErrorResponse(c, fmt.Errorf("%w: %s is not a cumulative column", sheets.ErrUnknownColumn, req.Column))
		}
	}

	res, err := h.snapshots.Current()
	if err != nil {
		return ErrorResponse(c, err)
	}

	out := make([]model.Discrepancy, 0, len(res.Discrepancies))
	for _, d := range res.Discrepancies {
		if req.Instrument != "" && d.Instrument != req.Instrument {
			continue
		}
		if req.Column != "" && d.Column != col {
			continue
		}
		out = append(out, d)
	}
	return ListResponse(c, out, len(out))
}

type detailRequest struct {
	Instrument string `query:"instrument" validate:"required"`
	Day        string `query:"day" validate:"required,datetime=2006-01-02"`
	Sort       string `query:"sort"`
	Desc       bool   `query:"desc"`
	Flags      string `query:"flags"` // flag_00:true,flag_03:false
	Columns    string `query:"columns"`
}

type detailResponse struct {
	Detail *sheets.DetailView `json:"detail"`
	Table  tableView          `json:"table"`
}

// Detail returns the trades of one instrument on one day.
func (h *Handler) Detail(c echo.Context) error {
	var req detailRequest
	if errs := ReadAndValidateRequest(c, &req); errs != nil {
		return BadRequestResponse(c, errs)
	}

	day, err := timeutil.ParseISODate(req.Day)
	if err != nil {
		return ErrorResponse(c, err)
	}
	flags, err := parseFlagFilters(req.Flags)
	if err != nil {
		return ErrorResponse(c, err)
	}

	res, err := h.snapshots.Current()
	if err != nil {
		return ErrorResponse(c, err)
	}

	view, err := sheets.Detail(res.Raw, sheets.DetailQuery{
		Instrument: req.Instrument,
		Day:        day,
		Flags:      flags,
		SortColumn: req.Sort,
		Descending: req.Desc,
	})
	if err != nil {
		return ErrorResponse(c, err)
	}

	cols := sheets.SanitizeVisibleColumns(h.columns, splitList(req.Columns))
	return SuccessResponse(c, detailResponse{Detail: view, Table: formatTable(view.Rows, cols, len(view.Rows))})
}

// parseFlagFilters parses "flag_00:true,flag_03:false" into detail filters.
func parseFlagFilters(s string) (map[string]sheets.FlagFilter, error) {
	items := splitList(s)
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]sheets.FlagFilter, len(items))
	for _, item := range items {
		col, val, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("%w: flag filter %q must be column:value", errBadQuery, item)
		}
		f, err := sheets.ParseFlagFilter(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadQuery, err)
		}
		out[strings.TrimSpace(col)] = f
	}
	return out, nil
}

type reportRequest struct {
	From    string `query:"from" validate:"omitempty,datetime=2006-01-02"`
	To      string `query:"to" validate:"omitempty,datetime=2006-01-02"`
	Metrics string `query:"metrics"`
	Fields  string `query:"fields"`
	N       int    `query:"n"`
	Mode    string `query:"mode" validate:"omitempty,oneof=Value Abs(Value)"`
	Top     string `query:"top" default:"true" validate:"oneof=true false"`
	Bottom  string `query:"bottom" default:"true" validate:"oneof=true false"`
	Preset  string `query:"preset"`
	Format  string `query:"format" default:"json" validate:"oneof=json html"`
}

type reportResponse struct {
	Report  *report.Report `json:"report"`
	Summary []string       `json:"summary"`
}

// Report builds the ranked end-of-day report. A preset supplies the options;
// explicit from and to parameters override its range.
func (h *Handler) Report(c echo.Context) error {
	var req reportRequest
	if errs := ReadAndValidateRequest(c, &req); errs != nil {
		return BadRequestResponse(c, errs)
	}

	opts, err := h.reportOptions(req)
	if err != nil {
		return ErrorResponse(c, err)
	}

	res, err := h.snapshots.Current()
	if err != nil {
		return ErrorResponse(c, err)
	}

	rep, err := report.Build(res.InstrumentDay, opts)
	if err != nil {
		return ErrorResponse(c, err)
	}
	summary := report.Summary(res.InstrumentDay.EndOfDayRows(rep.From, rep.To), rep.Metrics)

	if req.Format == "html" {
		var buf bytes.Buffer
		if err := report.RenderHTML(&buf, rep, summary); err != nil {
			return ErrorResponse(c, err)
		}
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", report.FileName(rep)))
		return c.HTMLBlob(http.StatusOK, buf.Bytes())
	}
	return SuccessResponse(c, reportResponse{Report: rep, Summary: summary})
}

func (h *Handler) reportOptions(req reportRequest) (report.Options, error) {
	var opts report.Options
	if req.Preset != "" {
		p, err := h.presets.Load(req.Preset)
		if err != nil {
			return report.Options{}, err
		}
		if opts, err = p.Options(); err != nil {
			return report.Options{}, err
		}
	} else {
		opts = report.Options{
			Metrics: splitList(req.Metrics),
			Fields:  splitList(req.Fields),
			N:       req.N,
			Mode:    report.Mode(req.Mode),
			Top:     req.Top == "true",
			Bottom:  req.Bottom == "true",
		}
		if len(opts.Metrics) == 0 {
			opts.Metrics = report.DefaultMetrics
		}
		if len(opts.Fields) == 0 {
			opts.Fields = report.DefaultFields
		}
		if opts.N == 0 {
			opts.N = report.DefaultN
		}
	}

	var err error
	if req.From != "" {
		if opts.From, err = timeutil.ParseISODate(req.From); err != nil {
			return report.Options{}, err
		}
	}
	if req.To != "" {
		if opts.To, err = timeutil.ParseISODate(req.To); err != nil {
			return report.Options{}, err
		}
	}
	return opts, nil
}

// ListPresets returns the names of the saved report presets.
func (h *Handler) ListPresets(c echo.Context) error {
	names, err := h.presets.List()
	if err != nil {
		return ErrorResponse(c, err)
	}
	return ListResponse(c, names, len(names))
}

// GetPreset returns one saved preset.
func (h *Handler) GetPreset(c echo.Context) error {
	p, err := h.presets.Load(c.Param("name"))
	if err != nil {
		return ErrorResponse(c, err)
	}
	return SuccessResponse(c, p)
}

type savePresetResponse struct {
	Name   string        `json:"name"`
	Path   string        `json:"path"`
	Preset report.Preset `json:"preset"`
}

// SavePreset validates and stores a preset under the given name.
func (h *Handler) SavePreset(c echo.Context) error {
	var p report.Preset
	if errs := ReadAndValidateRequest(c, &p); errs != nil {
		return BadRequestResponse(c, errs)
	}

	opts, err := p.Options()
	if err != nil {
		return ErrorResponse(c, err)
	}
	if _, err := opts.Normalize(); err != nil {
		return ErrorResponse(c, err)
	}

	name, err := report.SanitizePresetName(c.Param("name"))
	if err != nil {
		return ErrorResponse(c, err)
	}
	path, err := h.presets.Save(name, p)
	if err != nil {
		return ErrorResponse(c, err)
	}

	log.Info().Str("preset", name).Str("path", path).Msg("report preset saved")
	return DataResponse(c, http.StatusCreated, savePresetResponse{Name: name, Path: path, Preset: p})
}

// subscribe registers a subscriber for the kinds query parameter. A nil
// subscriber means the error response has already been written.
func (h *Handler) subscribe(c echo.Context) (*service.Subscriber, error) {
	if h.publisher == nil {
		return nil, DataResponse(c, http.StatusServiceUnavailable, messageError{"event streaming is disabled"})
	}

	sub, err := h.publisher.Subscribe(splitList(c.QueryParam("kinds"))...)
	if err != nil {
		if errors.Is(err, service.ErrUnknownEventKind) {
			return nil, BadRequestResponse(c, []ValidationError{{Code: "ERR_ONEOF", Field: "kinds", Message: err.Error()}})
		}
		return nil, DataResponse(c, http.StatusServiceUnavailable, messageError{err.Error()})
	}
	return sub, nil
}

func (h *Handler) unsubscribe(sub *service.Subscriber) {
	if err := h.publisher.Unsubscribe(sub); err != nil {
		log.Warn().Err(err).Str("subscriber", sub.ID()).Msg("failed to unsubscribe")
	}
}

// Events streams load events as server-sent events until the client disconnects.
func (h *Handler) Events(c echo.Context) error {
	sub, err := h.subscribe(c)
	if sub == nil {
		return err
	}
	defer h.unsubscribe(sub)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "connected", map[string]string{"subscriberId": sub.ID()}); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeEvent(w, ev.Kind, ev); err != nil {
				log.Debug().Err(err).Msg("event stream closed")
				return nil
			}
		}
	}
}

// WebSocket streams load events over a WebSocket connection until either side
// closes it.
func (h *Handler) WebSocket(c echo.Context) error {
	sub, err := h.subscribe(c)
	if sub == nil {
		return err
	}
	defer h.unsubscribe(sub)

	session, err := websocket.Serve(context.Background(), c.Response(), c.Request(), sub.Events(), websocket.Config{})
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	<-session.Done()
	return nil
}

func writeEvent(w *echo.Response, name string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func parseOptionalDay(s string) (model.TradeDay, error) {
	if s == "" {
		return model.TradeDay{}, nil
	}
	return timeutil.ParseISODate(s)
}

// parseOpenRange parses an optional filter range; a missing bound stays open.
func parseOpenRange(from, to string) (model.TradeDay, model.TradeDay, error) {
	f, err := parseOptionalDay(from)
	if err != nil {
		return f, f, err
	}
	t, err := parseOptionalDay(to)
	if err != nil {
		return f, t, err
	}
	return f, t, nil
}

func inRange(day, from, to model.TradeDay) bool {
	if !from.IsZero() && day.Before(from) {
		return false
	}
	if !to.IsZero() && to.Before(day) {
		return false
	}
	return true
}

// splitList splits a comma separated parameter, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
