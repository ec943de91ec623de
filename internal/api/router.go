// Package api exposes the indicator graph over HTTP: read-only candle and
// indicator queries, the live stream, Prometheus metrics and health.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ohlc-engine/internal/engine"
	"ohlc-engine/internal/gateway"
	"ohlc-engine/internal/valueview"
)

const (
	defaultCount = 100
	maxCount     = 5000
)

// Options are the optional parts of the router.
type Options struct {
	Hub      *gateway.Hub        // mounts /api/v1/stream and /api/v1/missed
	Health   http.Handler        // mounts /healthz
	Gatherer prometheus.Gatherer // mounts /metrics
	Debug    bool
}

type handler struct {
	eng *engine.Engine
	hub *gateway.Hub
}

// NewRouter sets up the HTTP routes. Every query takes the engine lock.
func NewRouter(eng *engine.Engine, opts Options) *gin.Engine {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	h := &handler{eng: eng, hub: opts.Hub}

	v1 := r.Group("/api/v1")
	v1.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	v1.GET("/indicators", h.listIndicators)
	v1.GET("/indicators/:name", h.getIndicator)
	v1.GET("/candles/:name", h.getCandles)
	v1.GET("/candles/:name/views/:kind", h.getView)
	v1.GET("/candles/:name/dump", h.dumpCandles)

	if opts.Hub != nil {
		v1.GET("/stream", gin.WrapF(opts.Hub.ServeWS))
		v1.GET("/missed", h.getMissed)
	}
	if opts.Health != nil {
		r.GET("/healthz", gin.WrapH(opts.Health))
	}
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

type candleInfo struct {
	Name     string `json:"name"`
	Interval int64  `json:"interval"`
	Side     string `json:"side"`
	Bars     int    `json:"bars"`
	Capacity int    `json:"capacity"`
}

type derivedInfo struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Late   int64  `json:"late"`
}

func (h *handler) listIndicators(c *gin.Context) {
	var candles []candleInfo
	var derived []derivedInfo
	h.eng.Read(func() {
		for _, name := range h.eng.CandleNames() {
			ci, _ := h.eng.Candle(name)
			candles = append(candles, candleInfo{
				Name:     name,
				Interval: ci.IntervalSec(),
				Side:     ci.Side().String(),
				Bars:     ci.Count(),
				Capacity: ci.Capacity(),
			})
		}
		for _, name := range h.eng.DerivedNames() {
			d, _ := h.eng.Derived(name)
			derived = append(derived, derivedInfo{Name: name, Source: d.Source().Name(), Late: d.Late()})
		}
	})
	c.JSON(http.StatusOK, gin.H{
		"tick":    h.eng.Tick().Name(),
		"candles": candles,
		"derived": derived,
	})
}

type candleRow struct {
	Shift  int     `json:"shift"`
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// getCandles returns up to count bars, newest first.
func (h *handler) getCandles(c *gin.Context) {
	ci, ok := h.eng.Candle(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown candle indicator"})
		return
	}
	count, ok := intQuery(c, "count", defaultCount)
	if !ok || count <= 0 || count > maxCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be in 1.." + strconv.Itoa(maxCount)})
		return
	}

	var rows []candleRow
	var barIndex int64
	var bars int
	var newBar bool
	h.eng.Read(func() {
		if count > ci.Count() {
			ci.EnsureShiftExists(count - 1)
		}
		n := min(count, ci.Count())
		rows = make([]candleRow, 0, n)
		for shift := 0; shift < n; shift++ {
			bar := ci.GetOHLC(shift)
			if !bar.Valid {
				continue
			}
			rows = append(rows, candleRow{
				Shift:  shift,
				Time:   ci.GetItemTimeByShift(shift),
				Open:   bar.Open,
				High:   bar.High,
				Low:    bar.Low,
				Close:  bar.Close,
				Volume: bar.Volume,
			})
		}
		barIndex, bars, newBar = ci.GetBarIndex(), ci.GetBars(), ci.IsNewBar()
	})

	c.JSON(http.StatusOK, gin.H{
		"name":       ci.Name(),
		"interval":   ci.IntervalSec(),
		"bar_index":  barIndex,
		"bars":       bars,
		"is_new_bar": newBar,
		"candles":    rows,
	})
}

func (h *handler) getView(c *gin.Context) {
	ci, ok := h.eng.Candle(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown candle indicator"})
		return
	}
	kind, err := valueview.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	shift, ok := intQuery(c, "shift", 0)
	if !ok || shift < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shift must be a non-negative integer"})
		return
	}

	var value float64
	var found bool
	var ts int64
	h.eng.Read(func() {
		value, found = ci.GetValueView(kind).Lookup(shift)
		ts = ci.GetItemTimeByShift(shift)
	})
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no bar at shift " + strconv.Itoa(shift)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind.String(), "shift": shift, "time": ts, "value": value})
}

func (h *handler) dumpCandles(c *gin.Context) {
	ci, ok := h.eng.Candle(c.Param("name"))
	if !ok {
		c.String(http.StatusNotFound, "unknown candle indicator\n")
		return
	}
	var dump string
	h.eng.Read(func() { dump = ci.CandlesToString() })
	c.String(http.StatusOK, dump)
}

type valueRow struct {
	Shift int     `json:"shift"`
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// getIndicator returns up to count derived values, newest first.
func (h *handler) getIndicator(c *gin.Context) {
	d, ok := h.eng.Derived(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown indicator"})
		return
	}
	count, ok := intQuery(c, "count", defaultCount)
	if !ok || count <= 0 || count > maxCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be in 1.." + strconv.Itoa(maxCount)})
		return
	}

	var rows []valueRow
	h.eng.Read(func() {
		entries := d.Entries()
		n := min(count, len(entries))
		rows = make([]valueRow, 0, n)
		for shift := 0; shift < n; shift++ {
			e := entries[len(entries)-1-shift]
			rows = append(rows, valueRow{Shift: shift, Time: e.TimeMs / 1000, Value: e.Values[0], Valid: e.Valid})
		}
	})
	c.JSON(http.StatusOK, gin.H{"name": d.Name(), "source": d.Source().Name(), "values": rows})
}

// getMissed returns buffered stream envelopes for gap backfill.
func (h *handler) getMissed(c *gin.Context) {
	channel := c.Query("channel")
	from, ok1 := int64Query(c, "from")
	to, ok2 := int64Query(c, "to")
	if channel == "" || !ok1 || !ok2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel, from and to are required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel":     channel,
		"channel_seq": h.hub.ChannelSeq(channel),
		"envelopes":   rawList(h.hub.Missed(channel, from, to)),
	})
}

func rawList(in [][]byte) []json.RawMessage {
	out := make([]json.RawMessage, len(in))
	for i, b := range in {
		out[i] = b
	}
	return out
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	s, ok := c.GetQuery(key)
	if !ok {
		return def, true
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func int64Query(c *gin.Context, key string) (int64, bool) {
	n, err := strconv.ParseInt(c.Query(key), 10, 64)
	return n, err == nil
}
