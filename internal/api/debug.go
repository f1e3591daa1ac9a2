package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vision.feed/internal/httputil"
	"github.com/banshee-data/vision.feed/internal/version"
)

// attachDebug registers the /debug/ pages. tsweb restricts them to
// loopback and tailnet clients.
func (s *Server) attachDebug(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KV("Version", version.String())
	debug.KVFunc("Feeds", func() any { return len(s.feeds.All()) })
	debug.KVFunc("Active consumers", func() any { return s.registry.Active() })
	debug.KVFunc("Total consumers", func() any { return s.registry.Total() })
	for _, name := range s.statNames() {
		debug.KVFunc(name, s.stats[name])
	}

	debug.HandleFunc("feeds", "feed dashboard", s.handleFeedsDashboard)
	debug.HandleFunc("latency.png", "cycle latency histogram of the default feed (?feed=name)", s.handleLatencyPlot)
}

// handleFeedsDashboard renders per-feed counters and recent cycle
// latencies using go-echarts.
func (s *Server) handleFeedsDashboard(w http.ResponseWriter, r *http.Request) {
	feeds := s.feeds.All()
	names := make([]string, len(feeds))
	var frames, published, detectFailures, readErrors []opts.BarData
	for i, f := range feeds {
		st := f.Producer.Status()
		names[i] = f.Name
		frames = append(frames, opts.BarData{Value: st.Frames})
		published = append(published, opts.BarData{Value: st.Generation})
		detectFailures = append(detectFailures, opts.BarData{Value: st.Inference.DetectFailures})
		readErrors = append(readErrors, opts.BarData{Value: st.ReadErrors})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Feeds", Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Feed counters", Subtitle: fmt.Sprintf("feeds=%d consumers=%d", len(feeds), s.registry.Active())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("frames", frames).
		AddSeries("published", published).
		AddSeries("detect failures", detectFailures).
		AddSeries("read errors", readErrors)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Cycle latency", Subtitle: "recent cycles, ms"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	longest := 0
	series := make([][]opts.LineData, len(feeds))
	for i, f := range feeds {
		lat := f.Producer.Latencies()
		series[i] = make([]opts.LineData, len(lat))
		for j, v := range lat {
			series[i][j] = opts.LineData{Value: v}
		}
		longest = max(longest, len(lat))
	}
	x := make([]string, longest)
	for i := range x {
		x[i] = strconv.Itoa(i + 1)
	}
	line.SetXAxis(x)
	for i, f := range feeds {
		line.AddSeries(f.Name, series[i])
	}

	page := components.NewPage()
	page.PageTitle = "Feeds"
	page.AddCharts(bar, line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleLatencyPlot renders a PNG histogram of a feed's recent cycle
// durations using gonum/plot.
func (s *Server) handleLatencyPlot(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("feed")
	f, ok := s.feeds.Lookup(name)
	if !ok {
		httputil.NotFound(w, "unknown feed "+name)
		return
	}
	lat := f.Producer.Latencies()

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s cycle latency (%d cycles)", f.Name, len(lat))
	p.X.Label.Text = "ms"
	p.Y.Label.Text = "cycles"

	if len(lat) > 0 {
		if floats.Max(lat) > floats.Min(lat) {
			h, err := plotter.NewHist(plotter.Values(lat), 20)
			if err != nil {
				httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			p.Add(h)
		} else {
			// A single bar: every cycle took the same time.
			b, err := plotter.NewBarChart(plotter.Values{float64(len(lat))}, vg.Points(30))
			if err != nil {
				httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			p.Add(b)
			p.NominalX(fmt.Sprintf("%.1f", lat[0]))
		}
	}

	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("plot error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = wt.WriteTo(w)
}
