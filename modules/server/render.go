package server

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/grafana/bpwatch/bpwatchdb"
	"github.com/grafana/bpwatch/pkg/summary"
)

const (
	contentTypeYAML = "application/yaml"
	contentTypeCSV  = "text/csv"

	defaultQuantile = 0.90
)

var queryTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

type producerView struct {
	SlotsPassed         []int64           `yaml:"slots_passed,flow"`
	BlocksProduced      []int64           `yaml:"blocks_produced,flow"`
	SlotsPassedTotal    int64             `yaml:"slots_passed_total"`
	BlocksProducedTotal int64             `yaml:"blocks_produced_total"`
	Transactions        map[string]txView `yaml:"transactions,omitempty"`
}

type txView struct {
	Count    int64   `yaml:"count"`
	Mean     float64 `yaml:"mean"`
	Stddev   float64 `yaml:"stddev"`
	Median   float64 `yaml:"median"`
	Quantile float64 `yaml:"quantile"`
}

type rangeView struct {
	Timestamp time.Time               `yaml:"timestamp"`
	Producers map[string]producerView `yaml:"producers"`
}

func (s *Server) renderSingleYAML(r *http.Request) (string, []byte, error) {
	from, to, err := parseBounds(r)
	if err != nil {
		return "", nil, err
	}
	quantile, err := parseQuantile(r)
	if err != nil {
		return "", nil, err
	}

	delta, err := s.store.FetchSingle(from, to)
	if err != nil {
		return "", nil, err
	}

	body, err := yaml.Marshal(viewOf(delta, quantile))
	if err != nil {
		return "", nil, err
	}
	return contentTypeYAML, body, nil
}

func (s *Server) renderRangeYAML(r *http.Request) (string, []byte, error) {
	from, to, step, quantile, err := parseRangeQuery(r)
	if err != nil {
		return "", nil, err
	}

	entries, err := s.store.FetchByTimeRange(from, to, step)
	if err != nil {
		return "", nil, err
	}

	views := make([]rangeView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, rangeView{
			Timestamp: entry.Timestamp,
			Producers: viewOf(entry.Summary, quantile),
		})
	}

	body, err := yaml.Marshal(views)
	if err != nil {
		return "", nil, err
	}
	return contentTypeYAML, body, nil
}

func (s *Server) renderRangeCSV(r *http.Request) (string, []byte, error) {
	from, to, step, quantile, err := parseRangeQuery(r)
	if err != nil {
		return "", nil, err
	}

	entries, err := s.store.FetchByTimeRange(from, to, step)
	if err != nil {
		return "", nil, err
	}

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"timestamp", "producer", "action", "count", "mean", "stddev", "median", "quantile"})

	for _, entry := range entries {
		ts := entry.Timestamp.UTC().Format(time.RFC3339)
		for _, name := range sortedProducers(entry.Summary) {
			bp := entry.Summary.Producers[name]
			for _, sig := range sortedActions(bp) {
				st := bp.TxData[sig]
				_ = w.Write([]string{
					ts,
					name,
					sig,
					strconv.FormatInt(st.Count, 10),
					formatFloat(st.Mean()),
					formatFloat(st.Stddev()),
					formatFloat(st.Median()),
					formatFloat(st.Quantile(quantile)),
				})
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", nil, err
	}
	return contentTypeCSV, buf.Bytes(), nil
}

type missedSlotsView struct {
	SlotsPassed    []int64   `yaml:"slots_passed,flow"`
	BlocksProduced []int64   `yaml:"blocks_produced,flow"`
	MissedPercent  []float64 `yaml:"missed_percent,flow"`
	TotalMissedPct float64   `yaml:"total_missed_percent"`
}

func (s *Server) renderMissedSlotsYAML(r *http.Request) (string, []byte, error) {
	from, to, err := parseBounds(r)
	if err != nil {
		return "", nil, err
	}

	delta, err := s.store.FetchSingle(from, to)
	if err != nil {
		return "", nil, err
	}

	views := make(map[string]missedSlotsView, len(delta.Producers))
	for name, bp := range delta.Producers {
		view := missedSlotsView{
			SlotsPassed:    bp.SlotsPassed[:],
			BlocksProduced: bp.BlocksProduced[:],
			MissedPercent:  make([]float64, summary.SlotsPerWindow),
		}
		for i := range bp.SlotsPassed {
			view.MissedPercent[i] = missedPercent(bp.SlotsPassed[i], bp.BlocksProduced[i])
		}
		view.TotalMissedPct = missedPercent(bp.SlotsPassedTotal(), bp.BlocksProducedTotal())
		views[name] = view
	}

	body, err := yaml.Marshal(views)
	if err != nil {
		return "", nil, err
	}
	return contentTypeYAML, body, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func missedPercent(passed, produced int64) float64 {
	if passed == 0 {
		return 0
	}
	return 100 * float64(passed-produced) / float64(passed)
}

func viewOf(sum *summary.BlockSummary, quantile float64) map[string]producerView {
	views := make(map[string]producerView, len(sum.Producers))
	for name, bp := range sum.Producers {
		view := producerView{
			SlotsPassed:         bp.SlotsPassed[:],
			BlocksProduced:      bp.BlocksProduced[:],
			SlotsPassedTotal:    bp.SlotsPassedTotal(),
			BlocksProducedTotal: bp.BlocksProducedTotal(),
		}
		if len(bp.TxData) > 0 {
			view.Transactions = make(map[string]txView, len(bp.TxData))
			for sig, st := range bp.TxData {
				view.Transactions[sig] = txView{
					Count:    st.Count,
					Mean:     st.Mean(),
					Stddev:   st.Stddev(),
					Median:   st.Median(),
					Quantile: st.Quantile(quantile),
				}
			}
		}
		views[name] = view
	}
	return views
}

func sortedProducers(sum *summary.BlockSummary) []string {
	names := make([]string, 0, len(sum.Producers))
	for name := range sum.Producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedActions(bp *summary.BpData) []string {
	sigs := make([]string, 0, len(bp.TxData))
	for sig := range bp.TxData {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	return sigs
}

func parseBounds(r *http.Request) (*time.Time, *time.Time, error) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		return nil, nil, err
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func parseRangeQuery(r *http.Request) (*time.Time, *time.Time, time.Duration, float64, error) {
	from, to, err := parseBounds(r)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	step := bpwatchdb.DefaultStep
	if v := r.URL.Query().Get("step"); v != "" {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil || seconds <= 0 {
			return nil, nil, 0, 0, badParamError{fmt.Errorf("invalid step %q", v)}
		}
		step = time.Duration(seconds * float64(time.Second))
	}

	quantile, err := parseQuantile(r)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	return from, to, step, quantile, nil
}

func parseQuantile(r *http.Request) (float64, error) {
	v := r.URL.Query().Get("percentile")
	if v == "" {
		return defaultQuantile, nil
	}
	pct, err := strconv.ParseFloat(v, 64)
	if err != nil || pct < 0 || pct > 100 {
		return 0, badParamError{fmt.Errorf("invalid percentile %q", v)}
	}
	return pct / 100, nil
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	for _, layout := range queryTimeLayouts {
		t, err := time.ParseInLocation(layout, v, time.UTC)
		if err == nil {
			return &t, nil
		}
	}
	return nil, badParamError{fmt.Errorf("unparseable %s %q", name, v)}
}
