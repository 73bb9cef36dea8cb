// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metric

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// MetricOpts contains naming pieces of the exposed metric
type MetricOpts struct {
	Namespace string
	Subsystem string
	Name      string
}

// StartMetrics adds the metrics handler to a http.ServeMux
func StartMetrics(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", string(expfmt.FmtText))
		if err := WriteAll(rw, prometheus.DefaultGatherer); err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
		}
	})
}

// WriteAll writes the VictoriaMetrics set followed by everything g gathers,
// both in the Prometheus text format.
func WriteAll(w io.Writer, g prometheus.Gatherer) error {
	metrics.WritePrometheus(w, false)
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// Counter creates and returns a metrics.Counter
func Counter(opts MetricOpts, labels []string) *metrics.Counter {
	return metrics.GetOrCreateCounter(optsToString(opts) + labelsToString(labels))
}

var (
	gaugeMu    sync.Mutex
	gaugeFuncs = map[string]*atomic.Value{}
)

// Gauge creates and returns a metrics.Gauge reading f. Calling it again
// with the same name and labels replaces f, so the gauge follows the most
// recently created instance.
func Gauge(opts MetricOpts, labels []string, f func() float64) *metrics.Gauge {
	name := optsToString(opts) + labelsToString(labels)
	gaugeMu.Lock()
	defer gaugeMu.Unlock()
	cur, ok := gaugeFuncs[name]
	if !ok {
		cur = &atomic.Value{}
		gaugeFuncs[name] = cur
	}
	cur.Store(f)
	return metrics.GetOrCreateGauge(name, func() float64 {
		return cur.Load().(func() float64)()
	})
}

// Histogram creates and returns a metrics.Histogram
func Histogram(opts MetricOpts, labels []string) *metrics.Histogram {
	return metrics.GetOrCreateHistogram(optsToString(opts) + labelsToString(labels))
}

// Label formats a single key="value" label.
func Label(key, value string) string {
	return key + `="` + value + `"`
}

func optsToString(opts MetricOpts) string {
	if opts.Name == "" {
		return ""
	}
	switch {
	case opts.Namespace != "" && opts.Subsystem != "":
		return strings.Join([]string{opts.Namespace, opts.Subsystem, opts.Name}, "_")
	case opts.Namespace != "":
		return strings.Join([]string{opts.Namespace, opts.Name}, "_")
	case opts.Subsystem != "":
		return strings.Join([]string{opts.Subsystem, opts.Name}, "_")
	}
	return opts.Name
}

func labelsToString(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	s := "{"
	for _, label := range labels {
		s = s + label + ","
	}
	return strings.TrimRight(s, ",") + "}"
}
