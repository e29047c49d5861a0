// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

// This file provides prometheus/streamz style metrics (Val type) for instrumenting the fuzzing loop.
// Metrics are registered in a Set; the package-level functions use a global default one.
//
// Simple uses of metrics:
//
//	statExecs := stat.New("exec total", "Total test input executions", stat.Rate{})
//	statExecs.Add(1)
//
//	stat.New("corpus", "Number of corpus entries", stat.LenOf(&entries, &mu))
//
// The web interface and console heartbeat use Collect to obtain values of all registered metrics.

type UI struct {
	Name  string
	Desc  string
	Level Level
	Value string
	V     int
}

func New(name, desc string, opts ...any) *Val {
	return global.New(name, desc, opts...)
}

func Collect(level Level) []UI {
	return global.Collect(level)
}

var global = NewSet()

type Set struct {
	mu    sync.Mutex
	vals  map[string]*Val
	start time.Time
}

func NewSet() *Set {
	return &Set{
		vals:  make(map[string]*Val),
		start: time.Now(),
	}
}

// Get returns a previously registered metric, or nil.
func (s *Set) Get(name string) *Val {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals[name]
}

func (s *Set) Collect(level Level) []UI {
	s.mu.Lock()
	defer s.mu.Unlock()
	period := time.Since(s.start).Truncate(time.Second)
	if period < time.Second {
		period = time.Second
	}
	var res []UI
	for _, v := range s.vals {
		if v.level < level {
			continue
		}
		val := v.Val()
		res = append(res, UI{
			Name:  v.name,
			Desc:  v.desc,
			Level: v.level,
			Value: v.fmt(val, period),
			V:     val,
		})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Level != res[j].Level {
			return res[i].Level > res[j].Level
		}
		return res[i].Name < res[j].Name
	})
	return res
}

// Additional options for Val metrics.

// Level controls if the metric should be printed to console in periodic heartbeat logs,
// or showed on the simple web interface, or available through /stats only.
type Level int

const (
	All Level = iota
	Simple
	Console
)

// Prometheus exports the metric to Prometheus under the given name.
type Prometheus string

// Rate says to show the metric rate per unit of time along with the total value.
type Rate struct{}

// Distribution says to collect a histogram of individual samples; Val returns the mean.
type Distribution struct{}

// LenOf reads the metric value from the given slice/map/chan.
func LenOf(containerPtr any, mu *sync.RWMutex) func() int {
	v := reflect.ValueOf(containerPtr)
	_ = v.Elem().Len() // panics if container is not slice/map/chan
	return func() int {
		mu.RLock()
		defer mu.RUnlock()
		return v.Elem().Len()
	}
}

// Additionally a custom 'func() int' can be passed to read the metric value from the function,
// and 'func(int, time.Duration) string' can be passed for custom formatting of the metric value.

func (s *Set) New(name, desc string, opts ...any) *Val {
	v := &Val{
		name: name,
		desc: desc,
		fmt:  func(v int, period time.Duration) string { return strconv.Itoa(v) },
	}
	for _, o := range opts {
		switch opt := o.(type) {
		case Level:
			v.level = opt
		case Rate:
			v.fmt = formatRate
		case Distribution:
			v.hist = gohistogram.NewHistogram(histogramBuckets)
		case func() int:
			v.ext = opt
		case func(int, time.Duration) string:
			v.fmt = opt
		case Prometheus:
			registerPrometheus(string(opt), desc, v)
		default:
			panic(fmt.Sprintf("unknown stats option %#v", o))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[name] = v
	return v
}

// Prometheus Instrumentation https://prometheus.io/docs/guides/go-application.
// A later session in the same process reuses the name, so the gauge is rebound to the new Val.
var (
	promMu     sync.Mutex
	promGauges = make(map[string]*atomic.Pointer[Val])
)

func registerPrometheus(name, desc string, v *Val) {
	promMu.Lock()
	defer promMu.Unlock()
	if ptr := promGauges[name]; ptr != nil {
		ptr.Store(v)
		return
	}
	ptr := new(atomic.Pointer[Val])
	ptr.Store(v)
	err := prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: desc,
	}, func() float64 { return float64(ptr.Load().Val()) }))
	if err != nil && !errors.As(err, new(prometheus.AlreadyRegisteredError)) {
		panic(fmt.Sprintf("failed to register metric %v: %v", name, err))
	}
	promGauges[name] = ptr
}

const histogramBuckets = 255

type Val struct {
	name   string
	desc   string
	level  Level
	val    atomic.Uint64
	ext    func() int
	fmt    func(int, time.Duration) string
	histMu sync.Mutex
	hist   *gohistogram.NumericHistogram
}

func (v *Val) Add(val int) {
	if v.ext != nil {
		panic(fmt.Sprintf("stat %v is in external mode", v.name))
	}
	if v.hist != nil {
		v.histMu.Lock()
		v.hist.Add(float64(val))
		v.histMu.Unlock()
		return
	}
	v.val.Add(uint64(val))
}

func (v *Val) Val() int {
	if v.ext != nil {
		return v.ext()
	}
	if v.hist != nil {
		v.histMu.Lock()
		defer v.histMu.Unlock()
		if v.hist.Count() == 0 {
			return 0
		}
		return int(v.hist.Mean())
	}
	return int(v.val.Load())
}

// Quantile returns the q-th quantile of a Distribution metric.
func (v *Val) Quantile(q float64) float64 {
	if v.hist == nil {
		panic(fmt.Sprintf("stat %v is not a distribution", v.name))
	}
	v.histMu.Lock()
	defer v.histMu.Unlock()
	if v.hist.Count() == 0 {
		return 0
	}
	return v.hist.Quantile(q)
}

func formatRate(v int, period time.Duration) string {
	secs := max(int(period.Seconds()), 1)
	if x := v / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/sec)", v, x)
	}
	if x := v * 60 / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/min)", v, x)
	}
	x := v * 60 * 60 / secs
	return fmt.Sprintf("%v (%v/hour)", v, x)
}
