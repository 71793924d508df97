package metrics

// nop satisfies every metric interface and records nothing.
type nop struct{}

func (nop) Inc()             {}
func (nop) Dec()             {}
func (nop) Add(float64)      {}
func (nop) Set(float64)      {}
func (nop) Observe(float64)  {}
func (nop) ObserveDuration() {}

func NopCounter() Counter     { return nop{} }
func NopGauge() Gauge         { return nop{} }
func NopHistogram() Histogram { return nop{} }
func NopTimer() Timer         { return nop{} }

// NopTimerFunc returns a TimerFunc that always returns a no-op Timer.
func NopTimerFunc() TimerFunc { return func() Timer { return nop{} } }
