// Package callmetrics accumulates per-call latency samples and reminder
// counters and summarizes them once at call end.
package callmetrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// SeriesSummary reports aggregate statistics for one latency series.
// Avg and P95 are 0 when the series holds no samples.
type SeriesSummary struct {
	Samples int     `json:"samples"`
	AvgMS   float64 `json:"avg_ms"`
	P95MS   int64   `json:"p95_ms"`
}

// Report is the immutable end-of-call metrics summary.
type Report struct {
	BargeInCutoff        SeriesSummary `json:"barge_in_cutoff"`
	FirstResponse        SeriesSummary `json:"first_response"`
	RemindersDuringTTS   int           `json:"reminders_during_tts"`
	RemindersDuringUser  int           `json:"reminders_during_speech"`
	RemindersSpoken      int           `json:"reminders_spoken"`
	RecoverableFailures  int           `json:"recoverable_failures"`
	PersistedWithFailure bool          `json:"persisted_with_failure,omitempty"`
}

// Collector holds append-only samples for one call. Safe for use from the
// single call actor goroutine; the mutex guards against summary reads from
// tooling while the call is still live.
type Collector struct {
	mu                  sync.Mutex
	sealed              bool
	bargeInCutoffMS     []int64
	firstResponseMS     []int64
	remindersDuringTTS  int
	remindersDuringUser int
	remindersSpoken     int
	recoverableFailures int
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// AddBargeInCutoff records one measured stop-request to stop-confirmation
// latency in milliseconds.
func (c *Collector) AddBargeInCutoff(ms int64) error {
	return c.append(&c.bargeInCutoffMS, ms)
}

// AddFirstResponse records one silence-confirmed to reply-handed-off latency
// in milliseconds.
func (c *Collector) AddFirstResponse(ms int64) error {
	return c.append(&c.firstResponseMS, ms)
}

// CountReminderDuringTTS counts a timer fire suppressed because agent speech
// was playing.
func (c *Collector) CountReminderDuringTTS() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sealed {
		c.remindersDuringTTS++
	}
}

// CountReminderDuringUserSpeech counts a timer fire suppressed because the
// user was mid-speech.
func (c *Collector) CountReminderDuringUserSpeech() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sealed {
		c.remindersDuringUser++
	}
}

// CountReminderSpoken counts an emitted reminder utterance.
func (c *Collector) CountReminderSpoken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sealed {
		c.remindersSpoken++
	}
}

// CountRecoverableFailure counts a per-turn recoverable processing failure.
func (c *Collector) CountRecoverableFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sealed {
		c.recoverableFailures++
	}
}

func (c *Collector) append(series *[]int64, ms int64) error {
	if ms < 0 {
		return fmt.Errorf("latency sample must be >= 0, got %d", ms)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return fmt.Errorf("collector is sealed after call end")
	}
	*series = append(*series, ms)
	return nil
}

// Seal freezes the collector and returns the final report. Further mutation
// attempts fail; Seal is idempotent and returns the same report.
func (c *Collector) Seal() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	return Report{
		BargeInCutoff:       summarize(c.bargeInCutoffMS),
		FirstResponse:       summarize(c.firstResponseMS),
		RemindersDuringTTS:  c.remindersDuringTTS,
		RemindersDuringUser: c.remindersDuringUser,
		RemindersSpoken:     c.remindersSpoken,
		RecoverableFailures: c.recoverableFailures,
	}
}

func summarize(samples []int64) SeriesSummary {
	if len(samples) == 0 {
		return SeriesSummary{}
	}
	return SeriesSummary{
		Samples: len(samples),
		AvgMS:   Average(samples),
		P95MS:   P95(samples),
	}
}

// Average returns the arithmetic mean of the samples, 0 when empty.
func Average(samples []int64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += s
	}
	return float64(sum) / float64(len(samples))
}

// P95 returns the nearest-rank 95th percentile: sort ascending and take the
// value at index floor(0.95 * (n-1)). Returns 0 when empty.
func P95(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Floor(0.95 * float64(len(sorted)-1)))
	return sorted[idx]
}
