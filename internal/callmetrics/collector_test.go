package callmetrics

import "testing"

func TestP95NearestRank(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		samples []int64
		want    int64
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "single", samples: []int64{42}, want: 42},
		{name: "two", samples: []int64{10, 20}, want: 10},
		{name: "twenty", samples: seq(1, 20), want: 19},
		{name: "hundred", samples: seq(1, 100), want: 95},
		{name: "unsorted", samples: []int64{30, 10, 20}, want: 20},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := P95(tc.samples); got != tc.want {
				t.Fatalf("p95(%v) = %d, want %d", tc.samples, got, tc.want)
			}
		})
	}
}

func TestAverage(t *testing.T) {
	t.Parallel()

	if got := Average(nil); got != 0 {
		t.Fatalf("average of empty series = %v, want 0", got)
	}
	if got := Average([]int64{10, 20, 40}); got != 70.0/3.0 {
		t.Fatalf("average = %v, want %v", got, 70.0/3.0)
	}
}

func TestCollectorSealFreezesReport(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	if err := c.AddBargeInCutoff(120); err != nil {
		t.Fatalf("add barge-in sample: %v", err)
	}
	if err := c.AddFirstResponse(800); err != nil {
		t.Fatalf("add first-response sample: %v", err)
	}
	c.CountReminderDuringTTS()
	c.CountReminderSpoken()

	report := c.Seal()
	if report.BargeInCutoff.Samples != 1 || report.BargeInCutoff.P95MS != 120 {
		t.Fatalf("unexpected barge-in summary: %+v", report.BargeInCutoff)
	}
	if report.FirstResponse.AvgMS != 800 {
		t.Fatalf("unexpected first-response avg: %v", report.FirstResponse.AvgMS)
	}
	if report.RemindersDuringTTS != 1 || report.RemindersSpoken != 1 {
		t.Fatalf("unexpected reminder counters: %+v", report)
	}

	if err := c.AddBargeInCutoff(5); err == nil {
		t.Fatalf("expected append after seal to fail")
	}
	again := c.Seal()
	if again != report {
		t.Fatalf("seal is not idempotent: %+v vs %+v", again, report)
	}
}

func TestCollectorRejectsNegativeSamples(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	if err := c.AddFirstResponse(-1); err == nil {
		t.Fatalf("expected negative sample to fail")
	}
}

func seq(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for v := from; v <= to; v++ {
		out = append(out, v)
	}
	return out
}
