package application

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/flotilla-io/flotilla/internal/domain"
	"github.com/flotilla-io/flotilla/internal/infrastructure/metrics"
)

// Event is one entry of the observed log/metric stream.
type Event struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// CounterRule derives a named counter from the event stream: the
// counter counts events matching the severity (when set) and the
// message pattern (when set) within each evaluation period.
type CounterRule struct {
	Metric   string `json:"metric" yaml:"metric"`
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`
	Pattern  string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

type compiledRule struct {
	metric   string
	severity string
	pattern  *regexp.Regexp
}

// CounterBank accumulates per-period counters from the event stream. A
// counter with no matching events in a period yields no datapoint; the
// alarm's missing-data policy decides what that means.
type CounterBank struct {
	rules []compiledRule

	mu     sync.Mutex
	counts map[string]float64
}

// NewCounterBank compiles the rule patterns. A bad pattern is a
// configuration error surfaced before the bridge starts.
func NewCounterBank(rules []CounterRule) (*CounterBank, error) {
	b := &CounterBank{counts: make(map[string]float64)}
	for _, r := range rules {
		cr := compiledRule{metric: r.Metric, severity: r.Severity}
		if r.Metric == "" {
			return nil, fmt.Errorf("%w: counter rule needs a metric name", domain.ErrInvalidSpec)
		}
		if r.Pattern != "" {
			p, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: counter %q: bad pattern: %v", domain.ErrInvalidSpec, r.Metric, err)
			}
			cr.pattern = p
		}
		b.rules = append(b.rules, cr)
	}
	return b, nil
}

// Covers reports whether any rule feeds the named counter.
func (b *CounterBank) Covers(metric string) bool {
	for _, r := range b.rules {
		if r.metric == metric {
			return true
		}
	}
	return false
}

// Observe feeds one event through the rules.
func (b *CounterBank) Observe(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.rules {
		if r.severity != "" && r.severity != e.Severity {
			continue
		}
		if r.pattern != nil && !r.pattern.MatchString(e.Message) {
			continue
		}
		b.counts[r.metric]++
	}
}

// Collect returns the counters that saw events this period and resets
// them. Untouched counters are absent, which reads as missing data.
func (b *CounterBank) Collect() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.counts
	b.counts = make(map[string]float64)
	return out
}

// AlarmStatus is the externally visible state of one alarm.
type AlarmStatus struct {
	Name  string            `json:"name"`
	State domain.AlarmState `json:"state"`
}

// AlertService evaluates alarms once per period and publishes
// edge-triggered notifications. Counters covered by the bank are read
// from it; anything else is queried from the metric source. Delivery is
// best-effort: a failing notification is retried a bounded number of
// times and then dropped with a log record, never blocking the loop.
type AlertService struct {
	Bank   *CounterBank
	Source domain.MetricSource
	Sink   domain.NotificationSink
	Log    *slog.Logger

	// Period is the evaluation period length; zero means one minute.
	// Retries bounds redelivery attempts per subscriber; zero means 3.
	Period  time.Duration
	Retries int

	mu     sync.Mutex
	alarms []*domain.Alarm
}

func (s *AlertService) period() time.Duration {
	if s.Period > 0 {
		return s.Period
	}
	return time.Minute
}

func (s *AlertService) retries() int {
	if s.Retries > 0 {
		return s.Retries
	}
	return 3
}

// Configure validates and installs the alarm set, replacing any prior
// one. Alarm state starts at OK.
func (s *AlertService) Configure(configs []domain.AlarmConfig) error {
	alarms := make([]*domain.Alarm, 0, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		alarms = append(alarms, domain.NewAlarm(cfg))
	}
	s.mu.Lock()
	s.alarms = alarms
	s.mu.Unlock()
	return nil
}

// Observe feeds one event into the counter bank.
func (s *AlertService) Observe(e Event) {
	if s.Bank != nil {
		s.Bank.Observe(e)
	}
}

// Statuses returns current alarm states, in configuration order.
func (s *AlertService) Statuses() []AlarmStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AlarmStatus, len(s.alarms))
	for i, a := range s.alarms {
		out[i] = AlarmStatus{Name: a.Config.Name, State: a.State()}
	}
	return out
}

// EvaluatePeriod closes out one evaluation period: resolve each alarm's
// value, advance its state machine, and notify subscribers on the
// transition into firing.
func (s *AlertService) EvaluatePeriod(ctx context.Context) {
	var counts map[string]float64
	if s.Bank != nil {
		counts = s.Bank.Collect()
	}

	s.mu.Lock()
	alarms := s.alarms
	s.mu.Unlock()

	for _, alarm := range alarms {
		value := s.resolve(ctx, alarm.Config.MetricName, counts)

		before := alarm.State()
		fired := alarm.Evaluate(value)
		if fired {
			metrics.AlarmTransitions.WithLabelValues(alarm.Config.Name, "firing").Inc()
			s.notify(ctx, alarm)
		} else if before == domain.AlarmFiring && alarm.State() == domain.AlarmOK {
			metrics.AlarmTransitions.WithLabelValues(alarm.Config.Name, "ok").Inc()
			logger(s.Log).Info("alarm cleared", "alarm", alarm.Config.Name)
		}
	}
}

// resolve finds this period's datapoint for a metric, nil when missing.
func (s *AlertService) resolve(ctx context.Context, metric string, counts map[string]float64) *float64 {
	if s.Bank != nil && s.Bank.Covers(metric) {
		if v, ok := counts[metric]; ok {
			return &v
		}
		return nil
	}
	if s.Source == nil {
		return nil
	}
	series, err := s.Source.Query(ctx, metric, s.period())
	if err != nil || len(series) == 0 {
		return nil
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	return &sum
}

// notify publishes to every subscriber of a freshly firing alarm.
func (s *AlertService) notify(ctx context.Context, alarm *domain.Alarm) {
	cfg := alarm.Config
	subject := fmt.Sprintf("ALARM: %s", cfg.Name)
	message := fmt.Sprintf("alarm %s firing: %s %s %g over %d period(s)",
		cfg.Name, cfg.MetricName, cfg.Comparison, cfg.Threshold, cfg.EvaluationPeriods)

	for _, channel := range cfg.Subscribers {
		var err error
		for attempt := 0; attempt < s.retries(); attempt++ {
			if err = s.Sink.Publish(ctx, channel, subject, message); err == nil {
				break
			}
		}
		if err != nil {
			metrics.NotificationsDropped.WithLabelValues(channel).Inc()
			logger(s.Log).Error("notification dropped",
				"alarm", cfg.Name, "channel", channel, "error", err)
		}
	}
}
