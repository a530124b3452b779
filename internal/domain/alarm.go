package domain

import "fmt"

// ComparisonOperator compares an aggregated value against a threshold.
type ComparisonOperator string

const (
	CompareGreater      ComparisonOperator = ">"
	CompareGreaterEqual ComparisonOperator = ">="
	CompareLess         ComparisonOperator = "<"
	CompareLessEqual    ComparisonOperator = "<="
)

// MissingDataPolicy says how an evaluation period with no datapoints is
// treated. Configurable per alarm, never global.
type MissingDataPolicy string

const (
	MissingBreaching    MissingDataPolicy = "breaching"
	MissingNotBreaching MissingDataPolicy = "not_breaching"
	MissingCarryForward MissingDataPolicy = "carry_forward"
)

// AlarmState is OK or firing.
type AlarmState string

const (
	AlarmOK     AlarmState = "ok"
	AlarmFiring AlarmState = "firing"
)

// AlarmConfig is one operator-authored alarm over a named counter.
type AlarmConfig struct {
	Name              string             `json:"name" yaml:"name"`
	MetricName        string             `json:"metric_name" yaml:"metric_name"`
	Threshold         float64            `json:"threshold" yaml:"threshold"`
	Comparison        ComparisonOperator `json:"comparison" yaml:"comparison"`
	EvaluationPeriods int                `json:"evaluation_periods" yaml:"evaluation_periods"`
	MissingData       MissingDataPolicy  `json:"missing_data" yaml:"missing_data"`
	Subscribers       []string           `json:"subscribers" yaml:"subscribers"`
}

// Validate checks alarm configuration.
func (c AlarmConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: alarm name is required", ErrInvalidSpec)
	}
	if c.EvaluationPeriods < 1 {
		return fmt.Errorf("%w: alarm %q: evaluation_periods must be at least 1", ErrInvalidSpec, c.Name)
	}
	switch c.Comparison {
	case CompareGreater, CompareGreaterEqual, CompareLess, CompareLessEqual:
	default:
		return fmt.Errorf("%w: alarm %q: unknown comparison %q", ErrInvalidSpec, c.Name, c.Comparison)
	}
	switch c.MissingData {
	case MissingBreaching, MissingNotBreaching, MissingCarryForward:
	default:
		return fmt.Errorf("%w: alarm %q: unknown missing-data policy %q", ErrInvalidSpec, c.Name, c.MissingData)
	}
	return nil
}

// Alarm evaluates one counter against a threshold over consecutive
// periods. It fires only after EvaluationPeriods consecutive breaching
// periods and clears only after the same count of non-breaching ones.
// The transition into firing is the edge on which notifications go out.
type Alarm struct {
	Config AlarmConfig

	state         AlarmState
	breachStreak  int
	clearStreak   int
	lastBreaching bool // for carry-forward
	sawData       bool
}

// NewAlarm starts in OK.
func NewAlarm(cfg AlarmConfig) *Alarm {
	return &Alarm{Config: cfg, state: AlarmOK}
}

// State returns the current alarm state.
func (a *Alarm) State() AlarmState { return a.state }

func (a *Alarm) breaches(v float64) bool {
	switch a.Config.Comparison {
	case CompareGreater:
		return v > a.Config.Threshold
	case CompareGreaterEqual:
		return v >= a.Config.Threshold
	case CompareLess:
		return v < a.Config.Threshold
	case CompareLessEqual:
		return v <= a.Config.Threshold
	}
	return false
}

// Evaluate consumes one evaluation period. value is nil when the period
// had no datapoints, in which case the missing-data policy decides.
// Returns true exactly when the alarm transitions into firing.
func (a *Alarm) Evaluate(value *float64) bool {
	var breaching bool
	switch {
	case value != nil:
		breaching = a.breaches(*value)
		a.lastBreaching = breaching
		a.sawData = true
	case a.Config.MissingData == MissingBreaching:
		breaching = true
	case a.Config.MissingData == MissingNotBreaching:
		breaching = false
	default: // carry forward; before any data, hold OK
		breaching = a.sawData && a.lastBreaching
	}

	if breaching {
		a.breachStreak++
		a.clearStreak = 0
	} else {
		a.clearStreak++
		a.breachStreak = 0
	}

	switch a.state {
	case AlarmOK:
		if a.breachStreak >= a.Config.EvaluationPeriods {
			a.state = AlarmFiring
			return true
		}
	case AlarmFiring:
		if a.clearStreak >= a.Config.EvaluationPeriods {
			a.state = AlarmOK
		}
	}
	return false
}
