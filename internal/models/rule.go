package models

import (
	"fmt"
	"time"
)

type Operator string

const (
	OperatorGT  Operator = ">"
	OperatorLT  Operator = "<"
	OperatorGTE Operator = ">="
	OperatorLTE Operator = "<="
	OperatorEQ  Operator = "=="
	OperatorNEQ Operator = "!="
)

// Compare reports whether value <op> threshold holds.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OperatorGT:
		return value > threshold
	case OperatorLT:
		return value < threshold
	case OperatorGTE:
		return value >= threshold
	case OperatorLTE:
		return value <= threshold
	case OperatorEQ:
		return value == threshold
	case OperatorNEQ:
		return value != threshold
	default:
		return false
	}
}

func (o Operator) Valid() bool {
	switch o {
	case OperatorGT, OperatorLT, OperatorGTE, OperatorLTE, OperatorEQ, OperatorNEQ:
		return true
	}
	return false
}

// AggFunc reduces the samples of a series inside a rule's range to one value.
type AggFunc string

const (
	AggLast AggFunc = "last"
	AggAvg  AggFunc = "avg"
	AggMin  AggFunc = "min"
	AggMax  AggFunc = "max"
)

func (f AggFunc) Valid() bool {
	switch f {
	case "", AggLast, AggAvg, AggMin, AggMax:
		return true
	}
	return false
}

// Expr selects the series a rule is evaluated against.
type Expr struct {
	Metric Metric            `mapstructure:"metric" json:"metric"`
	Labels map[string]string `mapstructure:"labels" json:"labels,omitempty"`
	Func   AggFunc           `mapstructure:"func" json:"func,omitempty"`
	Range  time.Duration     `mapstructure:"range" json:"range,omitempty"`
}

// Matches reports whether a sample belongs to one of the expression's series.
func (e Expr) Matches(s MetricSample) bool {
	if s.Name != e.Metric {
		return false
	}
	for k, v := range e.Labels {
		if s.Labels[k] != v {
			return false
		}
	}
	return true
}

func (e Expr) String() string {
	fn := e.Func
	if fn == "" {
		fn = AggLast
	}
	sel := string(e.Metric)
	if len(e.Labels) > 0 {
		sel = seriesKey(e.Metric, e.Labels)
	}
	if fn == AggLast && e.Range == 0 {
		return sel
	}
	return fmt.Sprintf("%s(%s[%s])", fn, sel, e.Range)
}

// AlertRule is static configuration; the engine evaluates it and never
// mutates it.
type AlertRule struct {
	Name           string        `mapstructure:"name" json:"name"`
	Description    string        `mapstructure:"description" json:"description,omitempty"`
	Expr           Expr          `mapstructure:"expr" json:"expr"`
	Operator       Operator      `mapstructure:"operator" json:"operator"`
	Threshold      float64       `mapstructure:"threshold" json:"threshold"`
	Sustain        time.Duration `mapstructure:"sustain" json:"sustain"`
	RepeatInterval time.Duration `mapstructure:"repeat_interval" json:"repeat_interval"`
	Level          AlertLevel    `mapstructure:"severity" json:"severity"`
	Receiver       string        `mapstructure:"receiver" json:"receiver"`
}

func (r AlertRule) Condition() string {
	return fmt.Sprintf("%s %s %g", r.Expr, r.Operator, r.Threshold)
}
