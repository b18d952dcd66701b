// Package evaluator interprets pipeline condition trees against a price snapshot.
package evaluator

import (
	"fmt"
	"time"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

// Prices maps an asset identifier to its latest observed price.
type Prices map[string]float64

// Option customises an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source used by timer conditions.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// Evaluator is stateless apart from its clock and safe for concurrent use.
type Evaluator struct {
	now func() time.Time
}

// New constructs an Evaluator that reads the wall clock unless overridden.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// EvaluateConditions reports whether every condition in the list holds. An
// empty list holds. Every element is evaluated even once the result is known,
// so a missing price anywhere in the list surfaces as an error.
func (e *Evaluator) EvaluateConditions(conditions []pipeline.Condition, prices Prices) (bool, error) {
	return e.all(conditions, prices)
}

// EvaluateCondition evaluates a single condition node.
func (e *Evaluator) EvaluateCondition(c pipeline.Condition, prices Prices) (bool, error) {
	switch v := c.Type.(type) {
	case pipeline.PriceAbove:
		price, err := lookup(prices, v.Asset)
		if err != nil {
			return false, err
		}
		return price >= v.Value, nil
	case pipeline.PriceBelow:
		price, err := lookup(prices, v.Asset)
		if err != nil {
			return false, err
		}
		return price <= v.Value, nil
	case pipeline.Now:
		return true, nil
	case pipeline.And:
		return e.all(v, prices)
	case pipeline.Or:
		return e.any(v, prices)
	case pipeline.GTTimer:
		return e.now().After(v.At), nil
	case pipeline.LTTimer:
		return e.now().Before(v.At), nil
	default:
		return false, xerrors.New(xerrors.CodeInvalidConditionType, fmt.Sprintf("unsupported condition type %T", c.Type))
	}
}

func (e *Evaluator) all(children []pipeline.Condition, prices Prices) (bool, error) {
	result := true
	for _, child := range children {
		ok, err := e.EvaluateCondition(child, prices)
		if err != nil {
			return false, err
		}
		result = result && ok
	}
	return result, nil
}

func (e *Evaluator) any(children []pipeline.Condition, prices Prices) (bool, error) {
	result := false
	for _, child := range children {
		ok, err := e.EvaluateCondition(child, prices)
		if err != nil {
			return false, err
		}
		result = result || ok
	}
	return result, nil
}

func lookup(prices Prices, asset string) (float64, error) {
	price, ok := prices[asset]
	if !ok {
		return 0, xerrors.New(xerrors.CodeMissingPriceData, "missing price data for asset "+asset,
			xerrors.WithMetadata("asset", asset))
	}
	return price, nil
}
