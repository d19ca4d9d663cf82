package rowset

import (
	"fmt"

	"github.com/andreyvit/cowdb/value"
)

// Aggregate folds a sequence of values incrementally. Start returns the
// initial accumulator, Update folds one non-null input into it, and Final
// turns the accumulator into the result given the number of non-null inputs
// folded. Accumulators are plain values, so a grouping can keep them in any
// container.
type Aggregate struct {
	Start  func() value.Value
	Update func(acc, v value.Value) (value.Value, error)
	Final  func(acc value.Value, n int) (value.Value, error)
}

// AggregateSet maps function names (as used in Agg.Func) to aggregates.
type AggregateSet map[string]Aggregate

// DefaultAggregates holds count, sum, min, max and avg. Nulls are skipped;
// sum, min, max and avg of no values are null, count of no values is 0.
var DefaultAggregates = AggregateSet{
	"count": {
		Start:  func() value.Value { return value.Int(0) },
		Update: func(acc, v value.Value) (value.Value, error) { return acc.(value.Int) + 1, nil },
		Final:  finalAcc,
	},
	"sum": {
		Start:  startNull,
		Update: addAcc,
		Final:  finalAcc,
	},
	"min": {
		Start:  startNull,
		Update: func(acc, v value.Value) (value.Value, error) { return pick(acc, v, -1), nil },
		Final:  finalAcc,
	},
	"max": {
		Start:  startNull,
		Update: func(acc, v value.Value) (value.Value, error) { return pick(acc, v, 1), nil },
		Final:  finalAcc,
	},
	"avg": {
		Start:  startNull,
		Update: addAcc,
		Final:  value.Div,
	},
}

func startNull() value.Value {
	return value.Null{}
}

func finalAcc(acc value.Value, n int) (value.Value, error) {
	return acc, nil
}

func addAcc(acc, v value.Value) (value.Value, error) {
	if value.IsNull(acc) {
		return v, nil
	}
	return value.Add(acc, v)
}

func pick(acc, v value.Value, sign int) value.Value {
	if value.IsNull(acc) || value.Compare(v, acc)*sign > 0 {
		return v
	}
	return acc
}

// aggState is the running state of one aggregate call within one group.
type aggState struct {
	acc value.Value
	n   int
}

// boundAgg is an aggregate call resolved against an AggregateSet.
type boundAgg struct {
	name string
	call Agg
	agg  Aggregate
}

func resolveAggs(named []Named, aggs AggregateSet) ([]boundAgg, error) {
	result := make([]boundAgg, len(named))
	for i, n := range named {
		call, ok := n.Expr.(Agg)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not an aggregate call", ErrMisplacedAggregate, n.Expr)
		}
		agg, found := aggs[call.Func]
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAggregate, call.Func)
		}
		result[i] = boundAgg{name: n.Name, call: call, agg: agg}
	}
	return result, nil
}

func startAll(aggs []boundAgg) []aggState {
	states := make([]aggState, len(aggs))
	for i, a := range aggs {
		states[i] = aggState{acc: a.agg.Start()}
	}
	return states
}

// updateAll folds row into states in place. A nil Arg counts every row.
func updateAll(aggs []boundAgg, states []aggState, row value.Row) error {
	for i, a := range aggs {
		var v value.Value = value.Int(1)
		if a.call.Arg != nil {
			var err error
			v, err = a.call.Arg.Eval(row)
			if err != nil {
				return err
			}
		}
		if value.IsNull(v) {
			continue
		}
		acc, err := a.agg.Update(states[i].acc, v)
		if err != nil {
			return fmt.Errorf("%v: %w", a.call, err)
		}
		states[i] = aggState{acc: acc, n: states[i].n + 1}
	}
	return nil
}

func finalAll(aggs []boundAgg, states []aggState) ([]value.Value, error) {
	result := make([]value.Value, len(aggs))
	for i, a := range aggs {
		v, err := a.agg.Final(states[i].acc, states[i].n)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", a.call, err)
		}
		result[i] = v
	}
	return result, nil
}

func aggNames(aggs []boundAgg) []string {
	names := make([]string, len(aggs))
	for i, a := range aggs {
		names[i] = a.name
	}
	return names
}
