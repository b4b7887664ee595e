package keeperarb

import (
	"math/big"
	"time"
)

// AggregatePnL folds a set of CyclePnL results over a window (one day, or
// the full lifetime of the keeper).
type AggregatePnL struct {
	CycleCount  int
	TotalInput  *big.Int
	TotalOutput *big.Int
	TotalGross  *big.Int
	TotalGasL2  *big.Int
	TotalGasL1  *big.Int
	TotalNet    *big.Int
}

// convertUsingRate converts amount (in native gas-token minor units) into
// source-token minor units via rate, using exact rational arithmetic so the
// conversion never crosses into floating point.
func convertUsingRate(amount *big.Int, rate *big.Rat) *big.Int {
	v := new(big.Rat).SetInt(amount)
	v.Mul(v, rate)
	return new(big.Int).Quo(v.Num(), v.Denom())
}

// ComputeCyclePnL returns {input, output, gross, gasL2, gasL1, net} for one
// cycle given its confirmed steps. gross = output - input. gasL2/gasL1 sum
// gasUsed * effectiveGasPrice (native units) for every confirmed step on
// each chain. net subtracts gas from gross only when a conversion rate is
// supplied for that chain's native token into source-token units; a nil
// rate leaves that chain's gas out of net entirely rather than silently
// mixing units — callers must pass an explicit, observed market rate to get
// a gas-inclusive net figure.
func ComputeCyclePnL(cycle *Cycle, steps []*Step, gasRateL2, gasRateL1 *big.Rat) CyclePnL {
	gasL2 := big.NewInt(0)
	gasL1 := big.NewInt(0)
	for _, s := range steps {
		if s.Status != StepConfirmed || s.EffectiveGasPrice == nil || s.GasUsed == 0 {
			continue
		}
		cost := new(big.Int).Mul(new(big.Int).SetUint64(s.GasUsed), s.EffectiveGasPrice)
		switch s.Chain {
		case ChainL2:
			gasL2.Add(gasL2, cost)
		case ChainL1:
			gasL1.Add(gasL1, cost)
		}
	}

	input := cycle.InputAmount
	if input == nil {
		input = big.NewInt(0)
	}
	output := cycle.OutAmount
	if output == nil {
		output = big.NewInt(0)
	}
	gross := new(big.Int).Sub(output, input)

	net := new(big.Int).Set(gross)
	if gasRateL2 != nil {
		net.Sub(net, convertUsingRate(gasL2, gasRateL2))
	}
	if gasRateL1 != nil {
		net.Sub(net, convertUsingRate(gasL1, gasRateL1))
	}

	return CyclePnL{
		CycleID: cycle.ID,
		Input:   input,
		Output:  output,
		Gross:   gross,
		GasL2:   gasL2,
		GasL1:   gasL1,
		Net:     net,
	}
}

// aggregate folds pnls into totals; zero-valued if pnls is empty.
func aggregate(pnls []CyclePnL) AggregatePnL {
	agg := AggregatePnL{
		TotalInput:  big.NewInt(0),
		TotalOutput: big.NewInt(0),
		TotalGross:  big.NewInt(0),
		TotalGasL2:  big.NewInt(0),
		TotalGasL1:  big.NewInt(0),
		TotalNet:    big.NewInt(0),
	}
	for _, p := range pnls {
		agg.CycleCount++
		agg.TotalInput.Add(agg.TotalInput, p.Input)
		agg.TotalOutput.Add(agg.TotalOutput, p.Output)
		agg.TotalGross.Add(agg.TotalGross, p.Gross)
		agg.TotalGasL2.Add(agg.TotalGasL2, p.GasL2)
		agg.TotalGasL1.Add(agg.TotalGasL1, p.GasL1)
		agg.TotalNet.Add(agg.TotalNet, p.Net)
	}
	return agg
}

// WindowPnL aggregates every COMPLETED cycle created at or after since
// (pass the zero time.Time for a lifetime aggregate).
func WindowPnL(store *Store, since time.Time, gasRateL2, gasRateL1 *big.Rat) (AggregatePnL, error) {
	cycles, err := store.GetCyclesByState(StateCompleted)
	if err != nil {
		return AggregatePnL{}, err
	}
	var pnls []CyclePnL
	for _, c := range cycles {
		if c.CreatedAt.Before(since) {
			continue
		}
		steps, err := store.GetStepsByCycle(c.ID)
		if err != nil {
			return AggregatePnL{}, err
		}
		pnls = append(pnls, ComputeCyclePnL(c, steps, gasRateL2, gasRateL1))
	}
	return aggregate(pnls), nil
}

// DailyPnL aggregates COMPLETED cycles created in the 24h before now.
func DailyPnL(store *Store, now time.Time, gasRateL2, gasRateL1 *big.Rat) (AggregatePnL, error) {
	return WindowPnL(store, now.Add(-24*time.Hour), gasRateL2, gasRateL1)
}

// LifetimePnL aggregates every COMPLETED cycle ever recorded.
func LifetimePnL(store *Store, gasRateL2, gasRateL1 *big.Rat) (AggregatePnL, error) {
	return WindowPnL(store, time.Time{}, gasRateL2, gasRateL1)
}
