package txexec

import (
	"context"
	"math/big"
	"strconv"
)

// fees holds either a legacy gas price or a dynamic fee pair.
type fees struct {
	gasPrice *big.Int
	feeCap   *big.Int
	tipCap   *big.Int
}

func (f fees) legacy() bool { return f.gasPrice != nil }

// ceilingFee is the value compared against the cap.
func (f fees) ceilingFee() *big.Int {
	if f.legacy() {
		return f.gasPrice
	}
	return f.feeCap
}

// initialFees asks the network for the current suggestion. Chains without a
// base fee fall back to the legacy model.
func (e *Executor) initialFees(ctx context.Context) (fees, error) {
	ceiling := e.policy.ceiling()
	if !e.policy.Legacy {
		var baseFee *big.Int
		err := retryWithBackoff(ctx, e.policy.SendRetry, func() error {
			h, err := e.backend.HeaderByNumber(ctx, nil)
			if err != nil {
				return err
			}
			baseFee = h.BaseFee
			return nil
		})
		if err != nil {
			return fees{}, err
		}
		if baseFee != nil {
			var tip *big.Int
			err := retryWithBackoff(ctx, e.policy.SendRetry, func() error {
				var err error
				tip, err = e.backend.SuggestGasTipCap(ctx)
				return err
			})
			if err != nil {
				return fees{}, err
			}
			if max := e.policy.MaxPriorityFee; max != nil && max.Sign() > 0 && tip.Cmp(max) > 0 {
				tip = new(big.Int).Set(max)
			}
			feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
			feeCap.Add(feeCap, tip)
			feeCap = capAt(feeCap, ceiling)
			if tip.Cmp(feeCap) > 0 {
				tip = new(big.Int).Set(feeCap)
			}
			return fees{feeCap: feeCap, tipCap: tip}, nil
		}
	}

	var price *big.Int
	err := retryWithBackoff(ctx, e.policy.SendRetry, func() error {
		var err error
		price, err = e.backend.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return fees{}, err
	}
	return fees{gasPrice: capAt(price, ceiling)}, nil
}

// bump escalates f by factor, capped at ceiling. The tip never exceeds maxTip
// when one is set. ok is false when the capped fee would not be strictly
// higher than the current one.
func (f fees) bump(factor float64, ceiling, maxTip *big.Int) (next fees, ok bool) {
	if f.legacy() {
		price := capAt(escalate(f.gasPrice, factor), ceiling)
		if price.Cmp(f.gasPrice) <= 0 {
			return f, false
		}
		return fees{gasPrice: price}, true
	}
	feeCap := capAt(escalate(f.feeCap, factor), ceiling)
	if feeCap.Cmp(f.feeCap) <= 0 {
		return f, false
	}
	tip := escalate(f.tipCap, factor)
	if maxTip != nil && maxTip.Sign() > 0 && tip.Cmp(maxTip) > 0 {
		tip = new(big.Int).Set(maxTip)
	}
	if tip.Cmp(feeCap) > 0 {
		tip = new(big.Int).Set(feeCap)
	}
	return fees{feeCap: feeCap, tipCap: tip}, true
}

// escalate returns floor(prev * factor), at least prev + 1.
func escalate(prev *big.Int, factor float64) *big.Int {
	// Go through the decimal form so 1.2 multiplies as 6/5, not 1.19999...
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(factor, 'f', -1, 64))
	if !ok {
		r = new(big.Rat).SetFloat64(factor)
	}
	r.Mul(r, new(big.Rat).SetInt(prev))
	next := new(big.Int).Quo(r.Num(), r.Denom())
	if next.Cmp(prev) <= 0 {
		next = new(big.Int).Add(prev, big.NewInt(1))
	}
	return next
}

func capAt(fee, ceiling *big.Int) *big.Int {
	if ceiling != nil && fee.Cmp(ceiling) > 0 {
		return new(big.Int).Set(ceiling)
	}
	return new(big.Int).Set(fee)
}
