package indicator

// RSI is the Relative Strength Index with Wilder smoothing.
// Needs period+1 prices before the first value.
type RSI struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// NewRSI creates a new RSI with the given period.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string { return "RSI" }

func (r *RSI) Update(price float64) {
	r.count++

	if r.count == 1 {
		r.prevClose = price
		return
	}

	gain, loss := split(price - r.prevClose)
	r.prevClose = price

	if r.count <= r.period+1 {
		r.avgGain += gain
		r.avgLoss += loss

		if r.count == r.period+1 {
			r.avgGain /= float64(r.period)
			r.avgLoss /= float64(r.period)
			r.current = rsiValue(r.avgGain, r.avgLoss)
		}
		return
	}

	p := float64(r.period)
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	r.current = rsiValue(r.avgGain, r.avgLoss)
}

func (r *RSI) Value() float64  { return r.current }
func (r *RSI) Ready() bool     { return r.count > r.period }
func (r *RSI) PeekReady() bool { return r.count > r.period }

// Peek returns the last value until the seed window is complete.
func (r *RSI) Peek(price float64) float64 {
	if r.count <= r.period {
		return r.current
	}
	gain, loss := split(price - r.prevClose)
	p := float64(r.period)
	return rsiValue((r.avgGain*(p-1)+gain)/p, (r.avgLoss*(p-1)+loss)/p)
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}
