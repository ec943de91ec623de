package indicator

// SMMA is the smoothed (Wilder) moving average:
// SMMA = (prev*(period-1) + price) / period, seeded with an SMA.
type SMMA struct {
	period  int
	count   int
	sum     float64
	current float64
}

// NewSMMA creates a new SMMA with the given period.
func NewSMMA(period int) *SMMA {
	return &SMMA{period: period}
}

func (s *SMMA) Name() string { return "SMMA" }

func (s *SMMA) Update(price float64) {
	s.count++

	if s.count <= s.period {
		s.sum += price
		if s.count == s.period {
			s.current = s.sum / float64(s.period)
		}
		return
	}

	s.current = (s.current*float64(s.period-1) + price) / float64(s.period)
}

func (s *SMMA) Value() float64  { return s.current }
func (s *SMMA) Ready() bool     { return s.count >= s.period }
func (s *SMMA) PeekReady() bool { return s.count+1 >= s.period }

func (s *SMMA) Peek(price float64) float64 {
	if s.count < s.period {
		return (s.sum + price) / float64(s.count+1)
	}
	return (s.current*float64(s.period-1) + price) / float64(s.period)
}

// Reset clears the SMMA state for reuse.
func (s *SMMA) Reset() {
	s.count = 0
	s.sum = 0
	s.current = 0
}
