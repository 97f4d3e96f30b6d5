package radio

// Claim is the per-tick arbitration token for the shared radio. The
// scheduler resets it to ClaimFree at the top of each cycle; the first
// component that needs airtime takes it, everyone after backs off until
// the next cycle. At most one of {RSSI measurement, publish attempt}
// proceeds per cycle.
type Claim uint8

const (
	ClaimFree Claim = iota
	ClaimMeasure
	ClaimPublish
)

func (c Claim) String() string {
	switch c {
	case ClaimFree:
		return "free"
	case ClaimMeasure:
		return "measure"
	case ClaimPublish:
		return "publish"
	}
	return "?"
}
