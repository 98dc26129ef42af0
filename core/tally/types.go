package tally

import "time"

// Record aggregates dispense outcomes for one device and day.
type Record struct {
	DeviceID string    `json:"device_id"`
	Date     time.Time `json:"date"`
	// Requests is the number of dispense commands acknowledged.
	Requests int `json:"requests"`
	// Failed counts the acknowledgments carrying an error.
	Failed int `json:"failed"`
	// Balls is the number of balls confirmed dispensed.
	Balls int `json:"balls"`
}

// SuccessRate returns the share of requests acknowledged without error.
func (r Record) SuccessRate() float64 {
	if r.Requests == 0 {
		return 0
	}
	return float64(r.Requests-r.Failed) / float64(r.Requests)
}

func (r *Record) add(o Record) {
	r.Requests += o.Requests
	r.Failed += o.Failed
	r.Balls += o.Balls
}
