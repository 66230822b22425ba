package sensor

import (
	"context"

	"github.com/echemlab/forcecell/scpi"
)

// DMM is a SCPI digital multimeter reading a load cell bridge in DC ratio
// mode and, on a second instrument or channel, a thermocouple
type DMM struct {
	*scpi.SCPI

	// Thermocouple is the type letter, K by default
	Thermocouple string
}

// NewDMM wraps a SCPI connection
func NewDMM(s *scpi.SCPI) *DMM {
	return &DMM{SCPI: s, Thermocouple: "K"}
}

// Ratio measures the bridge output over its excitation, in V/V
func (d *DMM) Ratio(ctx context.Context) (float64, error) {
	return d.ReadFloat(ctx, "MEAS:VOLT:DC:RAT?")
}

// Temperature measures a thermocouple in degC
func (d *DMM) Temperature(ctx context.Context) (float64, error) {
	tc := d.Thermocouple
	if tc == "" {
		tc = "K"
	}
	return d.ReadFloat(ctx, "MEAS:TEMP? TC,"+tc)
}
