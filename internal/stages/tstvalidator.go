package stages

import (
	"time"

	"github.com/snarg/eke-engine/internal/ekemsg"
)

// ntpAgreementWindow is how close the broker receive time must be to the
// NTP timestamp for the latter to be trusted even when the valid bit is
// not set.
const ntpAgreementWindow = 2 * time.Second

// TSTValidator selects the authoritative timestamp for each message. The
// EKE clock drifts, so the last observed EKE-vs-NTP offset is remembered
// per vehicle and applied to records whose NTP time cannot be trusted.
type TSTValidator struct {
	offset time.Duration
}

func NewTSTValidator() *TSTValidator {
	return &TSTValidator{}
}

func (v *TSTValidator) Apply(env ekemsg.Envelope) ekemsg.Envelope {
	data := env.Data
	if data == nil {
		return env
	}

	data.TST = data.EkeTimestamp
	data.TSTSource = "eke"

	if data.NTPTimeValid || absDuration(data.MQTTTimestamp.Sub(data.NTPTimestamp)) < ntpAgreementWindow {
		v.offset = data.NTPTimestamp.Sub(data.EkeTimestamp)
	}

	data.TSTCorrected = data.EkeTimestamp.Add(v.offset).UTC()
	data.TSTCorrectionSecs = v.offset.Seconds()
	return env
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
