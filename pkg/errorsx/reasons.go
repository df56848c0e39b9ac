package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonCredential ReasonCode = "credential"
	ReasonTokenFetch ReasonCode = "token_fetch"
	ReasonConnect    ReasonCode = "connect"
	ReasonChannel    ReasonCode = "channel"
	ReasonSend       ReasonCode = "send"
	ReasonInterrupt  ReasonCode = "interrupt"

	ReasonSessionInactive ReasonCode = "session_inactive"
	ReasonModeMismatch    ReasonCode = "mode_mismatch"
	ReasonNoSelection     ReasonCode = "no_selection"
	ReasonUnknownAvatar   ReasonCode = "unknown_avatar"
	ReasonNothingToRepeat ReasonCode = "nothing_to_repeat"
	ReasonClosed          ReasonCode = "closed"

	ReasonUpstreamRateLimit   ReasonCode = "upstream_rate_limit"
	ReasonUpstreamCircuitOpen ReasonCode = "upstream_circuit_open"
)

// Fatal reports whether a failure with this reason ends the attempted start.
// Channel, send and interrupt failures leave the session as it was.
func (r ReasonCode) Fatal() bool {
	switch r {
	case ReasonCredential, ReasonTokenFetch, ReasonConnect:
		return true
	default:
		return false
	}
}
