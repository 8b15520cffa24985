package errorsx

// ReasonCode is a short machine-readable error reason surfaced on error events.
type ReasonCode string

const (
	// ReasonNetwork covers connect failures, timeouts and dropped connections
	// that exhausted the reconnect budget.
	ReasonNetwork ReasonCode = "NETWORK"
	// ReasonNotAllowed means the audio source could not be acquired.
	ReasonNotAllowed ReasonCode = "NOT_ALLOWED"
	// ReasonNoSpeech is reported by native engines only.
	ReasonNoSpeech ReasonCode = "NO_SPEECH"
	// ReasonNotSupported means no viable recognition strategy exists.
	ReasonNotSupported ReasonCode = "NOT_SUPPORTED"
	// ReasonVADTimeout is an internal signal and never reaches listeners as an error.
	ReasonVADTimeout ReasonCode = "VAD_TIMEOUT"
	// ReasonAdapter means the vendor rejected input or returned malformed data.
	ReasonAdapter ReasonCode = "ADAPTER_ERROR"
	ReasonUnknown ReasonCode = "UNKNOWN"
)

// Codes lists every reason in taxonomy order.
var Codes = []ReasonCode{
	ReasonNetwork,
	ReasonNotAllowed,
	ReasonNoSpeech,
	ReasonNotSupported,
	ReasonVADTimeout,
	ReasonAdapter,
	ReasonUnknown,
}

// Valid reports whether c is part of the taxonomy.
func (c ReasonCode) Valid() bool {
	for _, code := range Codes {
		if code == c {
			return true
		}
	}
	return false
}
