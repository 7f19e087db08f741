package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonNotConnected    ReasonCode = "not_connected"
	ReasonTransportDial   ReasonCode = "transport_dial"
	ReasonTransportSend   ReasonCode = "transport_send"
	ReasonTransportFrame  ReasonCode = "transport_frame"
	ReasonOutOfOrderChunk ReasonCode = "out_of_order_chunk"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTRetry       ReasonCode = "stt_retry"
	ReasonSTTUnavailable ReasonCode = "stt_unavailable"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSSynthesis ReasonCode = "tts_synthesis"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	ReasonTaskCancelled ReasonCode = "task_cancelled"
	ReasonMicBusy       ReasonCode = "mic_busy"
)
