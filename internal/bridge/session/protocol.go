package session

// Outgoing message shapes sent to the speech service over the websocket.

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string      `json:"modalities"`
	Voice             string        `json:"voice,omitempty"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     turnDetection `json:"turn_detection"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type commitMessage struct {
	Type string `json:"type"`
}

type responseCreateMessage struct {
	Type     string           `json:"type"`
	Response responseCreateBody `json:"response"`
}

type responseCreateBody struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}

type responseCancelMessage struct {
	Type string `json:"type"`
}

// Incoming event shapes, per spec §4.6/§6.

type serverEvent struct {
	Type string `json:"type"`

	// session.updated
	Session *sessionUpdatedBody `json:"session,omitempty"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error
	Error *serverErrorDetail `json:"error,omitempty"`
}

type sessionUpdatedBody struct {
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
	InputSampleRate   int    `json:"input_sample_rate_hz"`
	OutputSampleRate  int    `json:"output_sample_rate_hz"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event type string constants, per spec §6.
const (
	evtSessionUpdate    = "session.update"
	evtSessionUpdated   = "session.updated"
	evtBufferAppend     = "input_audio_buffer.append"
	evtBufferCommit     = "input_audio_buffer.commit"
	evtBufferCommitted  = "input_audio_buffer.committed"
	evtSpeechStarted    = "input_audio_buffer.speech_started"
	evtSpeechStopped    = "input_audio_buffer.speech_stopped"
	evtResponseCreate   = "response.create"
	evtResponseCancel   = "response.cancel"
	evtResponseAudioDel = "response.audio.delta"
	evtResponseAudioDon = "response.audio.done"
	evtResponseDone     = "response.done"
	evtError            = "error"
)

const (
	codeCommitEmpty       = "input_audio_buffer_commit_empty"
	codeActiveResponse    = "conversation_already_has_active_response"
)
