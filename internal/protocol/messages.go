package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is a recognized user utterance.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id,omitempty"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// StateChange announces a turn controller transition.
type StateChange struct {
	NodeID    string    `json:"node_id"`
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechEvent mirrors synthesis start and finish notifications.
type SpeechEvent struct {
	NodeID      string    `json:"node_id"`
	UtteranceID string    `json:"utterance_id"`
	Kind        string    `json:"kind"` // started, finished
	Cancelled   bool      `json:"cancelled,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TurnCompleted summarizes a finished conversation turn.
type TurnCompleted struct {
	NodeID        string    `json:"node_id"`
	SessionID     string    `json:"session_id"`
	TurnID        string    `json:"turn_id"`
	UserText      string    `json:"user_text,omitempty"`
	AssistantText string    `json:"assistant_text"`
	Outcome       string    `json:"outcome"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// ChatRequest asks the dialogue model a text question outside the spoken loop.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse answers a ChatRequest. Error is set when the model failed.
type ChatResponse struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SayRequest injects typed text into the spoken loop as if it had been heard.
type SayRequest struct {
	Text string `json:"text"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscript       = "assistant.transcript"
	SubjectState            = "assistant.state"
	SubjectSpeech           = "assistant.speech"
	SubjectTurnCompleted    = "assistant.turn.completed"
	SubjectChatRequest      = "assistant.chat.request"
	SubjectSay              = "assistant.say"
)

// AudioFrameSubject returns the subject a node streams microphone frames on.
func AudioFrameSubject(nodeID string) string {
	return SubjectAudioFramePrefix + "." + nodeID
}
