// Package pipeline wires one client connection through transcription, turn
// segmentation, reply generation and streaming synthesis.
package pipeline

// Sink delivers JSON messages to the client. Implementations must be safe
// for concurrent use: the segmenter, the reply worker and the synthesis
// relay all write to the same sink.
type Sink interface {
	Send(v any) error
}

// Client message types.
const (
	TypeTranscript    = "transcript"
	TypeTurnEnd       = "turn_end"
	TypeAudioChunk    = "audio_chunk"
	TypeAudioComplete = "audio_complete"
	TypeError         = "error"
	TypeSession       = "session"
)

// Error stages.
const (
	StageTranscription = "transcription"
	StageReply         = "reply"
	StageSynthesis     = "synthesis"
)

type TranscriptMessage struct {
	Type                string  `json:"type"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	IsPartial           bool    `json:"is_partial"`
	TurnOrder           int     `json:"turn_order"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
}

type TurnEndMessage struct {
	Type        string  `json:"type"`
	Transcript  string  `json:"transcript"`
	TurnOrder   int     `json:"turn_order"`
	Confidence  float64 `json:"confidence"`
	IsFormatted bool    `json:"is_formatted"`
}

type AudioChunkMessage struct {
	Type                string `json:"type"`
	ChunkIndex          int    `json:"chunk_index"`
	Base64Audio         string `json:"base64_audio"`
	ChunkSize           int    `json:"chunk_size"`
	TotalChunksReceived int    `json:"total_chunks_received"`
}

type AudioCompleteMessage struct {
	Type              string `json:"type"`
	TotalChunks       int    `json:"total_chunks"`
	TotalBase64Chars  int    `json:"total_base64_chars"`
	AccumulatedChunks int    `json:"accumulated_chunks"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type SessionMessage struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
}

func errorMessage(stage, msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Stage: stage, Message: msg}
}
