package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const murfStreamURL = "wss://api.murf.ai/v1/speech/stream-input"

// MurfStreamer opens Murf streaming synthesis connections. Each connection
// carries one or more contexts; audio is tagged with the context it belongs to.
type MurfStreamer struct {
	apiKey     string
	voice      Voice
	url        string
	sampleRate int
	dialer     *websocket.Dialer
}

// NewMurfStreamer creates a streaming client.
func NewMurfStreamer(cfg MurfConfig) *MurfStreamer {
	u := cfg.StreamURL
	if u == "" {
		u = murfStreamURL
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = 44100
	}
	return &MurfStreamer{
		apiKey:     cfg.APIKey,
		voice:      cfg.voice(),
		url:        u,
		sampleRate: rate,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// DialStream opens a new connection.
func (s *MurfStreamer) DialStream(ctx context.Context) (Stream, error) {
	if s.apiKey == "" {
		return nil, ErrNotConfigured
	}

	params := url.Values{}
	params.Set("api-key", s.apiKey)
	params.Set("sample_rate", strconv.Itoa(s.sampleRate))
	params.Set("channel_type", "MONO")
	params.Set("format", "WAV")

	conn, resp, err := s.dialer.DialContext(ctx, s.url+"?"+params.Encode(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to Murf (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to Murf: %w", err)
	}

	st := &murfStream{
		conn:   conn,
		voice:  s.voice,
		chunks: make(chan Chunk, 64),
		closed: make(chan struct{}),
	}
	go st.readLoop()
	return st, nil
}

type murfStream struct {
	conn  *websocket.Conn
	voice Voice

	writeMu sync.Mutex

	chunks    chan Chunk
	closed    chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

type murfVoiceConfig struct {
	VoiceID   string `json:"voiceId"`
	Style     string `json:"style,omitempty"`
	Rate      int    `json:"rate"`
	Pitch     int    `json:"pitch"`
	Variation int    `json:"variation"`
}

type murfConfigMessage struct {
	VoiceConfig murfVoiceConfig `json:"voice_config"`
	ContextID   string          `json:"context_id"`
}

type murfTextMessage struct {
	ContextID string `json:"context_id"`
	Text      string `json:"text"`
	End       bool   `json:"end,omitempty"`
}

type murfServerMessage struct {
	Audio     string `json:"audio"`
	Final     bool   `json:"final"`
	ContextID string `json:"context_id"`
	Error     string `json:"error"`
}

func (s *murfStream) Configure(ctx context.Context, contextID string) error {
	if strings.TrimSpace(contextID) == "" {
		return fmt.Errorf("context id is required")
	}
	return s.writeJSON(ctx, murfConfigMessage{
		VoiceConfig: murfVoiceConfig{
			VoiceID:   s.voice.VoiceID,
			Style:     s.voice.Style,
			Variation: 1,
		},
		ContextID: contextID,
	})
}

func (s *murfStream) SendText(ctx context.Context, contextID, text string, end bool) error {
	if strings.TrimSpace(contextID) == "" {
		return fmt.Errorf("context id is required")
	}
	return s.writeJSON(ctx, murfTextMessage{ContextID: contextID, Text: text, End: end})
}

func (s *murfStream) Chunks() <-chan Chunk { return s.chunks }

func (s *murfStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *murfStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
	return nil
}

func (s *murfStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *murfStream) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *murfStream) readLoop() {
	defer close(s.chunks)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.fail(fmt.Errorf("murf: read: %w", err))
			}
			return
		}

		var msg murfServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrMalformed, err))
			s.Close()
			return
		}
		if msg.Error != "" {
			s.fail(fmt.Errorf("murf: provider error: %s", msg.Error))
			s.Close()
			return
		}

		var chunk Chunk
		chunk.ContextID = msg.ContextID
		if msg.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				s.fail(fmt.Errorf("%w: invalid audio base64", ErrMalformed))
				s.Close()
				return
			}
			chunk.Audio = audio
			chunk.Base64 = msg.Audio
		}
		chunk.Final = msg.Final
		if len(chunk.Audio) == 0 && !chunk.Final {
			continue
		}

		select {
		case s.chunks <- chunk:
		case <-s.closed:
			return
		}
	}
}

func (s *murfStream) writeJSON(ctx context.Context, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return fmt.Errorf("murf: stream closed")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if err := s.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("murf: write: %w", err)
	}
	return nil
}
