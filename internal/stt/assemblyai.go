package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const assemblyAIStreamURL = "wss://streaming.assemblyai.com/v3/ws"

// terminationWait bounds how long Run waits for the Termination message after
// asking the provider to end the session.
const terminationWait = 3 * time.Second

// AssemblyAIConfig holds configuration for the streaming client.
type AssemblyAIConfig struct {
	APIKey      string
	SampleRate  int  // e.g. 16000
	FormatTurns bool // ask for a second, punctuated end-of-turn event
	URL         string
}

// AssemblyAIStreamer dials AssemblyAI's v3 streaming API.
type AssemblyAIStreamer struct {
	cfg    AssemblyAIConfig
	dialer *websocket.Dialer
	logger *log.Logger
}

func NewAssemblyAIStreamer(cfg AssemblyAIConfig, logger *log.Logger) *AssemblyAIStreamer {
	if cfg.URL == "" {
		cfg.URL = assemblyAIStreamURL
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if logger == nil {
		logger = log.Default()
	}
	return &AssemblyAIStreamer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

// Dial opens a new streaming session.
func (s *AssemblyAIStreamer) Dial(ctx context.Context) (Conn, error) {
	if s.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", strconv.FormatBool(s.cfg.FormatTurns))

	headers := http.Header{}
	headers.Set("Authorization", s.cfg.APIKey)

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL+"?"+params.Encode(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to AssemblyAI (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	return &assemblyAIConn{
		conn:   conn,
		logger: s.logger,
	}, nil
}

type assemblyAIConn struct {
	conn   *websocket.Conn
	logger *log.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// assemblyAIMessage is the union of the v3 server messages.
type assemblyAIMessage struct {
	Type string `json:"type"`

	// Begin
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`

	// Turn
	TurnOrder           int     `json:"turn_order"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	EndOfTurn           bool    `json:"end_of_turn"`
	Transcript          string  `json:"transcript"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`

	// Termination
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`

	// Error
	Error string `json:"error"`
}

var errServerEnded = errors.New("assemblyai: session terminated by server")

func (c *assemblyAIConn) Run(src FrameSource, emit func(Event)) error {
	readDone := make(chan error, 1)
	go func() {
		readDone <- c.readLoop(emit)
	}()

	for {
		select {
		case err := <-readDone:
			stopped := c.closed.Load()
			c.Close()
			if err == nil && !stopped {
				return errServerEnded
			}
			return err
		default:
		}

		frame, err := src.Next()
		if err == io.EOF {
			return c.finish(readDone)
		}
		if err != nil {
			c.Close()
			<-readDone
			return fmt.Errorf("audio source: %w", err)
		}

		if err := c.write(websocket.BinaryMessage, frame); err != nil {
			stopped := c.closed.Load()
			c.Close()
			<-readDone
			if stopped {
				return nil
			}
			return fmt.Errorf("assemblyai: send audio: %w", err)
		}
	}
}

// finish asks the provider to end the session and waits briefly for the
// Termination message before closing the socket.
func (c *assemblyAIConn) finish(readDone <-chan error) error {
	if err := c.write(websocket.TextMessage, []byte(`{"type":"Terminate"}`)); err != nil {
		c.Close()
		<-readDone
		return nil
	}

	timer := time.NewTimer(terminationWait)
	defer timer.Stop()

	var err error
	select {
	case err = <-readDone:
	case <-timer.C:
		c.logger.Printf("assemblyai: no termination message after %s, closing", terminationWait)
		c.Close()
		err = <-readDone
	}
	c.Close()
	return err
}

func (c *assemblyAIConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return net.ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

// readLoop dispatches provider messages in order. It returns nil after a
// Termination message or once Close has been called.
func (c *assemblyAIConn) readLoop(emit func(Event)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			return fmt.Errorf("assemblyai: read: %w", err)
		}

		var msg assemblyAIMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("assemblyai: failed to parse message: %v", err)
			continue
		}

		switch msg.Type {
		case "Begin":
			emit(Event{Kind: KindBegin, SessionID: msg.ID})
		case "Turn":
			kind := KindPartial
			if msg.EndOfTurn {
				kind = KindFinal
			}
			emit(Event{
				Kind:       kind,
				Transcript: msg.Transcript,
				EndOfTurn:  msg.EndOfTurn,
				TurnOrder:  msg.TurnOrder,
				Confidence: msg.EndOfTurnConfidence,
				Formatted:  msg.TurnIsFormatted,
			})
		case "Termination":
			emit(Event{Kind: KindTermination, AudioSeconds: msg.AudioDurationSeconds})
			return nil
		case "Error":
			return fmt.Errorf("assemblyai: provider error: %s", msg.Error)
		default:
			if msg.Error != "" {
				return fmt.Errorf("assemblyai: provider error: %s", msg.Error)
			}
		}
	}
}

func (c *assemblyAIConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
