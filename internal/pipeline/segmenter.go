package pipeline

import (
	"context"
	"log"
	"strings"

	"github.com/lukasbauer/meyme/internal/session"
	"github.com/lukasbauer/meyme/internal/stt"
)

// TurnJob is a closed user turn handed to the reply worker.
type TurnJob struct {
	Text       string
	TurnOrder  int
	Confidence float64
	Formatted  bool
	// HistoryIndex is the position of the user turn in session history, or
	// -1 when the turn was empty and nothing was appended.
	HistoryIndex int
}

type segmentState int

const (
	stateListening segmentState = iota
	stateTurnClosed
)

// turnKey orders turns across provider sessions: turn order restarts at zero
// after a reconnect, the epoch does not.
type turnKey struct {
	epoch int
	order int
}

func (k turnKey) after(o turnKey) bool {
	if k.epoch != o.epoch {
		return k.epoch > o.epoch
	}
	return k.order > o.order
}

// Segmenter is the single consumer of transcription events for one
// connection. It relays transcripts to the client and decides when a turn is
// closed.
type Segmenter struct {
	sessionID   string
	store       *session.Store
	sink        Sink
	formatTurns bool
	logger      *log.Logger

	// OnClose is called once for every closed turn, empty or not.
	OnClose func(TurnJob)
	// OnError is called for provider errors after the client was told.
	OnError func(error)

	state     segmentState
	current   turnKey
	hasClosed bool
	lastClose turnKey

	// held is an unformatted end of turn waiting for its formatted version.
	held *heldTurn
}

type heldTurn struct {
	key  turnKey
	ev   stt.Event
	text string
}

// NewSegmenter returns a segmenter that appends user turns for sessionID to
// store. With formatTurns set, an unformatted end of turn is held back until
// the formatted transcript for the same turn arrives.
func NewSegmenter(sessionID string, store *session.Store, sink Sink, formatTurns bool, logger *log.Logger) *Segmenter {
	if logger == nil {
		logger = log.Default()
	}
	return &Segmenter{
		sessionID:   sessionID,
		store:       store,
		sink:        sink,
		formatTurns: formatTurns,
		logger:      logger,
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (s *Segmenter) Run(ctx context.Context, events <-chan stt.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ev)
		}
	}
}

// Handle processes one event.
func (s *Segmenter) Handle(ev stt.Event) {
	switch ev.Kind {
	case stt.KindError:
		msg := "transcription error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		_ = s.sink.Send(errorMessage(StageTranscription, msg))
		if s.OnError != nil {
			s.OnError(ev.Err)
		}
		return
	case stt.KindPartial, stt.KindFinal:
	default:
		return
	}

	key := turnKey{epoch: ev.Epoch, order: ev.TurnOrder}
	// A reconnect means the formatted transcript for a held turn will never
	// arrive; close it with the text we have.
	if h := s.held; h != nil && key.epoch > h.key.epoch {
		s.logger.Printf("pipeline: closing turn %d unformatted after reconnect", h.ev.TurnOrder)
		s.close(h.key, h.ev, h.text)
	}
	if key != s.current {
		s.current = key
		s.state = stateListening
	}

	final := ev.Kind == stt.KindFinal && ev.EndOfTurn
	_ = s.sink.Send(TranscriptMessage{
		Type:                TypeTranscript,
		Transcript:          ev.Transcript,
		EndOfTurn:           ev.EndOfTurn,
		IsPartial:           !final,
		TurnOrder:           ev.TurnOrder,
		TurnIsFormatted:     ev.Formatted,
		EndOfTurnConfidence: ev.Confidence,
	})

	if !final || s.state == stateTurnClosed {
		return
	}
	if s.hasClosed && !key.after(s.lastClose) {
		return
	}

	text := strings.TrimSpace(ev.Transcript)
	if s.formatTurns && !ev.Formatted && text != "" {
		s.held = &heldTurn{key: key, ev: ev, text: text}
		return
	}
	s.close(key, ev, text)
}

func (s *Segmenter) close(key turnKey, ev stt.Event, text string) {
	s.state = stateTurnClosed
	s.hasClosed = true
	s.lastClose = key
	s.held = nil

	_ = s.sink.Send(TurnEndMessage{
		Type:        TypeTurnEnd,
		Transcript:  text,
		TurnOrder:   ev.TurnOrder,
		Confidence:  ev.Confidence,
		IsFormatted: ev.Formatted,
	})

	job := TurnJob{
		Text:         text,
		TurnOrder:    ev.TurnOrder,
		Confidence:   ev.Confidence,
		Formatted:    ev.Formatted,
		HistoryIndex: -1,
	}
	if text == "" {
		s.logger.Printf("pipeline: turn %d closed without speech", ev.TurnOrder)
	} else {
		job.HistoryIndex = s.store.Append(s.sessionID, session.Turn{
			Role:       session.RoleUser,
			Text:       text,
			TurnOrder:  ev.TurnOrder,
			Confidence: ev.Confidence,
			Formatted:  ev.Formatted,
		})
		s.logger.Printf("pipeline: turn %d closed: %q", ev.TurnOrder, text)
	}
	if s.OnClose != nil {
		s.OnClose(job)
	}
}
