package pipeline

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/lukasbauer/meyme/internal/costs"
	"github.com/lukasbauer/meyme/internal/eventlog"
	"github.com/lukasbauer/meyme/internal/llm"
	"github.com/lukasbauer/meyme/internal/session"
)

// ReplyStreamer generates the assistant reply for a closed turn and feeds it,
// sentence by sentence, to a synthesis delivery.
type ReplyStreamer struct {
	llm    llm.Client
	store  *session.Store
	relay  *SynthesisRelay
	sink   Sink
	events *eventlog.Logger
	logger *log.Logger

	connectionID string
	sessionID    string
}

// NewReplyStreamer returns a streamer for one connection. relay may be nil,
// in which case replies are recorded but never spoken.
func NewReplyStreamer(client llm.Client, store *session.Store, relay *SynthesisRelay, sink Sink, events *eventlog.Logger, logger *log.Logger, connectionID, sessionID string) *ReplyStreamer {
	if logger == nil {
		logger = log.Default()
	}
	return &ReplyStreamer{
		llm:          client,
		store:        store,
		relay:        relay,
		sink:         sink,
		events:       events,
		logger:       logger,
		connectionID: connectionID,
		sessionID:    sessionID,
	}
}

// ReplyResult describes one finished reply.
type ReplyResult struct {
	Text     string
	Failed   bool
	Err      error
	Usage    costs.Usage
	Delivery *DeliveryResult
}

// Reply runs the whole reply for job and returns once the assistant turn is
// recorded and synthesis, if any, has finished. A cancelled ctx abandons the
// reply without recording it.
func (r *ReplyStreamer) Reply(ctx context.Context, job TurnJob) ReplyResult {
	var res ReplyResult

	history := r.store.ContextFor(r.sessionID, job.HistoryIndex)
	messages := make([]llm.Message, 0, len(history))
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Text})
		res.Usage.PromptCharacters += len(t.Text)
	}

	r.events.LogAsync(r.connectionID, r.sessionID, eventlog.EventReplyStarted, map[string]any{
		"turn_order": job.TurnOrder,
		"history":    len(messages),
	})

	delivery := r.openDelivery(ctx)
	speak := func(text string, end bool) {
		if delivery == nil || (text == "" && !end) {
			return
		}
		if err := delivery.Send(ctx, text, end); err != nil {
			// The relay loop reports the failure once it has drained.
			return
		}
		res.Usage.SynthesizedCharacters += len(text)
	}

	var full, pending, spoken strings.Builder
	var streamErr error
	for chunk, err := range r.llm.StreamReply(ctx, messages) {
		if err != nil {
			streamErr = err
			break
		}
		full.WriteString(chunk)
		pending.WriteString(chunk)

		sentences, rest := extractCompleteSentences(pending.String())
		if sentences != "" {
			speak(sentences, false)
			spoken.WriteString(sentences)
			pending.Reset()
			pending.WriteString(rest)
		}
	}

	if ctx.Err() != nil {
		if delivery != nil {
			_ = delivery.Close()
			delivery.Wait()
		}
		res.Err = ctx.Err()
		return res
	}

	text := strings.TrimSpace(full.String())
	if streamErr == nil && text == "" {
		streamErr = errors.New("empty reply")
	}

	if streamErr != nil {
		res.Failed = true
		res.Err = streamErr
		r.logger.Printf("pipeline: reply for turn %d failed: %v", job.TurnOrder, streamErr)
		captureError(streamErr, StageReply, r.connectionID)
		_ = r.sink.Send(errorMessage(StageReply, streamErr.Error()))
		r.events.LogAsync(r.connectionID, r.sessionID, eventlog.EventReplyFailed, map[string]any{
			"turn_order": job.TurnOrder,
			"error":      streamErr.Error(),
		})

		// Sentences already spoken stay spoken; the unspoken tail is replaced.
		apology := llm.ApologyText
		if spoken.Len() > 0 {
			apology = " " + apology
		}
		speak(apology, true)
		text = strings.TrimSpace(spoken.String() + apology)
	} else {
		speak(pending.String(), true)
		r.events.LogAsync(r.connectionID, r.sessionID, eventlog.EventReplyCompleted, map[string]any{
			"turn_order": job.TurnOrder,
			"characters": len(text),
		})
	}

	res.Text = text
	res.Usage.ReplyCharacters = len(full.String())
	r.store.Append(r.sessionID, session.Turn{Role: session.RoleAssistant, Text: text})
	r.logger.Printf("pipeline: reply for turn %d: %q", job.TurnOrder, text)

	if delivery != nil {
		d := delivery.Wait()
		res.Delivery = &d
		r.finishDelivery(ctx, job, d)
	}
	return res
}

func (r *ReplyStreamer) openDelivery(ctx context.Context) *Delivery {
	if r.relay == nil {
		return nil
	}
	d, err := r.relay.Open(ctx)
	if err != nil {
		r.logger.Printf("pipeline: synthesis unavailable: %v", err)
		_ = r.sink.Send(errorMessage(StageSynthesis, err.Error()))
		r.events.LogAsync(r.connectionID, r.sessionID, eventlog.EventSynthesisFailed, map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	r.events.LogAsync(r.connectionID, r.sessionID, eventlog.EventSynthesisStarted, map[string]any{
		"context_id": d.ContextID(),
	})
	return d
}

func (r *ReplyStreamer) finishDelivery(ctx context.Context, job TurnJob, d DeliveryResult) {
	if d.Complete && d.Err == nil {
		r.events.LogAsync(r.connectionID, r.sessionID, eventlog.EventSynthesisCompleted, map[string]any{
			"context_id":   d.ContextID,
			"turn_order":   job.TurnOrder,
			"chunks":       d.Chunks,
			"base64_chars": d.Base64Chars,
		})
		return
	}
	if ctx.Err() != nil {
		return
	}
	err := d.Err
	if err == nil {
		err = ErrSynthesisIncomplete
	}
	r.logger.Printf("pipeline: synthesis for turn %d ended after %d chunk(s): %v", job.TurnOrder, d.Chunks, err)
	_ = r.sink.Send(errorMessage(StageSynthesis, err.Error()))
	r.events.LogAsync(r.connectionID, r.sessionID, eventlog.EventSynthesisFailed, map[string]any{
		"context_id": d.ContextID,
		"turn_order": job.TurnOrder,
		"chunks":     d.Chunks,
		"error":      err.Error(),
	})
}

// extractCompleteSentences splits buffer after its last sentence boundary and
// returns (complete sentences, remaining text).
func extractCompleteSentences(buffer string) (string, string) {
	lastBoundary := -1
	for i := len(buffer) - 1; i >= 0; i-- {
		c := buffer[i]
		if c == '.' || c == '!' || c == '?' {
			lastBoundary = i
			break
		}
	}

	if lastBoundary == -1 {
		return "", buffer
	}

	return buffer[:lastBoundary+1], buffer[lastBoundary+1:]
}
