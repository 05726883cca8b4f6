package voicechat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/pkg/memory"
	"github.com/MrWong99/voicechat/pkg/protocol"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

// ChatSettings shape the completion request of every chat turn.
type ChatSettings struct {
	SystemPrompt string
	Tools        []llm.ToolDefinition
	Temperature  float64
	MaxTokens    int
}

// dispatcher runs chat jobs on a bounded pool of goroutines. A job streams
// the model reply into the synthesizer and, for the text modality, to the
// client. Cancelled jobs keep draining the model stream but forward nothing.
type dispatcher struct {
	sessionID string
	llm       llm.Provider
	llmName   string
	history   memory.HistoryStore
	settings  ChatSettings
	tools     bool
	text      bool
	tokens    *cancelTokens
	synth     *synthesizer // nil without the audio modality
	emit      emitFunc
	metrics   *observe.Metrics

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// Dispatch starts job in the background. It never blocks the caller.
func (d *dispatcher) Dispatch(ctx context.Context, job ChatJob) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		d.run(ctx, job)
	}()
}

// Wait blocks until every dispatched job has returned.
func (d *dispatcher) Wait() { d.wg.Wait() }

func (d *dispatcher) run(ctx context.Context, job ChatJob) {
	log := observe.Logger(ctx).With("session_id", d.sessionID, "chat_id", job.ChatID)
	log.Info("voicechat: chat start", "text", job.Query)
	start := time.Now()

	history, err := d.history.GetMessages(ctx, d.sessionID)
	if err != nil {
		log.Warn("voicechat: load history", "err", err)
		history = nil
	}
	user := llm.Message{Role: "user", Content: job.Query}
	req := llm.CompletionRequest{
		SystemPrompt: d.settings.SystemPrompt,
		Messages:     append(history, user),
		Temperature:  d.settings.Temperature,
		MaxTokens:    d.settings.MaxTokens,
	}
	if d.tools {
		req.Tools = d.settings.Tools
	}

	ctx, span := observe.StartChatSpan(ctx, d.sessionID, job.ChatID, d.llmName)
	outcome, spanErr := observe.ChatFailed, error(nil)
	defer func() { observe.EndChatSpan(span, outcome, spanErr) }()

	stream, err := d.llm.StreamCompletion(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("voicechat: chat request failed", "err", err)
			d.metrics.RecordProviderError(ctx, d.llmName, "llm")
		}
		spanErr = err
		d.abort(job.ChatID)
		d.metrics.RecordChatJob(ctx, observe.ChatFailed)
		return
	}
	d.metrics.RecordProviderRequest(ctx, d.llmName, "llm", "ok")

	var (
		content  strings.Builder
		calls    []llm.ToolCall
		first    = true
		answered = false
		failed   = false
	)
	for chunk := range stream {
		if first {
			ttft := time.Since(start)
			d.metrics.LLMTimeToFirstToken.Record(ctx, ttft.Seconds())
			log.Info("voicechat: chat ttft", "ttft", ttft)
			first = false
		}
		if chunk.FinishReason == llm.FinishReasonError {
			log.Error("voicechat: chat stream failed", "err", chunk.Text)
			d.metrics.RecordProviderError(ctx, d.llmName, "llm")
			spanErr = fmt.Errorf("voicechat: chat stream failed: %s", chunk.Text)
			d.abort(job.ChatID)
			failed = true
			continue
		}
		if d.tokens.cancelled(job.ChatID) {
			log.Debug("voicechat: cancelled chat response dropped", "text", chunk.Text)
			continue
		}

		if len(chunk.ToolCalls) > 0 && d.synth != nil {
			// Tool-call turns are not spoken.
			d.synth.ForceClose(job.ChatID)
		}
		if d.text {
			if !answered {
				d.send(ctx, log, protocol.EventAudioTranscript, protocol.TranscriptPayload{
					SessionID: d.sessionID,
					Finished:  true,
				})
			}
			d.send(ctx, log, protocol.EventResponseText, protocol.TextPayload{
				SessionID: d.sessionID,
				ChatID:    job.ChatID,
				Text:      chunk.Text,
				ToolCalls: wireToolCalls(chunk.ToolCalls),
				Finished:  chunk.Finished(),
			})
		}
		answered = true
		if d.synth != nil {
			d.synth.Feed(job.ChatID, chunk.Text)
		}
		content.WriteString(chunk.Text)
		calls = append(calls, chunk.ToolCalls...)
	}
	d.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

	if d.synth != nil {
		d.synth.FlushAndClose(job.ChatID)
	}

	switch {
	case failed:
		d.metrics.RecordChatJob(ctx, observe.ChatFailed)
	case d.tokens.cancelled(job.ChatID) || ctx.Err() != nil:
		outcome = observe.ChatCancelled
		d.metrics.RecordChatJob(ctx, observe.ChatCancelled)
		log.Info("voicechat: chat cancelled")
	default:
		reply := llm.Message{Role: "assistant", Content: content.String(), ToolCalls: calls}
		if err := d.history.AddMessages(ctx, d.sessionID, user, reply); err != nil {
			log.Warn("voicechat: save history", "err", err)
		}
		outcome = observe.ChatCompleted
		d.metrics.RecordChatJob(ctx, observe.ChatCompleted)
	}
	log.Info("voicechat: chat end", "duration", time.Since(start))
}

// abort cancels the chat and closes its synthesis so the pacer never waits
// on a dead stream.
func (d *dispatcher) abort(chatID string) {
	d.tokens.cancel(chatID)
	if d.synth != nil {
		d.synth.ForceClose(chatID)
	}
}

func (d *dispatcher) send(ctx context.Context, log *slog.Logger, name protocol.EventName, payload any) {
	if err := d.emit(ctx, name, payload); err != nil && ctx.Err() == nil {
		log.Debug("voicechat: emit chat event", "event", name, "err", err)
	}
}

func wireToolCalls(calls []llm.ToolCall) []protocol.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]protocol.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = protocol.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}
