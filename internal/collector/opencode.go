// Package collector tails an opencode server's event stream and mirrors its
// sessions into the metering engine, so locally driven agent runs get
// measured without SDK instrumentation.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"
	"go.uber.org/zap"

	"github.com/Bldg-7/agentmeter/internal/meter"
	"github.com/Bldg-7/agentmeter/internal/storage"
)

// Token counts reported by opencode are converted back to the character
// scale the cost model estimates from.
const charsPerReportedToken = 4

type eventStream interface {
	Next() bool
	Current() opencode.EventListResponse
	Err() error
	Close() error
}

type eventService interface {
	ListStreaming(ctx context.Context, query opencode.EventListParams, opts ...option.RequestOption) eventStream
}

type sdkEventService struct {
	svc *opencode.EventService
}

func (s *sdkEventService) ListStreaming(ctx context.Context, query opencode.EventListParams, opts ...option.RequestOption) eventStream {
	return s.svc.ListStreaming(ctx, query, opts...)
}

// Collector consumes opencode events and replays them as metering events.
// Each opencode session maps to one metered session for its lifetime.
type Collector struct {
	events    eventService
	engine    *meter.Engine
	directory string
	logger    *zap.Logger
	backoff   *Backoff

	mu       sync.Mutex
	sessions map[string]string // opencode session id -> metered session id
}

func NewCollector(baseURL, directory string, engine *meter.Engine, logger *zap.Logger) *Collector {
	client := opencode.NewClient(option.WithBaseURL(baseURL))
	return newCollectorWithService(&sdkEventService{svc: client.Event}, directory, engine, logger)
}

func newCollectorWithService(events eventService, directory string, engine *meter.Engine, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		events:    events,
		engine:    engine,
		directory: directory,
		logger:    logger,
		backoff:   DefaultBackoff(),
		sessions:  make(map[string]string),
	}
}

// Run subscribes to the event stream and reconnects with backoff until the
// context is cancelled.
func (c *Collector) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		stream := c.events.ListStreaming(ctx, opencode.EventListParams{
			Directory: opencode.F(c.directory),
		})
		c.consume(stream)

		if ctx.Err() != nil {
			return
		}

		wait := c.backoff.Duration()
		c.logger.Warn("opencode event stream disconnected, reconnecting",
			zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Collector) consume(stream eventStream) {
	defer stream.Close()

	for stream.Next() {
		c.backoff.Reset()
		resp := stream.Current()
		c.handleEvent(string(resp.Type), resp.JSON.RawJSON())
	}
	if err := stream.Err(); err != nil {
		c.logger.Warn("opencode event stream error", zap.Error(err))
	}
}

func (c *Collector) handleEvent(eventType, raw string) {
	sessionID := extractSessionID(raw)
	if sessionID == "" {
		return
	}

	switch eventType {
	case string(opencode.EventListResponseTypeSessionCreated):
		c.sessionFor(sessionID)

	case string(opencode.EventListResponseTypeSessionDeleted):
		c.closeSession(sessionID)

	case string(opencode.EventListResponseTypeSessionError):
		meterID := c.sessionFor(sessionID)
		if meterID == "" {
			return
		}
		if _, err := c.engine.RecordEvent(meterID, meter.EventInput{
			Kind:         string(storage.KindError),
			ErrorMessage: extractErrorMessage(raw),
		}); err != nil {
			c.logger.Warn("failed to record opencode error event",
				zap.String("opencode_session", sessionID), zap.Error(err))
		}

	case "message.updated":
		c.recordMessageUsage(sessionID, raw)
	}
}

// sessionFor returns the metered session mapped to an opencode session,
// opening one lazily for sessions created before the collector attached.
func (c *Collector) sessionFor(sessionID string) string {
	c.mu.Lock()
	meterID, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if ok {
		return meterID
	}

	header, err := c.engine.OpenSession(
		"opencode:"+sessionID,
		"",
		map[string]any{"source": "opencode", "opencode_session_id": sessionID},
	)
	if err != nil {
		c.logger.Warn("failed to open metered session",
			zap.String("opencode_session", sessionID), zap.Error(err))
		return ""
	}

	c.mu.Lock()
	c.sessions[sessionID] = header.ID
	c.mu.Unlock()
	return header.ID
}

func (c *Collector) closeSession(sessionID string) {
	c.mu.Lock()
	meterID, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		return
	}

	if _, err := c.engine.CloseSession(meterID); err != nil {
		c.logger.Warn("failed to close metered session",
			zap.String("opencode_session", sessionID), zap.Error(err))
	}
}

// recordMessageUsage translates an assistant message's token usage into
// LLM_REQUEST/LLM_RESPONSE events. Message updates repeat as the reply
// streams, so the message id doubles as the idempotency key.
func (c *Collector) recordMessageUsage(sessionID, raw string) {
	info := extractMessageInfo(raw)
	if info == nil || info.Role != "assistant" {
		return
	}
	if info.InputTokens == 0 && info.OutputTokens == 0 {
		return
	}

	meterID := c.sessionFor(sessionID)
	if meterID == "" {
		return
	}

	if info.InputTokens > 0 {
		prompt := info.InputTokens * charsPerReportedToken
		if _, err := c.engine.RecordEvent(meterID, meter.EventInput{
			Kind:        string(storage.KindLLMRequest),
			Model:       info.Model,
			PromptChars: &prompt,
			ClientKey:   info.MessageID + ":req",
		}); err != nil {
			c.logger.Warn("failed to record llm request", zap.Error(err))
		}
	}
	if info.OutputTokens > 0 {
		response := info.OutputTokens * charsPerReportedToken
		if _, err := c.engine.RecordEvent(meterID, meter.EventInput{
			Kind:          string(storage.KindLLMResponse),
			Model:         info.Model,
			ResponseChars: &response,
			ClientKey:     info.MessageID + ":resp",
		}); err != nil {
			c.logger.Warn("failed to record llm response", zap.Error(err))
		}
	}
}

type messageInfo struct {
	MessageID    string
	Role         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

func extractSessionID(raw string) string {
	if raw == "" {
		return ""
	}
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return ""
	}
	props, _ := event["properties"].(map[string]interface{})
	if props == nil {
		return ""
	}
	if sid, ok := props["sessionID"].(string); ok {
		return sid
	}
	if info, ok := props["info"].(map[string]interface{}); ok {
		if sid, ok := info["sessionID"].(string); ok {
			return sid
		}
		if sid, ok := info["id"].(string); ok {
			return sid
		}
	}
	return ""
}

func extractErrorMessage(raw string) string {
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return "opencode session error"
	}
	props, _ := event["properties"].(map[string]interface{})
	if props == nil {
		return "opencode session error"
	}
	if errAny, ok := props["error"]; ok {
		switch v := errAny.(type) {
		case string:
			return v
		case map[string]interface{}:
			if name, ok := v["name"].(string); ok {
				return name
			}
		}
		return fmt.Sprintf("%v", errAny)
	}
	return "opencode session error"
}

func extractMessageInfo(raw string) *messageInfo {
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil
	}
	props, _ := event["properties"].(map[string]interface{})
	if props == nil {
		return nil
	}
	info, _ := props["info"].(map[string]interface{})
	if info == nil {
		return nil
	}

	out := &messageInfo{}
	out.MessageID, _ = info["id"].(string)
	out.Role, _ = info["role"].(string)
	out.Model, _ = info["modelID"].(string)

	if tokens, ok := info["tokens"].(map[string]interface{}); ok {
		if v, ok := tokens["input"].(float64); ok {
			out.InputTokens = int64(v)
		}
		if v, ok := tokens["output"].(float64); ok {
			out.OutputTokens = int64(v)
		}
	}
	return out
}
