// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package listener

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/trendwire/internal/logging"
	"github.com/tomtom215/trendwire/internal/models"
)

// BridgeClient is the shipped Client implementation. The engine never
// speaks the chat-network protocol itself; the external session client
// appends inbound messages as JSON lines to a file or named pipe, and
// the companion bot relays whatever this client appends to the outbox.
//
// A line with {"control":"auth_revoked"} makes Run return ErrAuthRevoked,
// which is how the session client signals a dead session.
type BridgeClient struct {
	inPath  string
	outPath string
	msgs    chan models.RawMessage
}

// bridgeRecord is the JSONL wire form of one inbound message.
type bridgeRecord struct {
	Control   string    `json:"control,omitempty"`
	SourceID  string    `json:"source_id"`
	MessageID int64     `json:"message_id"`
	ArrivedAt time.Time `json:"arrived_at"`
	Text      string    `json:"text"`
	ReplyTo   int64     `json:"reply_to,omitempty"`
}

// NewBridgeClient creates a bridge transport. outPath may be empty to
// discard outbound messages.
func NewBridgeClient(inPath, outPath string) *BridgeClient {
	return &BridgeClient{
		inPath:  inPath,
		outPath: outPath,
		msgs:    make(chan models.RawMessage, 64),
	}
}

// Messages implements Client.
func (c *BridgeClient) Messages() <-chan models.RawMessage {
	return c.msgs
}

// Run implements Client: stream the inbound file onto the message
// channel. On a named pipe this blocks on the writer; on a regular file
// it tails from the end of the last read.
func (c *BridgeClient) Run(ctx context.Context) error {
	f, err := os.Open(c.inPath)
	if err != nil {
		return fmt.Errorf("open bridge input: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var rec bridgeRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			logging.Warn().Err(err).Int("line", line).Msg("Skipping malformed bridge record")
			continue
		}
		if rec.Control == "auth_revoked" {
			return ErrAuthRevoked
		}
		raw := models.RawMessage{
			SourceID:  rec.SourceID,
			MessageID: rec.MessageID,
			ArrivedAt: rec.ArrivedAt,
			Text:      rec.Text,
			ReplyTo:   rec.ReplyTo,
		}
		select {
		case c.msgs <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read bridge input: %w", err)
	}

	// EOF on a regular file: the writer is gone or the stream is done.
	// Wait for cancellation instead of spinning on reconnects.
	logging.Info().Int("messages", line).Msg("Bridge input exhausted")
	<-ctx.Done()
	return ctx.Err()
}

// Send implements Client by appending to the outbox.
func (c *BridgeClient) Send(_ context.Context, chatID, text string) error {
	if c.outPath == "" {
		logging.Info().Str("chat", chatID).Msg("Outbound message discarded (no outbox configured)")
		return nil
	}
	f, err := os.OpenFile(c.outPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open bridge outbox: %w", err)
	}
	defer func() { _ = f.Close() }()

	rec := struct {
		ChatID string    `json:"chat_id"`
		SentAt time.Time `json:"sent_at"`
		Text   string    `json:"text"`
	}{ChatID: chatID, SentAt: time.Now().UTC(), Text: text}
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}
	if _, err := f.Write(append(blob, '\n')); err != nil {
		return fmt.Errorf("write outbound: %w", err)
	}
	return nil
}
