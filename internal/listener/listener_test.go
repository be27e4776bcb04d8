// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package listener

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/trendwire/internal/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSources(t *testing.T) {
	path := writeFile(t, "arabs.txt", `
# regional channels
@alpha_news
beta_news

@alpha_news
gamma_news
`)
	got, err := LoadSources(path)
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	want := []string{"alpha_news", "beta_news", "gamma_news"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sources = %v, want %v", got, want)
	}
}

func TestLoadSources_MissingFile(t *testing.T) {
	if _, err := LoadSources(filepath.Join(t.TempDir(), "absent.txt")); err == nil {
		t.Fatal("no error for missing source list")
	}
}

func TestBuildSourceSet_ArabClassWins(t *testing.T) {
	arab := writeFile(t, "arabs.txt", "alpha\nshared\n")
	smart := writeFile(t, "smart.txt", "shared\nsigma\n")

	set, err := BuildSourceSet(arab, smart)
	if err != nil {
		t.Fatalf("BuildSourceSet: %v", err)
	}
	if set["alpha"] != models.ClassArab || set["sigma"] != models.ClassSmart {
		t.Errorf("class assignment wrong: %v", set)
	}
	if set["shared"] != models.ClassArab {
		t.Errorf("shared source classified %s, want arab (first list wins)", set["shared"])
	}
}

// chanClient feeds canned messages through the Client surface.
type chanClient struct {
	msgs chan models.RawMessage
	runs chan error
}

func newChanClient() *chanClient {
	return &chanClient{
		msgs: make(chan models.RawMessage, 16),
		runs: make(chan error, 16),
	}
}

func (c *chanClient) Run(ctx context.Context) error {
	select {
	case err := <-c.runs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chanClient) Messages() <-chan models.RawMessage { return c.msgs }

func (c *chanClient) Send(context.Context, string, string) error { return nil }

func TestService_ForwardClassifiesAndFilters(t *testing.T) {
	client := newChanClient()
	ingress := make(chan models.RawMessage, 16)
	svc := NewService(client, SourceSet{
		"alpha": models.ClassArab,
		"sigma": models.ClassSmart,
	}, ingress, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.forward(ctx)

	client.msgs <- models.RawMessage{SourceID: "alpha", MessageID: 1, Text: "a"}
	client.msgs <- models.RawMessage{SourceID: "unlisted", MessageID: 2, Text: "b"}
	client.msgs <- models.RawMessage{SourceID: "sigma", MessageID: 3, Text: "c"}

	var got []models.RawMessage
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-ingress:
			got = append(got, m)
		case <-timeout:
			t.Fatalf("forwarded %d messages, want 2", len(got))
		}
	}

	if got[0].SourceClass != models.ClassArab || got[1].SourceClass != models.ClassSmart {
		t.Errorf("classes = %s, %s", got[0].SourceClass, got[1].SourceClass)
	}
	if got[0].MessageID != 1 || got[1].MessageID != 3 {
		t.Errorf("unlisted source leaked through: %+v", got)
	}
	if got[0].ArrivedAt.IsZero() {
		t.Error("ArrivedAt not stamped")
	}

	select {
	case m := <-ingress:
		t.Errorf("unexpected extra message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_RecoveryPausesIntake(t *testing.T) {
	client := newChanClient()
	ingress := make(chan models.RawMessage, 16)
	alerted := make(chan string, 1)
	svc := NewService(client, SourceSet{"alpha": models.ClassArab}, ingress,
		func(_ context.Context, text string) { alerted <- text })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.enterRecovery(ctx)
	if !svc.Recovering() {
		t.Fatal("Recovering() = false after revocation")
	}
	select {
	case <-alerted:
	default:
		t.Error("no operator alert on revocation")
	}

	// Second revocation must not alert again.
	svc.enterRecovery(ctx)
	select {
	case <-alerted:
		t.Error("duplicate alert on repeated revocation")
	default:
	}

	go svc.forward(ctx)
	client.msgs <- models.RawMessage{SourceID: "alpha", MessageID: 1, Text: "a"}
	select {
	case m := <-ingress:
		t.Errorf("message forwarded during recovery: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJitter_Bounds(t *testing.T) {
	base := 4 * time.Second
	for i := 0; i < 100; i++ {
		d := jitter(base)
		if d < 3*time.Second || d > 5*time.Second {
			t.Fatalf("jitter(%v) = %v, outside ±25%%", base, d)
		}
	}
}

func TestBridgeClient_StreamsRecords(t *testing.T) {
	arrived := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	path := writeFile(t, "ingest.jsonl", strings.Join([]string{
		`{"source_id":"alpha","message_id":1,"arrived_at":"2026-08-24T09:00:00Z","text":"عاجل"}`,
		`not json at all`,
		`{"source_id":"sigma","message_id":2,"arrived_at":"2026-08-24T09:01:00Z","text":"update","reply_to":1}`,
	}, "\n")+"\n")

	client := NewBridgeClient(path, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	var got []models.RawMessage
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-client.Messages():
			got = append(got, m)
		case <-timeout:
			t.Fatalf("received %d messages, want 2 (malformed line skipped)", len(got))
		}
	}
	cancel()
	<-done

	if got[0].SourceID != "alpha" || !got[0].ArrivedAt.Equal(arrived) {
		t.Errorf("first record = %+v", got[0])
	}
	if got[1].ReplyTo != 1 {
		t.Errorf("reply_to not carried: %+v", got[1])
	}
}

func TestBridgeClient_AuthRevokedControl(t *testing.T) {
	path := writeFile(t, "ingest.jsonl",
		`{"source_id":"alpha","message_id":1,"text":"a"}`+"\n"+
			`{"control":"auth_revoked"}`+"\n")

	client := NewBridgeClient(path, "")
	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	<-client.Messages()
	select {
	case err := <-done:
		if err != ErrAuthRevoked {
			t.Fatalf("Run = %v, want ErrAuthRevoked", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on auth_revoked control record")
	}
}

func TestBridgeClient_SendAppendsOutbox(t *testing.T) {
	out := filepath.Join(t.TempDir(), "outbox.jsonl")
	client := NewBridgeClient("", out)

	if err := client.Send(context.Background(), "12345", "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := client.Send(context.Background(), "12345", "second"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blob, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(blob)), "\n")
	if len(lines) != 2 {
		t.Fatalf("outbox has %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"chat_id":"12345"`) || !strings.Contains(lines[0], `"text":"first"`) {
		t.Errorf("first outbox line = %s", lines[0])
	}
}

func TestBridgeClient_SendWithoutOutbox(t *testing.T) {
	client := NewBridgeClient("", "")
	if err := client.Send(context.Background(), "12345", "dropped"); err != nil {
		t.Errorf("Send without outbox = %v, want nil", err)
	}
}
