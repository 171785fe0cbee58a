package backend

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/speech"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type eventLog struct {
	mu     sync.Mutex
	events []speech.NativeEvent
	notify chan speech.NativeEvent
}

func newEventLog() *eventLog {
	return &eventLog{notify: make(chan speech.NativeEvent, 32)}
}

func (l *eventLog) handle(evt speech.NativeEvent) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
	l.notify <- evt
}

func (l *eventLog) kinds() []speech.NativeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]speech.NativeKind, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func (l *eventLog) await(t *testing.T, kind speech.NativeKind) speech.NativeEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-l.notify:
			if evt.Kind == kind {
				return evt
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event; saw %v", kind, l.kinds())
		}
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestWireEventNative(t *testing.T) {
	cases := []struct {
		in   wireEvent
		kind speech.NativeKind
		text string
	}{
		{wireEvent{Event: "partial", Text: "hel"}, speech.NativePartial, "hel"},
		{wireEvent{Event: "RESULT", Alternatives: []string{"hello", "yellow"}}, speech.NativeResult, "hello"},
		{wireEvent{Event: "end"}, speech.NativeEnd, ""},
	}
	for _, tc := range cases {
		got, ok := tc.in.native()
		if !ok || got.Kind != tc.kind || got.Text != tc.text {
			t.Fatalf("native(%+v) = %+v, %v", tc.in, got, ok)
		}
	}
	evt, ok := wireEvent{Event: "error", Code: 7}.native()
	if !ok || evt.Detail != "no match" {
		t.Fatalf("expected no match detail, got %+v", evt)
	}
	if _, ok := (wireEvent{Event: "volume"}).native(); ok {
		t.Fatal("unknown events are not translated")
	}
	if describeEngineError(42, "") != "recognizer error 42" {
		t.Fatal("unexpected description for unknown code")
	}
}

func TestRecognizerFlags(t *testing.T) {
	flags := recognizerFlags("en-US", speech.Options{
		LanguageModel:     speech.LanguageModelFreeForm,
		CompleteSilenceMS: 1500,
		MaxAlternatives:   5,
		PartialResults:    true,
	})
	got := strings.Join(flags, " ")
	want := "--locale en-US --language-model free_form --complete-silence-ms 1500 --max-alternatives 5 --partial"
	if got != want {
		t.Fatalf("flags = %q, want %q", got, want)
	}
}

func TestPrimaryLifecycle(t *testing.T) {
	script := writeScript(t, `echo '{"event":"ready"}'
echo '{"event":"partial","text":"hel"}'
read line
echo '{"event":"result","text":"hello"}'
echo '{"event":"end"}'
`)
	p, err := NewPrimary(PrimaryConfig{Command: script}, testLogger())
	if err != nil {
		t.Fatalf("new primary: %v", err)
	}
	ok, err := p.IsAvailable(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected available, got %v %v", ok, err)
	}

	events := newEventLog()
	p.SetHandler(events.handle)
	if err := p.Start(context.Background(), "en-US", speech.Options{PartialResults: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if evt := events.await(t, speech.NativePartial); evt.Text != "hel" {
		t.Fatalf("unexpected partial %+v", evt)
	}
	if err := p.Start(context.Background(), "en-US", speech.Options{}); err == nil {
		t.Fatal("expected error starting twice")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	kinds := events.kinds()
	if len(kinds) != 3 || kinds[1] != speech.NativeResult || kinds[2] != speech.NativeEnd {
		t.Fatalf("unexpected events %v", kinds)
	}
	if p.engine.running() {
		t.Fatal("engine should have exited")
	}
	if err := p.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
}

func TestPrimaryStartFailure(t *testing.T) {
	script := writeScript(t, `echo '{"event":"error","code":8}'
read line
`)
	p, err := NewPrimary(PrimaryConfig{Command: script}, testLogger())
	if err != nil {
		t.Fatalf("new primary: %v", err)
	}
	err = p.Start(context.Background(), "en-US", speech.Options{})
	if err == nil || !strings.Contains(err.Error(), "recognizer busy") {
		t.Fatalf("expected busy error, got %v", err)
	}
	if p.engine.running() {
		t.Fatal("failed start must not leave a process behind")
	}
}

func TestPrimaryAvailability(t *testing.T) {
	p, err := NewPrimary(PrimaryConfig{Command: "definitely-not-installed-recognizer"}, testLogger())
	if err != nil {
		t.Fatalf("new primary: %v", err)
	}
	if ok, err := p.IsAvailable(context.Background()); ok || err != nil {
		t.Fatalf("expected unavailable, got %v %v", ok, err)
	}

	script := writeScript(t, "exit 0\n")
	p, err = NewPrimary(PrimaryConfig{Command: script, CompanionPath: filepath.Join(t.TempDir(), "missing.pack")}, testLogger())
	if err != nil {
		t.Fatalf("new primary: %v", err)
	}
	if ok, _ := p.IsAvailable(context.Background()); ok {
		t.Fatal("expected unavailable without companion")
	}
}

func bridgeServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var cmd bridgeCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Locale == "xx-XX" {
			_ = conn.WriteJSON(wireEvent{Event: "error", Message: "unsupported locale"})
			return
		}
		_ = conn.WriteJSON(wireEvent{Event: "start"})
		_ = conn.WriteJSON(wireEvent{Event: "partial", Text: "bri"})
		if err := conn.ReadJSON(&cmd); err != nil || cmd.Event != "stop" {
			return
		}
		_ = conn.WriteJSON(wireEvent{Event: "result", Text: "bridge"})
		_ = conn.WriteJSON(wireEvent{Event: "end"})
	}))
}

func TestBridgeLifecycle(t *testing.T) {
	srv := bridgeServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	b, err := NewBridge(BridgeConfig{URL: url, Priority: 1}, testLogger())
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	if ok, err := b.IsAvailable(context.Background()); !ok || err != nil {
		t.Fatalf("expected available, got %v %v", ok, err)
	}

	events := newEventLog()
	b.SetHandler(events.handle)
	if err := b.Start(context.Background(), "en-US", speech.Options{PartialResults: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if evt := events.await(t, speech.NativePartial); evt.Text != "bri" {
		t.Fatalf("unexpected partial %+v", evt)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	kinds := events.kinds()
	if len(kinds) != 3 || kinds[1] != speech.NativeResult || kinds[2] != speech.NativeEnd {
		t.Fatalf("unexpected events %v", kinds)
	}

	if err := b.Start(context.Background(), "xx-XX", speech.Options{}); err == nil || !strings.Contains(err.Error(), "unsupported locale") {
		t.Fatalf("expected refused start, got %v", err)
	}
	if err := b.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
}

func TestBridgeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	b, err := NewBridge(BridgeConfig{URL: url, DialTimeout: 200 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	if ok, err := b.IsAvailable(context.Background()); ok || err == nil {
		t.Fatalf("expected dial error, got %v %v", ok, err)
	}
	if _, err := NewBridge(BridgeConfig{URL: "http://example"}, testLogger()); err == nil {
		t.Fatal("expected scheme validation error")
	}
}

type pipeMic struct {
	pcm []byte
}

func (m pipeMic) Open(context.Context, int, int) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write(m.pcm)
	}()
	return pr, nil
}

func TestOfflineModelInit(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	dir := t.TempDir()
	o, err := NewOffline(OfflineConfig{Command: script, ModelPath: dir}, pipeMic{}, testLogger())
	if err != nil {
		t.Fatalf("new offline: %v", err)
	}
	if ok, _ := o.IsAvailable(context.Background()); ok {
		t.Fatal("empty model dir must not be available")
	}
	if err := o.Start(context.Background(), "en-US", speech.Options{}); err == nil {
		t.Fatal("expected start to fail before model init")
	}
	if err := os.WriteFile(filepath.Join(dir, "model.bin"), []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, err := o.IsAvailable(context.Background()); !ok || err != nil {
		t.Fatalf("expected available after model appears, got %v %v", ok, err)
	}
	if !o.ModelReady() {
		t.Fatal("expected model ready")
	}

	noMic, err := NewOffline(OfflineConfig{Command: script, ModelPath: dir}, nil, testLogger())
	if err != nil {
		t.Fatalf("new offline: %v", err)
	}
	if ok, _ := noMic.IsAvailable(context.Background()); ok {
		t.Fatal("expected unavailable without microphone")
	}
}

func TestOfflineTranscribesOnStop(t *testing.T) {
	script := writeScript(t, `echo '{"text":"offline words","confidence":0.9}'
`)
	model := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(model, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	o, err := NewOffline(OfflineConfig{Command: script, ModelPath: model}, pipeMic{pcm: make([]byte, 3200)}, testLogger())
	if err != nil {
		t.Fatalf("new offline: %v", err)
	}
	if err := o.InitModel(context.Background()); err != nil {
		t.Fatalf("init model: %v", err)
	}
	events := newEventLog()
	o.SetHandler(events.handle)
	if err := o.Start(context.Background(), "en-US", speech.Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		o.mu.Lock()
		sess := o.session
		o.mu.Unlock()
		sess.mu.Lock()
		n := len(sess.pcm)
		sess.mu.Unlock()
		if n == 3200 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("captured %d bytes", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	kinds := events.kinds()
	if len(kinds) != 2 || kinds[0] != speech.NativeResult || kinds[1] != speech.NativeEnd {
		t.Fatalf("unexpected events %v", kinds)
	}
	if events.events[0].Text != "offline words" {
		t.Fatalf("unexpected text %q", events.events[0].Text)
	}
}

func TestWritePCMToWav(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "*.wav")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := writePCMToWav(f, make([]byte, 320), 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() <= 320 {
		t.Fatalf("expected header plus samples, got %d bytes", info.Size())
	}
	if err := writePCMToWav(f, make([]byte, 3), 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default().Recognition
	cfg.Bridge.Enabled = true
	cfg.Offline.Enabled = true
	cfg.Offline.Command = "whisper-run"
	cfg.Offline.ModelPath = "/models/base"
	cfg.Permission = "denied"

	adapters, perm, err := FromConfig(cfg, testLogger())
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if len(adapters) != 3 {
		t.Fatalf("expected 3 adapters, got %d", len(adapters))
	}
	ids := []string{adapters[0].Descriptor().ID, adapters[1].Descriptor().ID, adapters[2].Descriptor().ID}
	if strings.Join(ids, ",") != "primary,bridge,offline" {
		t.Fatalf("unexpected adapters %v", ids)
	}
	if granted, _ := perm.Request(context.Background()); granted {
		t.Fatal("expected denied permission")
	}

	ctrl := ControllerConfig(cfg)
	if ctrl.MaxAttempts != 3 || len(ctrl.Backoff) != 2 || ctrl.Backoff[1] != 500*time.Millisecond {
		t.Fatalf("unexpected controller config %+v", ctrl)
	}
}

func TestCommandPermission(t *testing.T) {
	perm, err := CommandPermission("sh -c 'exit 0'")
	if err != nil {
		t.Fatalf("permission: %v", err)
	}
	if granted, err := perm.Request(context.Background()); !granted || err != nil {
		t.Fatalf("expected granted, got %v %v", granted, err)
	}
	perm, err = CommandPermission("sh -c 'exit 1'")
	if err != nil {
		t.Fatalf("permission: %v", err)
	}
	if granted, err := perm.Request(context.Background()); granted || err != nil {
		t.Fatalf("expected denied, got %v %v", granted, err)
	}
}
