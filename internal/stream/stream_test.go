package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu        sync.Mutex
	chunks    []Chunk
	completes int
	errs      []error
}

func (c *collector) onChunk(ch Chunk) {
	c.mu.Lock()
	c.chunks = append(c.chunks, ch)
	c.mu.Unlock()
}

func (c *collector) onComplete(Session) {
	c.mu.Lock()
	c.completes++
	c.mu.Unlock()
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *collector) summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts := make([]string, 0, len(c.chunks))
	for _, ch := range c.chunks {
		switch ch.Kind {
		case KindContent, KindRaw:
			parts = append(parts, fmt.Sprintf("%s(%s)", ch.Kind, ch.Text))
		case KindStart:
			parts = append(parts, fmt.Sprintf("start(%s)", ch.CorrelationID))
		default:
			parts = append(parts, string(ch.Kind))
		}
	}
	return strings.Join(parts, " ")
}

func (c *collector) stream(s *Selector, endpoint string, payload any) *Handle {
	return s.StreamRequest(context.Background(), endpoint, payload, c.onChunk, c.onComplete, c.onError)
}

func waitHandle(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func TestSliceRoundTrip(t *testing.T) {
	inputs := []string{"Hello world", "héllo wörld 👋🏽", "a", "", "مرحبا بالعالم"}
	for _, in := range inputs {
		for size := 1; size <= 5; size++ {
			pieces := Slice(in, size)
			if strings.Join(pieces, "") != in {
				t.Fatalf("Slice(%q, %d) lost text: %q", in, size, pieces)
			}
			for _, p := range pieces {
				if n := utf8.RuneCountInString(p); n == 0 || n > size {
					t.Fatalf("Slice(%q, %d) produced piece %q", in, size, p)
				}
			}
		}
	}
	got := Slice("Hello world", 3)
	want := []string{"Hel", "lo ", "wor", "ld"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParserLines(t *testing.T) {
	p := NewParser(testLogger())
	var got []Chunk
	for _, line := range []string{
		`{"conversation_id":"c1"}`,
		`{"type":"chunk","content":"Hi"}`,
		`not json`,
		"",
		`{"type":"chunk","content":"!"}` + "\r",
		`{"conversation_id":"c2","message":"full"}`,
		`{"type":"ping"}`,
		`42`,
		`{"type":"error","detail":"boom"}`,
		`{"type":"end"}`,
	} {
		got = append(got, p.ParseLine(line)...)
	}
	want := []Chunk{
		{Kind: KindStart, CorrelationID: "c1"},
		{Kind: KindContent, Text: "Hi"},
		{Kind: KindRaw, Text: "not json"},
		{Kind: KindContent, Text: "!"},
		{Kind: KindContent, Text: "full"},
		{Kind: KindRaw, Text: "42"},
		{Kind: KindError, Detail: "boom"},
		{Kind: KindEnd},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks %+v", len(got), got)
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || got[i].Text != want[i].Text || got[i].CorrelationID != want[i].CorrelationID || got[i].Detail != want[i].Detail {
			t.Fatalf("chunk %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParserFullResponseCarriesMedia(t *testing.T) {
	chunks := NewParser(nil).ParseLine(`{"conversation_id":"c1","message":"look","images":["a.png"],"audio_base64":"AAA="}`)
	if len(chunks) != 2 || chunks[0].Kind != KindStart || chunks[1].Kind != KindContent {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if string(chunks[1].Images) != `["a.png"]` || chunks[1].AudioBase64 != "AAA=" {
		t.Fatalf("media not carried: %+v", chunks[1])
	}
}

func TestLineBufferHoldsPartialLine(t *testing.T) {
	var b lineBuffer
	if lines := b.push([]byte(`{"a":`)); len(lines) != 0 {
		t.Fatalf("expected no complete line, got %q", lines)
	}
	lines := b.push([]byte("1}\n{\"b\""))
	if len(lines) != 1 || lines[0] != `{"a":1}` {
		t.Fatalf("unexpected lines %q", lines)
	}
	if rest := b.flush(); rest != `{"b"` {
		t.Fatalf("unexpected remainder %q", rest)
	}
}

func TestEmitterSingleTerminal(t *testing.T) {
	c := &collector{}
	em := newEmitter(Session{ID: "s"}, c.onChunk, c.onComplete, c.onError, nil)
	em.emit(Chunk{Kind: KindContent, Text: "a"})
	em.emit(Chunk{Kind: KindStart, CorrelationID: "late"})
	if em.emit(Chunk{Kind: KindEnd}) {
		t.Fatal("emit must report the session is over after end")
	}
	em.fail(errors.New("after end"))
	em.complete()
	if c.summary() != "content(a) end" {
		t.Fatalf("unexpected chunks %q", c.summary())
	}
	if c.completes != 1 || len(c.errs) != 0 {
		t.Fatalf("expected one completion, got %d completions %d errors", c.completes, len(c.errs))
	}
	if s := em.snapshot(); s.State != StreamCompleted || s.CorrelationID != "" {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestSelectorPolicy(t *testing.T) {
	cases := []struct {
		opts     Options
		endpoint string
		want     string
	}{
		{Options{Mode: ModeAuto, IncrementalReads: true}, "http://h/chat/stream", ModeReader},
		{Options{Mode: ModeAuto}, "http://h/chat/stream", ModeSimulated},
		{Options{Mode: ModePoll}, "https://h/chat/stream", ModePoll},
		{Options{Mode: ModeReader}, "ws://h/chat", ModeSocket},
		{Options{Mode: ModeSocket}, "wss://h/chat", ModeSocket},
	}
	for _, tc := range cases {
		s := NewSelector(tc.opts, testLogger())
		got, err := s.Select(tc.endpoint)
		if err != nil {
			t.Fatalf("select %s: %v", tc.endpoint, err)
		}
		if got.Name() != tc.want {
			t.Fatalf("select(%+v, %s) = %s, want %s", tc.opts, tc.endpoint, got.Name(), tc.want)
		}
	}
	s := NewSelector(Options{Mode: ModeSocket}, testLogger())
	if _, err := s.Select("http://h/chat"); err == nil {
		t.Fatal("socket mode needs a websocket endpoint")
	}
	if _, err := s.Select("ftp://h/chat"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
	if _, err := NewSelector(Options{Mode: "pigeon"}, testLogger()).Select("http://h"); err == nil {
		t.Fatal("expected unknown mode error")
	}

	s = NewSelector(Options{BaseURL: "http://h:8000/", StreamPath: "/chat/stream", BufferedPath: "/chat"}, testLogger())
	if got := s.Resolve("/chat/stream"); got != "http://h:8000/chat/stream" {
		t.Fatalf("resolve = %q", got)
	}
	if got := s.bufferedURL("http://h:8000/api/chat/stream?x=1"); got != "http://h:8000/api/chat?x=1" {
		t.Fatalf("buffered url = %q", got)
	}
}

func TestSimulatedStream(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"conversation_id":"c9","message":"Hello world"}`)
	}))
	defer srv.Close()

	s := NewSelector(Options{
		BaseURL:      srv.URL,
		Mode:         ModeAuto,
		ChunkSize:    3,
		ChunkDelay:   time.Millisecond,
		AuthToken:    "secret",
		StreamPath:   "/chat/stream",
		BufferedPath: "/chat",
	}, testLogger())
	c := &collector{}
	h := c.stream(s, "/chat/stream", map[string]string{"message": "hi"})
	waitHandle(t, h)

	if got := c.summary(); got != "start(c9) content(Hel) content(lo ) content(wor) content(ld) end" {
		t.Fatalf("unexpected chunks %q", got)
	}
	if gotPath != "/chat" {
		t.Fatalf("expected buffered endpoint, got %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if c.completes != 1 || len(c.errs) != 0 {
		t.Fatalf("expected one completion, got %d/%d", c.completes, len(c.errs))
	}
	session := h.Session()
	if session.Strategy != ModeSimulated || session.CorrelationID != "c9" || session.State != StreamCompleted {
		t.Fatalf("unexpected session %+v", session)
	}
}

func ndjsonServer(lines ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			_, _ = io.WriteString(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func TestReaderStream(t *testing.T) {
	srv := ndjsonServer(
		`{"conversation_id":"c1"}`+"\n",
		`{"type":"chunk","content":"Hi"}`+"\n",
		"not json\n",
		`{"type":"chunk","content":"!"}`+"\n",
	)
	defer srv.Close()

	s := NewSelector(Options{Mode: ModeAuto, IncrementalReads: true}, testLogger())
	c := &collector{}
	waitHandle(t, c.stream(s, srv.URL+"/chat/stream", nil))

	if got := c.summary(); got != "start(c1) content(Hi) raw(not json) content(!) end" {
		t.Fatalf("unexpected chunks %q", got)
	}
	if c.chunks[1].CorrelationID != "c1" {
		t.Fatalf("expected correlation id on content, got %+v", c.chunks[1])
	}
}

func TestReaderServerErrorLine(t *testing.T) {
	srv := ndjsonServer(
		`{"type":"chunk","content":"par"}`+"\n",
		`{"type":"error","message":"model crashed"}`+"\n",
		`{"type":"chunk","content":"ignored"}`+"\n",
	)
	defer srv.Close()

	s := NewSelector(Options{Mode: ModeReader}, testLogger())
	c := &collector{}
	h := c.stream(s, srv.URL, nil)
	waitHandle(t, h)

	if got := c.summary(); got != "content(par) error" {
		t.Fatalf("unexpected chunks %q", got)
	}
	if len(c.errs) != 1 || c.completes != 0 {
		t.Fatalf("expected a single error, got %d errors %d completions", len(c.errs), c.completes)
	}
	var se *Error
	if !errors.As(c.errs[0], &se) || se.Code != CodeRemote || se.Message != "model crashed" {
		t.Fatalf("unexpected error %v", c.errs[0])
	}
	if h.Session().State != StreamFailed {
		t.Fatalf("expected failed session, got %s", h.Session().State)
	}
}

func TestNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	for _, mode := range []string{ModeReader, ModeSimulated, ModePoll} {
		s := NewSelector(Options{Mode: mode}, testLogger())
		c := &collector{}
		waitHandle(t, c.stream(s, srv.URL, nil))
		if got := c.summary(); got != "error" {
			t.Fatalf("%s: unexpected chunks %q", mode, got)
		}
		if len(c.errs) != 1 || !errors.Is(c.errs[0], ErrNetwork) {
			t.Fatalf("%s: expected network error, got %v", mode, c.errs)
		}
		var se *Error
		if !errors.As(c.errs[0], &se) || se.Status != http.StatusServiceUnavailable || !strings.Contains(se.Message, "overloaded") {
			t.Fatalf("%s: unexpected error %+v", mode, c.errs[0])
		}
	}
}

func TestPollStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, `{"type":"chunk","con`)
		flusher.Flush()
		time.Sleep(30 * time.Millisecond)
		_, _ = io.WriteString(w, `tent":"A"}`+"\n"+`{"type":"chunk","content":"B"}`)
		flusher.Flush()
	}))
	defer srv.Close()

	s := NewSelector(Options{Mode: ModePoll, PollInterval: 5 * time.Millisecond}, testLogger())
	c := &collector{}
	waitHandle(t, c.stream(s, srv.URL, nil))
	if got := c.summary(); got != "content(A) content(B) end" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestSocketStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotPayload string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		gotPayload = string(data)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"conversation_id":"s1"}`+"\n"+`{"type":"chunk","content":"ws"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("plain text"))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	s := NewSelector(Options{Mode: ModeAuto, IncrementalReads: true}, testLogger())
	c := &collector{}
	h := c.stream(s, "ws"+strings.TrimPrefix(srv.URL, "http"), map[string]string{"message": "hi"})
	waitHandle(t, h)

	if got := c.summary(); got != "start(s1) content(ws) raw(plain text) end" {
		t.Fatalf("unexpected chunks %q", got)
	}
	if gotPayload != `{"message":"hi"}` {
		t.Fatalf("unexpected payload %q", gotPayload)
	}
	if h.Session().Strategy != ModeSocket {
		t.Fatalf("expected socket strategy, got %q", h.Session().Strategy)
	}
}

func TestSocketAbnormalClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chunk","content":"x"}`))
		conn.Close()
	}))
	defer srv.Close()

	s := NewSelector(Options{}, testLogger())
	c := &collector{}
	waitHandle(t, c.stream(s, "ws"+strings.TrimPrefix(srv.URL, "http"), nil))
	if got := c.summary(); got != "content(x) error" {
		t.Fatalf("unexpected chunks %q", got)
	}
	if len(c.errs) != 1 || !errors.Is(c.errs[0], ErrNetwork) {
		t.Fatalf("expected network error, got %v", c.errs)
	}
}

func blockingServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"type":"chunk","content":"first"}`+"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
}

func TestCancelStopsCallbacks(t *testing.T) {
	srv := blockingServer()
	defer srv.Close()

	for _, mode := range []string{ModeReader, ModePoll} {
		s := NewSelector(Options{Mode: mode, PollInterval: 5 * time.Millisecond}, testLogger())
		c := &collector{}
		first := make(chan struct{}, 1)
		h := s.StreamRequest(context.Background(), srv.URL, nil, func(ch Chunk) {
			c.onChunk(ch)
			select {
			case first <- struct{}{}:
			default:
			}
		}, c.onComplete, c.onError)

		select {
		case <-first:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s: no chunk received", mode)
		}
		h.Cancel()
		waitHandle(t, h)

		if got := c.summary(); got != "content(first)" {
			t.Fatalf("%s: unexpected chunks after cancel %q", mode, got)
		}
		if c.completes != 0 || len(c.errs) != 0 {
			t.Fatalf("%s: no terminal callbacks expected after cancel", mode)
		}
		if !h.Session().Cancelled {
			t.Fatalf("%s: expected cancelled session", mode)
		}
	}
}

func TestCancelFromCallback(t *testing.T) {
	srv := ndjsonServer(
		`{"type":"chunk","content":"one"}`+"\n",
		`{"type":"chunk","content":"two"}`+"\n",
	)
	defer srv.Close()

	s := NewSelector(Options{Mode: ModeReader}, testLogger())
	c := &collector{}
	handles := make(chan *Handle, 1)
	h := s.StreamRequest(context.Background(), srv.URL, nil, func(ch Chunk) {
		c.onChunk(ch)
		hd := <-handles
		hd.Cancel()
		handles <- hd
	}, c.onComplete, c.onError)
	handles <- h
	waitHandle(t, h)

	if got := c.summary(); got != "content(one)" {
		t.Fatalf("unexpected chunks %q", got)
	}
	if c.completes != 0 || len(c.errs) != 0 {
		t.Fatal("no terminal callbacks expected after cancel")
	}
}

func TestCancelDuringDelivery(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered []string
	var terminal int
	em := newEmitter(Session{ID: "s1"}, func(ch Chunk) {
		delivered = append(delivered, ch.Text)
		if ch.Text == "one" {
			close(entered)
			<-release
		}
	}, func(Session) { terminal++ }, func(error) { terminal++ }, nil)

	kept := make(chan bool, 1)
	go func() { kept <- em.emit(Chunk{Kind: KindContent, Text: "one"}) }()
	<-entered

	h := &Handle{em: em, cancel: func() {}, done: make(chan struct{})}
	h.Cancel()
	close(release)

	if <-kept {
		t.Fatal("strategy should stop after a cancel during delivery")
	}
	if em.emit(Chunk{Kind: KindContent, Text: "two"}) {
		t.Fatal("emit after cancel should report stop")
	}
	em.complete()

	if len(delivered) != 1 || delivered[0] != "one" || terminal != 0 {
		t.Fatalf("unexpected deliveries %v, %d terminal callbacks", delivered, terminal)
	}
	if !h.Session().Cancelled {
		t.Fatal("expected cancelled session")
	}
}
