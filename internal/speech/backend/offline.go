package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assist/internal/speech"
	"github.com/mattn/go-shellwords"
)

type OfflineConfig struct {
	ID                string
	Priority          int
	Command           string
	ModelPath         string
	PartialEvery      time.Duration
	SampleRate        int
	Channels          int
	TranscribeTimeout time.Duration
}

// Offline records from the microphone and transcribes the buffered audio
// with a local model runner. The model has to be initialized before the
// engine reports itself available.
type Offline struct {
	cfg      OfflineConfig
	args     []string
	mic      Microphone
	log      *slog.Logger
	slot     handlerSlot
	lookPath func(string) (string, error)

	mu         sync.Mutex
	modelReady bool
	session    *offlineSession

	// transcribeMu serializes runs of the model command.
	transcribeMu sync.Mutex
}

type offlineSession struct {
	locale   string
	partials bool
	stream   io.ReadCloser
	cancel   context.CancelFunc
	captured chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	pcm      []byte
	inflight bool
}

type transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewOffline(cfg OfflineConfig, mic Microphone, logger *slog.Logger) (*Offline, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse offline command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("offline command is empty")
	}
	if cfg.ID == "" {
		cfg.ID = "offline"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 45 * time.Second
	}
	return &Offline{
		cfg:      cfg,
		args:     args,
		mic:      mic,
		log:      logger.With(slog.String("component", "speech-offline")),
		lookPath: exec.LookPath,
	}, nil
}

func (o *Offline) Descriptor() speech.Descriptor {
	return speech.Descriptor{ID: o.cfg.ID, Priority: o.cfg.Priority}
}

// InitModel checks that the model exists and is not empty.
func (o *Offline) InitModel(context.Context) error {
	if o.cfg.ModelPath == "" {
		return errors.New("offline model path not configured")
	}
	info, err := os.Stat(o.cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("offline model: %w", err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(o.cfg.ModelPath)
		if err != nil {
			return fmt.Errorf("read model dir: %w", err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("model directory %s is empty", o.cfg.ModelPath)
		}
	} else if info.Size() == 0 {
		return fmt.Errorf("model file %s is empty", o.cfg.ModelPath)
	}
	o.mu.Lock()
	o.modelReady = true
	o.mu.Unlock()
	return nil
}

func (o *Offline) ModelReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.modelReady
}

func (o *Offline) IsAvailable(ctx context.Context) (bool, error) {
	if o.mic == nil {
		return false, nil
	}
	if _, err := o.lookPath(o.args[0]); err != nil {
		return false, nil
	}
	if !o.ModelReady() {
		if err := o.InitModel(ctx); err != nil {
			o.log.Info("offline model not ready", slogError(err))
			return false, nil
		}
	}
	return true, nil
}

func (o *Offline) Start(ctx context.Context, locale string, opts speech.Options) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.modelReady {
		return errors.New("offline model not initialized")
	}
	if o.session != nil {
		return errors.New("offline session already active")
	}

	stream, err := o.mic.Open(ctx, o.cfg.SampleRate, o.cfg.Channels)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	sctx, cancel := context.WithCancel(context.Background())
	sess := &offlineSession{
		locale:   locale,
		partials: opts.PartialResults,
		stream:   stream,
		cancel:   cancel,
		captured: make(chan struct{}),
	}
	o.session = sess
	go o.capture(sess)
	if sess.partials && o.cfg.PartialEvery > 0 {
		go o.partialLoop(sctx, sess)
	}
	return nil
}

func (o *Offline) capture(sess *offlineSession) {
	defer close(sess.captured)
	buf := make([]byte, 4096)
	for {
		n, err := sess.stream.Read(buf)
		if n > 0 {
			sess.mu.Lock()
			sess.pcm = append(sess.pcm, buf[:n]...)
			sess.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				o.log.Debug("microphone stream closed", slogError(err))
			}
			return
		}
	}
}

func (o *Offline) partialLoop(ctx context.Context, sess *offlineSession) {
	ticker := time.NewTicker(o.cfg.PartialEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.captured:
			return
		case <-ticker.C:
			o.schedulePartial(ctx, sess)
		}
	}
}

func (o *Offline) schedulePartial(ctx context.Context, sess *offlineSession) {
	sess.mu.Lock()
	if sess.inflight || len(sess.pcm) == 0 {
		sess.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), sess.pcm...)
	sess.inflight = true
	sess.mu.Unlock()

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		defer func() {
			sess.mu.Lock()
			sess.inflight = false
			sess.mu.Unlock()
		}()
		tctx, cancel := context.WithTimeout(ctx, o.cfg.TranscribeTimeout)
		defer cancel()
		result, err := o.transcribe(tctx, pcm, sess.locale, false)
		if err != nil {
			if ctx.Err() == nil {
				o.log.Warn("partial transcription failed", slogError(err))
			}
			return
		}
		if result.Text != "" && ctx.Err() == nil {
			o.slot.emit(speech.NativeEvent{Kind: speech.NativePartial, Text: result.Text})
		}
	}()
}

// Stop closes the microphone and runs the final transcription before
// returning, so the final result reaches the controller ahead of the end of
// the session.
func (o *Offline) Stop(ctx context.Context) error {
	sess := o.takeSession()
	if sess == nil {
		return nil
	}
	sess.cancel()
	_ = sess.stream.Close()
	select {
	case <-sess.captured:
	case <-ctx.Done():
		return ctx.Err()
	}
	sess.wg.Wait()

	sess.mu.Lock()
	pcm := sess.pcm
	sess.mu.Unlock()
	if len(pcm) > 0 {
		tctx, cancel := context.WithTimeout(ctx, o.cfg.TranscribeTimeout)
		defer cancel()
		result, err := o.transcribe(tctx, pcm, sess.locale, true)
		if err != nil {
			o.slot.emit(speech.NativeEvent{Kind: speech.NativeError, Detail: err.Error()})
			return err
		}
		if result.Text != "" {
			o.slot.emit(speech.NativeEvent{Kind: speech.NativeResult, Text: result.Text})
		}
	}
	o.slot.emit(speech.NativeEvent{Kind: speech.NativeEnd})
	return nil
}

func (o *Offline) Destroy(context.Context) error {
	o.slot.set(nil)
	sess := o.takeSession()
	if sess == nil {
		return nil
	}
	sess.cancel()
	_ = sess.stream.Close()
	<-sess.captured
	sess.wg.Wait()
	return nil
}

func (o *Offline) SetHandler(h speech.Handler) {
	o.slot.set(h)
}

func (o *Offline) Profiles() []speech.Profile {
	return []speech.Profile{{Name: "offline", Options: speech.Options{PartialResults: true}}}
}

func (o *Offline) takeSession() *offlineSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess := o.session
	o.session = nil
	return sess
}

func (o *Offline) transcribe(ctx context.Context, pcm []byte, locale string, final bool) (transcription, error) {
	o.transcribeMu.Lock()
	defer o.transcribeMu.Unlock()

	file, err := os.CreateTemp("", "loqa_offline_*.wav")
	if err != nil {
		return transcription{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, o.cfg.SampleRate, o.cfg.Channels); err != nil {
		return transcription{}, err
	}

	args := append([]string{}, o.args[1:]...)
	args = append(args, "--model", o.cfg.ModelPath, "--audio", file.Name())
	if locale != "" {
		args = append(args, "--language", locale)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, o.args[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return transcription{}, fmt.Errorf("offline command failed: %w: %s", err, stderr.String())
	}

	var resp transcription
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return transcription{}, fmt.Errorf("decode offline response: %w", err)
	}
	return resp, nil
}
