package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Sender delivers a formatted log line to a chat. The Telegram transport
// implements it.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

// Service owns the log sinks and swaps them on Apply.
type Service struct {
	root atomic.Value // zerolog.Logger

	mu   sync.Mutex
	file *os.File
	tg   *telegramSink
}

// New applies cfg and returns the Service with a root Logger that follows
// later Apply calls. sender may be nil.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{tg: newTelegramSink(sender)}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetTelegramTarget sets the chat receiving forwarded lines. A zero
// threadID keeps the configured one.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.tg.setTarget(chatID, threadID)
}

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./chatdigest.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	s.tg.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		writers = append(writers, s.tg)
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(zl)
}

// Close stops the Telegram worker and closes the log file.
func (s *Service) Close() error {
	s.tg.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

type telegramSink struct {
	sender Sender
	queue  chan string

	mu       sync.Mutex
	enabled  bool
	chatID   int64
	threadID int
	limiter  *rate.Limiter
	minLevel Level

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan string, 256), minLevel: LevelWarn}
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	t.enabled = cfg.Enabled
	t.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		t.threadID = cfg.ThreadID
	}
	t.mu.Unlock()

	if cfg.Enabled && t.sender != nil {
		t.once.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			t.cancel = cancel
			t.wg.Add(1)
			go t.worker(ctx)
		})
	}
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.chatID = chatID
	if threadID != 0 {
		t.threadID = threadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) worker(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.queue:
			t.mu.Lock()
			chatID, threadID := t.chatID, t.threadID
			t.mu.Unlock()
			_ = t.sender.SendLog(ctx, chatID, threadID, msg)
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) { return t.WriteLevel(LevelInfo, p) }

// WriteLevel never blocks: lines below the minimum level, over the rate
// limit or arriving while the queue is full are dropped.
func (t *telegramSink) WriteLevel(level Level, p []byte) (int, error) {
	t.mu.Lock()
	ok := t.enabled && t.chatID != 0 && t.sender != nil && level >= t.minLevel && t.limiter != nil && t.limiter.Allow()
	t.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if msg := formatTelegramJSON(p); msg != "" {
		select {
		case t.queue <- msg:
		default:
		}
	}
	return len(p), nil
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the configured stderr sink.
func Stderr() io.Writer { return os.Stderr }
