package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cmdrelay/internal/core"
	"cmdrelay/internal/transports/common"
)

// Adapter реализует построчный транспорт: одна команда на строку входа,
// один JSON-ответ на строку выхода.
type Adapter struct {
	svc     *common.Service
	subject string
	in      io.Reader
	out     io.Writer
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Options задает subject оператора и таймаут одной команды.
type Options struct {
	Subject string
	Timeout time.Duration
}

// NewAdapter создает console адаптер поверх общего сервиса.
func NewAdapter(svc *common.Service, in io.Reader, out io.Writer, opts Options, logger *slog.Logger) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{
		svc:     svc,
		subject: opts.Subject,
		in:      in,
		out:     out,
		timeout: opts.Timeout,
		logger:  logger.With("transport", "console"),
	}
}

func (a *Adapter) Name() string { return "console" }

// Start запускает чтение входа в отдельной горутине.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("console transport already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(runCtx, a.done)
	return nil
}

// Stop прекращает обработку строк. Горутина, заблокированная в чтении
// входа, завершится после закрытия потока.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.cancel()
	done := a.done
	a.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// Done закрывается, когда вход исчерпан или транспорт остановлен.
func (a *Adapter) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// HandleCommand выполняет одну строку от имени subjectID.
func (a *Adapter) HandleCommand(ctx context.Context, subjectID, text string) (core.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.svc.ExecuteText(ctx, subjectID, text)
}

type reply struct {
	core.Response
	Error string `json:"error,omitempty"`
}

func (a *Adapter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	enc := json.NewEncoder(a.out)
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		resp, err := a.HandleCommand(ctx, a.subject, line)
		out := reply{Response: resp}
		if err != nil {
			out.Error = err.Error()
		}
		if err := enc.Encode(out); err != nil {
			a.logger.Error("write reply", "err", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("read input", "err", err)
	}
}
