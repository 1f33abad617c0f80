package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Job описывает периодическую задачу обслуживания.
type Job func(ctx context.Context) error

type namedJob struct {
	name string
	run  Job
}

// Scheduler запускает задачи с фиксированным интервалом.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger
	jobs     []namedJob
	wg       sync.WaitGroup
}

// NewScheduler создает scheduler с заданным интервалом.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{interval: interval, logger: logger}
}

// Add добавляет задачу в расписание.
func (s *Scheduler) Add(name string, job Job) {
	s.jobs = append(s.jobs, namedJob{name: name, run: job})
}

// Start запускает scheduler до отмены контекста.
// Тик пропускает задачу, если ее предыдущий запуск еще не завершился.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	busy := make([]chan struct{}, len(s.jobs))
	for i := range busy {
		busy[i] = make(chan struct{}, 1)
	}
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			s.wg.Wait()
			return
		case <-ticker.C:
			for i, job := range s.jobs {
				select {
				case busy[i] <- struct{}{}:
				default:
					s.logger.Debug("job still running, tick skipped", "job", job.name)
					continue
				}
				s.wg.Add(1)
				go func(i int, job namedJob) {
					defer s.wg.Done()
					defer func() { <-busy[i] }()
					if err := job.run(ctx); err != nil && ctx.Err() == nil {
						s.logger.Warn("scheduled job failed", "job", job.name, "err", err)
					}
				}(i, job)
			}
		}
	}
}
