// Package ingest turns reminder requests into durable, scheduled jobs and
// exposes operator queries over them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/jobstore"
	"remindbot/internal/records"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotTerminal    = errors.New("job has not finished")
)

// Resolver converts a calendar date and wall clock into an instant.
type Resolver interface {
	Resolve(date, clock, zone string) (time.Time, error)
}

// Scheduler is the part of scheduler.Scheduler ingestion needs.
type Scheduler interface {
	Admit(job reminder.Job) error
	Cancel(ctx context.Context, id string) error
}

type Request struct {
	Name      string `json:"name,omitempty"`
	Recipient string `json:"recipient"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Zone      string `json:"zone,omitempty"`
	Message   string `json:"message"`
}

type Service struct {
	resolver  Resolver
	store     jobstore.Store
	scheduler Scheduler
	records   records.Appender
	log       logx.Logger
}

func NewService(resolver Resolver, store jobstore.Store, sched Scheduler, rec records.Appender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if rec == nil {
		rec = records.Discard{}
	}
	return &Service{resolver: resolver, store: store, scheduler: sched, records: rec, log: log}
}

// Submit resolves the instant, persists a pending job and admits it. It
// returns only after the job is in the scheduler's wait set.
func (s *Service) Submit(ctx context.Context, req Request) (reminder.Job, error) {
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.Date = strings.TrimSpace(req.Date)
	req.Time = strings.TrimSpace(req.Time)
	req.Zone = strings.TrimSpace(req.Zone)
	switch {
	case req.Recipient == "":
		return reminder.Job{}, fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Message) == "":
		return reminder.Job{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}

	fireAt, err := s.resolver.Resolve(req.Date, req.Time, req.Zone)
	if err != nil {
		return reminder.Job{}, err
	}

	job, err := s.schedule(ctx, req.Recipient, req.Message, fireAt)
	if err != nil {
		return reminder.Job{}, err
	}

	rec := records.Record{
		Name:      strings.TrimSpace(req.Name),
		Recipient: req.Recipient,
		Date:      req.Date,
		Time:      req.Time,
		Zone:      req.Zone,
		Message:   req.Message,
		JobID:     job.ID,
	}
	if err := s.records.Append(ctx, rec); err != nil {
		s.log.Warn("record append failed", logx.JobID(job.ID), logx.Err(err))
	}
	s.log.Info("reminder scheduled", logx.JobID(job.ID), logx.Time("fire_at", job.FireAt))
	return job, nil
}

// Resend creates a new job for a finished job's recipient and payload,
// firing now.
func (s *Service) Resend(ctx context.Context, id string) (reminder.Job, error) {
	old, err := s.store.Get(ctx, id)
	if err != nil {
		return reminder.Job{}, err
	}
	if !old.Status.Terminal() {
		return reminder.Job{}, fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, old.Status)
	}
	job, err := s.schedule(ctx, old.Recipient, old.Payload, time.Now())
	if err != nil {
		return reminder.Job{}, err
	}
	s.log.Info("reminder resent", logx.JobID(job.ID), logx.String("source_id", id))
	return job, nil
}

func (s *Service) schedule(ctx context.Context, recipient, payload string, fireAt time.Time) (reminder.Job, error) {
	job := reminder.NewJob(recipient, payload, fireAt)
	if err := s.store.Put(ctx, job); err != nil {
		return reminder.Job{}, fmt.Errorf("store job: %w", err)
	}
	if err := s.scheduler.Admit(job); err != nil {
		// The caller sees a failure, so the stored job must not fire later
		// through startup recovery.
		s.withdraw(ctx, job.ID)
		return reminder.Job{}, fmt.Errorf("admit job %s: %w", job.ID, err)
	}
	return job, nil
}

// withdraw cancels a stored job whose admission failed. It outlives a
// cancelled request context.
func (s *Service) withdraw(ctx context.Context, id string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := s.store.UpdateStatus(wctx, id, reminder.StatusCancelled, 0, ""); err != nil {
		s.log.Error("withdraw unadmitted job failed; it may fire after restart", logx.JobID(id), logx.Err(err))
	}
}

func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.scheduler.Cancel(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (reminder.Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f jobstore.Filter) ([]reminder.Job, error) {
	return s.store.List(ctx, f)
}
