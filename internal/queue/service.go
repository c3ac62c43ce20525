package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrMissingGroupKey is returned when a provider that requires grouping is
// handed a batch without a group key.
var ErrMissingGroupKey = errors.New("queue requires a group key")

// Service routes messages to the provider of their queue. Every message of
// a batch is validated before any provider sees it.
type Service struct {
	names     QueueNames
	providers map[string]Provider
	grouper   Grouper
	disabled  bool
	logger    *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithGrouper(g Grouper) ServiceOption            { return func(s *Service) { s.grouper = g } }
func WithDisabled(disabled bool) ServiceOption       { return func(s *Service) { s.disabled = disabled } }
func WithServiceLogger(l *slog.Logger) ServiceOption { return func(s *Service) { s.logger = l } }

// NewService builds a service over providers keyed by queue name.
func NewService(names QueueNames, providers []Provider, opts ...ServiceOption) *Service {
	s := &Service{
		names:     names,
		providers: make(map[string]Provider, len(providers)),
		grouper:   ExperimentGrouper{},
		logger:    slog.Default(),
	}
	for _, p := range providers {
		s.providers[p.Queue()] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Disabled reports whether queueing is globally turned off.
func (s *Service) Disabled() bool { return s.disabled }

// QueueFor returns the queue name carrying t.
func (s *Service) QueueFor(t MessageType) string { return s.names.For(t) }

// Provider returns the provider for a queue.
func (s *Service) Provider(queue string) (Provider, error) {
	p, ok := s.providers[queue]
	if !ok {
		return nil, fmt.Errorf("no provider configured for queue %q", queue)
	}
	return p, nil
}

// Providers returns every configured provider.
func (s *Service) Providers() []Provider {
	out := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out
}

// Enqueue splits messages by destination queue, keeping their relative order,
// and hands each queue its share. When a group key is given every message
// must round-trip it through the grouper.
func (s *Service) Enqueue(ctx context.Context, messages []Message, opts EnqueueOptions) error {
	if s.disabled {
		s.logger.Debug("queueing disabled, dropping messages", "event", "enqueue_skipped", "count", len(messages))
		return nil
	}

	type batch struct {
		provider Provider
		messages []Message
	}
	var order []string
	batches := make(map[string]*batch)

	for _, m := range messages {
		if err := m.Type.Validate(); err != nil {
			return err
		}
		queue := s.names.For(m.Type)
		p, err := s.Provider(queue)
		if err != nil {
			return err
		}
		if err := s.validateGrouping(p, m, opts.GroupKey); err != nil {
			return err
		}
		if _, ok := batches[queue]; !ok {
			batches[queue] = &batch{provider: p}
			order = append(order, queue)
		}
		batches[queue].messages = append(batches[queue].messages, m)
	}

	for _, queue := range order {
		b := batches[queue]
		if err := b.provider.Enqueue(ctx, b.messages, opts); err != nil {
			return fmt.Errorf("failed to enqueue to %s: %w", queue, err)
		}
	}
	return nil
}

func (s *Service) validateGrouping(p Provider, m Message, groupKey string) error {
	if groupKey == "" {
		if p.RequiresGroupKey() {
			return fmt.Errorf("%s message for %s: %w", m.Type, p.Queue(), ErrMissingGroupKey)
		}
		return nil
	}
	if err := s.grouper.ValidateUnpersisted(m); err != nil {
		return fmt.Errorf("rejected %s message before enqueue: %w", m.Type, err)
	}
	derived, err := s.grouper.UnparseGroupKey(m)
	if err != nil {
		return err
	}
	if derived != groupKey {
		return fmt.Errorf("%s message groups under %q, not %q", m.Type, derived, groupKey)
	}
	return nil
}

// Close closes every provider.
func (s *Service) Close() error {
	var errs []error
	for _, p := range s.providers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
