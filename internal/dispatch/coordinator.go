package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"notifier/internal/clock"
	"notifier/internal/domain"
	"notifier/internal/fault"
	"notifier/internal/metrics"
	"notifier/internal/notifylog"
	"notifier/internal/preferences"
	"notifier/internal/recipients"
	"notifier/internal/rules"
)

// ErrQueueFull is returned by Submit when every worker slot is taken.
var ErrQueueFull = errors.New("event queue is full")

const defaultDrainTimeout = 10 * time.Second

// RuleStore returns active rules for one organization and event type.
type RuleStore interface {
	ActiveRules(ctx context.Context, orgID, eventType string) ([]domain.Rule, error)
}

// Resolver expands a rule into concrete recipient ids.
type Resolver interface {
	Resolve(ctx context.Context, rule domain.Rule, event domain.Event) (recipients.Set, error)
}

// Filter partitions recipients by preferences and quiet hours.
type Filter interface {
	Apply(ctx context.Context, candidates []string, event domain.Event) (preferences.Result, error)
}

// DedupCache records dispatch decisions within the suppression window.
type DedupCache interface {
	ShouldDispatch(ctx context.Context, key domain.DedupKey) (bool, error)
}

// DigestQueue accepts entries for digest-mode recipients.
type DigestQueue interface {
	Enqueue(ctx context.Context, userID string, entry domain.DigestEntry) error
}

// Sender delivers immediate and batched notifications.
type Sender interface {
	Send(ctx context.Context, recipientID, templateID string, event domain.Event) domain.DeliveryResult
	SendDigest(ctx context.Context, recipientID string, entries []domain.DigestEntry) domain.DeliveryResult
}

// Options bounds collaborator calls and concurrency.
type Options struct {
	CollaboratorTimeout  time.Duration
	DeliveryTimeout      time.Duration
	RecipientConcurrency int
	Workers              int
	QueueSize            int

	// DrainTimeout bounds processing of queued events after shutdown; negative drops them at once.
	DrainTimeout time.Duration
}

// Deps lists every collaborator of the coordinator.
type Deps struct {
	Rules    RuleStore
	Resolver Resolver
	Filter   Filter
	Dedup    DedupCache
	Digests  DigestQueue
	Sender   Sender
	Log      notifylog.Log
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Coordinator runs the rule pipeline for each event and records one outcome per (rule, recipient).
type Coordinator struct {
	deps  Deps
	opts  Options
	queue chan domain.Event
	wg    sync.WaitGroup
}

// NewCoordinator creates dispatch coordinator.
// Params: collaborators and runtime options.
// Returns: coordinator ready for ProcessEvent, Submit and ProcessDigest.
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	deps.Clock = clock.OrReal(deps.Clock)
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Log == nil {
		deps.Log = notifylog.NewSlogLog(deps.Logger)
	}
	if opts.RecipientConcurrency <= 0 {
		opts.RecipientConcurrency = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	return &Coordinator{
		deps:  deps,
		opts:  opts,
		queue: make(chan domain.Event, opts.QueueSize),
	}
}

// Push queues one event for asynchronous processing.
// Params: validated incoming event.
// Returns: ErrQueueFull when the queue cannot take it.
func (c *Coordinator) Push(event domain.Event) error {
	return c.Submit(event)
}

// PushBatch queues events in order and stops at the first rejected one.
// Params: validated incoming events.
// Returns: ErrQueueFull with the accepted count when the queue fills up.
func (c *Coordinator) PushBatch(events []domain.Event) error {
	for i, event := range events {
		if err := c.Submit(event); err != nil {
			return fmt.Errorf("accepted %d of %d events: %w", i, len(events), err)
		}
	}
	return nil
}

// Submit enqueues event without blocking.
// Params: event; a zero timestamp is replaced by the current time.
// Returns: ErrQueueFull when the buffer is full.
func (c *Coordinator) Submit(event domain.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = c.deps.Clock.Now()
	}
	select {
	case c.queue <- event:
		metrics.EventsTotal.WithLabelValues(metrics.EventAccepted).Inc()
		metrics.QueueDepth.Set(float64(len(c.queue)))
		return nil
	default:
		metrics.EventsTotal.WithLabelValues(metrics.EventRejected).Inc()
		return ErrQueueFull
	}
}

// Run starts workers and blocks until ctx is done and queued events are drained.
// Params: lifecycle context.
// Returns: none.
func (c *Coordinator) Run(ctx context.Context) {
	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	c.wg.Wait()
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			c.drain(ctx)
			return
		}
		select {
		case <-ctx.Done():
			c.drain(ctx)
			return
		case event := <-c.queue:
			c.handle(ctx, event)
		}
	}
}

// drain processes events accepted before shutdown until the queue is empty.
// Params: cancelled lifecycle context.
// Returns: none; events left after DrainTimeout are logged as dropped.
func (c *Coordinator) drain(ctx context.Context) {
	deadline := time.Now().Add(c.opts.DrainTimeout)
	for {
		select {
		case event := <-c.queue:
			if c.opts.DrainTimeout < 0 || !time.Now().Before(deadline) {
				metrics.QueueDepth.Set(float64(len(c.queue)))
				metrics.EventsTotal.WithLabelValues(metrics.EventDropped).Inc()
				c.deps.Logger.Error("event dropped on shutdown", "event_type", event.Type, "org_id", event.OrgID, "event_id", event.ID)
				continue
			}
			c.handle(ctx, event)
		default:
			return
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, event domain.Event) {
	metrics.QueueDepth.Set(float64(len(c.queue)))
	if err := c.ProcessEvent(context.WithoutCancel(ctx), event); err != nil {
		c.deps.Logger.Error("event dropped", "event_type", event.Type, "org_id", event.OrgID, "error", err)
	}
}

// ProcessEvent evaluates every applicable rule in priority order.
// Params: context and event.
// Returns: error only when the event could not be evaluated at all.
func (c *Coordinator) ProcessEvent(ctx context.Context, event domain.Event) error {
	if err := event.Validate(); err != nil {
		metrics.EventsTotal.WithLabelValues(metrics.EventDropped).Inc()
		return fault.Configuration("process event", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.deps.Clock.Now()
	}
	identity := event.Identity()

	list, err := c.activeRules(ctx, event)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(metrics.EventDropped).Inc()
		return err
	}
	rules.Sort(list)

	for _, rule := range list {
		if c.processRule(ctx, rule, event, identity) {
			c.deps.Logger.Debug("rule stopped evaluation", "rule_id", rule.ID, "event_id", identity)
			break
		}
	}
	metrics.EventsTotal.WithLabelValues(metrics.EventProcessed).Inc()
	return nil
}

func (c *Coordinator) activeRules(ctx context.Context, event domain.Event) ([]domain.Rule, error) {
	callCtx, cancel := withTimeout(ctx, c.opts.CollaboratorTimeout)
	defer cancel()
	list, err := c.deps.Rules.ActiveRules(callCtx, event.OrgID, event.Type)
	if err != nil {
		return nil, fault.Collaborator("active rules", err)
	}
	out := make([]domain.Rule, len(list))
	copy(out, list)
	return out, nil
}

// processRule runs one rule and reports whether evaluation must stop.
// Params: context, rule, event and its identity.
// Returns: true when the rule matched and has stopOnMatch set.
func (c *Coordinator) processRule(ctx context.Context, rule domain.Rule, event domain.Event, identity string) (stop bool) {
	logger := c.deps.Logger.With("rule_id", rule.ID, "event_type", event.Type, "event_id", identity)
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("rule processing panicked", "panic", fmt.Sprint(recovered), "stack", string(debug.Stack()))
			stop = false
		}
	}()

	matched, err := rules.Matches(rule, event)
	if err != nil {
		logger.Warn("rule evaluation error", "error", err)
	}
	if !matched {
		return false
	}
	metrics.RuleMatchesTotal.Inc()

	set, err := c.deps.Resolver.Resolve(ctx, rule, event)
	if err != nil {
		logger.Warn("recipient resolution incomplete", "resolved", len(set), "error", err)
	}
	candidates := set.Sorted()

	routed, err := c.deps.Filter.Apply(ctx, candidates, event)
	if err != nil {
		logger.Warn("preference lookup failed", "recipients", len(candidates), "error", err)
	}

	base := domain.LogEntry{
		RuleID:        rule.ID,
		EventType:     event.Type,
		EventIdentity: identity,
		OrgID:         event.OrgID,
	}
	suppressed := make([]string, 0, len(routed.Suppressed))
	for id := range routed.Suppressed {
		suppressed = append(suppressed, id)
	}
	sort.Strings(suppressed)
	for _, id := range suppressed {
		entry := base
		entry.RecipientID = id
		entry.Status = domain.StatusSuppressed
		entry.Reason = routed.Suppressed[id]
		c.record(ctx, entry)
	}

	group := errgroup.Group{}
	group.SetLimit(c.opts.RecipientConcurrency)
	for _, id := range routed.Digest {
		group.Go(func() error {
			c.dispatchRecipient(ctx, rule, event, base, id, true)
			return nil
		})
	}
	for _, id := range routed.Immediate {
		group.Go(func() error {
			c.dispatchRecipient(ctx, rule, event, base, id, false)
			return nil
		})
	}
	_ = group.Wait()

	return rule.StopOnMatch
}

// dispatchRecipient applies dedup and routes one recipient; it always records exactly one entry.
// Params: context, rule, event, log entry template, recipient and digest routing flag.
// Returns: none.
func (c *Coordinator) dispatchRecipient(ctx context.Context, rule domain.Rule, event domain.Event, base domain.LogEntry, recipientID string, digested bool) {
	entry := base
	entry.RecipientID = recipientID
	defer func() {
		if recovered := recover(); recovered != nil {
			c.deps.Logger.Error("recipient dispatch panicked", "rule_id", rule.ID, "recipient_id", recipientID, "panic", fmt.Sprint(recovered))
			entry.Status = domain.StatusFailed
			entry.Reason = domain.ReasonPanic
			entry.Error = fmt.Sprint(recovered)
			c.record(ctx, entry)
		}
	}()

	key := domain.DedupKey{EventIdentity: base.EventIdentity, RecipientID: recipientID, RuleID: rule.ID}
	ok, err := c.shouldDispatch(ctx, key)
	switch {
	case err != nil:
		entry.Status = domain.StatusFailed
		entry.Reason = domain.ReasonDedupUnavailable
		entry.Error = err.Error()
	case !ok:
		metrics.DedupSuppressedTotal.Inc()
		entry.Status = domain.StatusSuppressed
		entry.Reason = domain.ReasonDuplicate
	case digested:
		c.enqueueDigest(ctx, rule, event, &entry)
	default:
		c.deliver(ctx, rule, event, &entry)
	}
	c.record(ctx, entry)
}

func (c *Coordinator) shouldDispatch(ctx context.Context, key domain.DedupKey) (bool, error) {
	callCtx, cancel := withTimeout(ctx, c.opts.CollaboratorTimeout)
	defer cancel()
	ok, err := c.deps.Dedup.ShouldDispatch(callCtx, key)
	if err != nil {
		return false, fault.Collaborator("dedup check", err)
	}
	return ok, nil
}

func (c *Coordinator) enqueueDigest(ctx context.Context, rule domain.Rule, event domain.Event, entry *domain.LogEntry) {
	callCtx, cancel := withTimeout(ctx, c.opts.CollaboratorTimeout)
	defer cancel()
	err := c.deps.Digests.Enqueue(callCtx, entry.RecipientID, domain.DigestEntry{
		UserID:        entry.RecipientID,
		OrgID:         event.OrgID,
		EventType:     event.Type,
		RuleID:        rule.ID,
		TemplateID:    rule.TemplateID,
		EventIdentity: entry.EventIdentity,
		Data:          event.Data,
		EnqueuedAt:    c.deps.Clock.Now(),
	})
	if err != nil {
		entry.Status = domain.StatusFailed
		entry.Reason = domain.ReasonDigestUnavailable
		entry.Error = err.Error()
		return
	}
	metrics.DigestEntriesTotal.WithLabelValues(metrics.DigestEnqueued).Inc()
	entry.Status = domain.StatusDigested
}

func (c *Coordinator) deliver(ctx context.Context, rule domain.Rule, event domain.Event, entry *domain.LogEntry) {
	started := time.Now()
	result := c.boundedSend(ctx, func(callCtx context.Context) domain.DeliveryResult {
		return c.deps.Sender.Send(callCtx, entry.RecipientID, rule.TemplateID, event)
	})
	metrics.ObserveDelivery(result.Channel, result.Success, started)
	entry.Channel = result.Channel
	if !result.Success {
		entry.Status = domain.StatusFailed
		entry.Reason = domain.ReasonDeliveryFailed
		entry.Error = result.Error
		return
	}
	entry.Status = domain.StatusSent
}

// boundedSend runs one sender call and gives up when the delivery timeout passes.
// Params: context and sender call.
// Returns: sender result, or a failure when the call did not finish in time.
// A sender that ignores callCtx may still complete after the timeout; a digest batch is
// requeued on that failure, so such a sender can deliver those entries twice.
func (c *Coordinator) boundedSend(ctx context.Context, call func(context.Context) domain.DeliveryResult) domain.DeliveryResult {
	callCtx, cancel := withTimeout(ctx, c.opts.DeliveryTimeout)
	defer cancel()

	done := make(chan domain.DeliveryResult, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- domain.DeliveryResult{Error: fmt.Sprintf("sender panicked: %v", recovered)}
			}
		}()
		done <- call(callCtx)
	}()

	select {
	case result := <-done:
		return result
	case <-callCtx.Done():
		return domain.DeliveryResult{Error: fault.Delivery("send", callCtx.Err()).Error()}
	}
}

// ProcessDigest delivers one user's batch and records an outcome per entry.
// Params: context, user id and drained entries in enqueue order.
// Returns: delivery error so the caller can re-queue the batch.
func (c *Coordinator) ProcessDigest(ctx context.Context, userID string, entries []domain.DigestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	started := time.Now()
	result := c.boundedSend(ctx, func(callCtx context.Context) domain.DeliveryResult {
		return c.deps.Sender.SendDigest(callCtx, userID, entries)
	})
	metrics.ObserveDelivery(result.Channel, result.Success, started)

	for _, item := range entries {
		entry := domain.LogEntry{
			RecipientID:   userID,
			RuleID:        item.RuleID,
			EventType:     item.EventType,
			EventIdentity: item.EventIdentity,
			OrgID:         item.OrgID,
			Channel:       result.Channel,
			Status:        domain.StatusSent,
		}
		if !result.Success {
			entry.Status = domain.StatusFailed
			entry.Reason = domain.ReasonDeliveryFailed
			entry.Error = result.Error
		}
		c.record(ctx, entry)
	}
	if !result.Success {
		return fault.Delivery("send digest", errors.New(result.Error))
	}
	metrics.DigestEntriesTotal.WithLabelValues(metrics.DigestDelivered).Add(float64(len(entries)))
	return nil
}

// record stamps and writes one log entry; log failures never abort dispatch.
func (c *Coordinator) record(ctx context.Context, entry domain.LogEntry) {
	entry = notifylog.Stamp(entry, c.deps.Clock.Now())
	metrics.DispatchTotal.WithLabelValues(string(entry.Status)).Inc()

	callCtx, cancel := withTimeout(context.WithoutCancel(ctx), c.opts.CollaboratorTimeout)
	defer cancel()
	if err := c.deps.Log.Record(callCtx, entry); err != nil {
		c.deps.Logger.Error("notification log write failed", "rule_id", entry.RuleID, "recipient_id", entry.RecipientID, "status", entry.Status, "error", err)
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
