package watchdog

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"gatekeeper-go/internal/clock"
	"gatekeeper-go/internal/gatekeeper"
	"gatekeeper-go/internal/participant"
)

const DefaultInterval = 30 * time.Second

var (
	ErrUnknownOperation = errors.New("unknown pending operation")
	ErrBadCode          = errors.New("cancel code does not match")
)

// Vault is the part of the engine the watchdog drives. *gatekeeper.Engine
// satisfies it.
type Vault interface {
	State(ctx context.Context) (*gatekeeper.State, error)
	Events(ctx context.Context, from uint64) ([]gatekeeper.Record, error)
	ApplyConfig(ctx context.Context, caller participant.Participant, ref gatekeeper.ChangeRef) error
	CancelOperation(ctx context.Context, canceller participant.Participant, ref gatekeeper.ChangeRef) error
	ApplyBypassCall(ctx context.Context, caller participant.Participant, ref gatekeeper.BypassRef) error
	CancelBypassCall(ctx context.Context, canceller participant.Participant, ref gatekeeper.BypassRef) error
}

type Kind string

const (
	KindChange Kind = "change"
	KindBypass Kind = "bypass"
)

// Pending is a delayed operation the watchdog is tracking. Exactly one of
// Change and Bypass is set.
type Pending struct {
	ID                common.Hash           `json:"id"`
	Kind              Kind                  `json:"kind"`
	DueTime           time.Time             `json:"dueTime"`
	RequiredApprovals uint32                `json:"requiredApprovals"`
	WaitForDelay      bool                  `json:"waitForDelay"`
	Change            *gatekeeper.ChangeRef `json:"change,omitempty"`
	Bypass            *gatekeeper.BypassRef `json:"bypass,omitempty"`
}

// Alert is sent to the vault's owner for every newly scheduled operation.
type Alert struct {
	ID      common.Hash
	Kind    Kind
	DueTime time.Time
	Code    string
}

func (a Alert) Message() string {
	return fmt.Sprintf("To cancel event %s, enter code %s", a.ID.Hex(), a.Code)
}

// Notifier delivers cancel codes out of band.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the log, with a cancel link when Links is
// set. Useful when no delivery channel is configured.
type LogNotifier struct {
	Log   zerolog.Logger
	Links *LinkBuilder
}

func (n LogNotifier) Notify(_ context.Context, alert Alert) error {
	ev := n.Log.Info().
		Str("id", alert.ID.Hex()).
		Str("kind", string(alert.Kind)).
		Time("due", alert.DueTime)
	if n.Links != nil {
		ev = ev.Str("link", n.Links.CancelLink(alert))
	}
	ev.Msg(alert.Message())
	return nil
}

// Watchdog follows the vault's event log, hands out cancel codes for
// pending operations and applies them once they are ready.
type Watchdog struct {
	vault    Vault
	identity participant.Participant
	secret   []byte
	notifier Notifier
	clock    clock.Clock
	log      zerolog.Logger
	interval time.Duration

	mu      sync.Mutex
	cursor  uint64
	pending map[common.Hash]*Pending

	running bool
	stop    context.CancelFunc
	done    chan struct{}
}

// New creates a watchdog acting as identity. secret seeds the cancel codes
// and must stay private to this process.
func New(log zerolog.Logger, vault Vault, identity participant.Participant, secret []byte, notifier Notifier, clk clock.Clock) *Watchdog {
	if clk == nil {
		clk = clock.Real()
	}
	return &Watchdog{
		vault:    vault,
		identity: identity,
		secret:   append([]byte(nil), secret...),
		notifier: notifier,
		clock:    clk,
		log:      log.With().Str("component", "watchdog").Logger(),
		interval: DefaultInterval,
		cursor:   1,
		pending:  make(map[common.Hash]*Pending),
	}
}

// SetInterval changes the polling period. It takes effect on the next Start.
func (w *Watchdog) SetInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d > 0 {
		w.interval = d
	}
}

// Start runs Tick every interval until ctx is done or Stop is called.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watchdog already running")
	}
	ctx, w.stop = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running = true
	interval := w.interval
	w.mu.Unlock()

	go w.loop(ctx, interval)
	return nil
}

// Stop halts the loop and waits for the current tick to finish.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stop, done := w.stop, w.done
	w.mu.Unlock()

	stop()
	<-done
}

func (w *Watchdog) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		w.mu.Lock()
		w.running = false
		close(w.done)
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.log.Warn().Err(err).Msg("watchdog tick had failures")
			}
		}
	}
}

// Tick consumes new events and applies every tracked operation that is due
// and sufficiently approved. Failures of individual operations are collected
// and do not stop the others.
func (w *Watchdog) Tick(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fresh, err := w.scan(ctx)
	if err != nil {
		return err
	}
	st, err := w.vault.State(ctx)
	if err != nil {
		return fmt.Errorf("could not load vault state: %w", err)
	}

	var errs *multierror.Error
	for _, p := range fresh {
		if w.stillPending(st, p) {
			w.track(ctx, p, &errs)
		}
	}

	now := w.clock.Now()
	for _, p := range w.sorted() {
		if !w.stillPending(st, p) {
			delete(w.pending, p.ID)
			continue
		}
		if !w.ready(st, p, now) {
			continue
		}
		if err := w.apply(ctx, p); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("apply %s: %w", p.ID.Hex(), err))
			continue
		}
		w.log.Info().Str("id", p.ID.Hex()).Str("kind", string(p.Kind)).Msg("applied pending operation")
		delete(w.pending, p.ID)
	}
	return errs.ErrorOrNil()
}

// scan reads events past the cursor and returns the operations scheduled in
// them that the same batch does not already show as finished.
func (w *Watchdog) scan(ctx context.Context) ([]*Pending, error) {
	records, err := w.vault.Events(ctx, w.cursor)
	if err != nil {
		return nil, fmt.Errorf("could not read events: %w", err)
	}

	var order []common.Hash
	batch := make(map[common.Hash]*Pending)
	add := func(p *Pending) {
		if _, seen := batch[p.ID]; !seen {
			order = append(order, p.ID)
		}
		batch[p.ID] = p
	}
	finish := func(id common.Hash) {
		delete(batch, id)
		delete(w.pending, id)
	}

	for _, r := range records {
		switch ev := r.Event.(type) {
		case gatekeeper.ConfigPending:
			change := ev.Change
			add(&Pending{
				ID:           ev.ID,
				Kind:         KindChange,
				DueTime:      ev.DueTime,
				WaitForDelay: true,
				Change:       &change,
			})
		case gatekeeper.BypassCallPending:
			ref := ev.Ref
			add(&Pending{
				ID:                ev.ID,
				Kind:              KindBypass,
				DueTime:           ev.DueTime,
				RequiredApprovals: ev.RequiredApprovals,
				WaitForDelay:      ev.WaitForDelay,
				Bypass:            &ref,
			})
		case gatekeeper.ConfigApplied:
			finish(ev.ID)
		case gatekeeper.ConfigCancelled:
			finish(ev.ID)
		case gatekeeper.BypassCallApplied:
			finish(ev.ID)
		case gatekeeper.BypassCallCancelled:
			finish(ev.ID)
		}
		w.cursor = r.Seq + 1
	}

	fresh := make([]*Pending, 0, len(batch))
	for _, id := range order {
		if p, ok := batch[id]; ok {
			fresh = append(fresh, p)
		}
	}
	return fresh, nil
}

func (w *Watchdog) track(ctx context.Context, p *Pending, errs **multierror.Error) {
	w.pending[p.ID] = p
	if w.notifier == nil {
		return
	}
	alert := Alert{ID: p.ID, Kind: p.Kind, DueTime: p.DueTime, Code: w.Code(p.ID)}
	if err := w.notifier.Notify(ctx, alert); err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("notify %s: %w", p.ID.Hex(), err))
	}
}

func (w *Watchdog) stillPending(st *gatekeeper.State, p *Pending) bool {
	if p.Kind == KindChange {
		_, ok := st.PendingChanges[p.ID]
		return ok
	}
	_, ok := st.PendingBypassCalls[p.ID]
	return ok
}

// ready mirrors the engine's apply checks so the watchdog does not spend
// calls it knows will be rejected.
func (w *Watchdog) ready(st *gatekeeper.State, p *Pending, now time.Time) bool {
	if p.WaitForDelay && now.Before(p.DueTime) {
		return false
	}
	switch p.Kind {
	case KindChange:
		for _, a := range p.Change.Actions {
			if a.Type() == gatekeeper.ActionAddOperatorNow {
				return false
			}
		}
		origin := p.Change.Scheduler
		if p.Change.Boosted() {
			origin = p.Change.Booster
		}
		if st.Freeze.Covers(origin.Level(), now) {
			return false
		}
		approvers := len(st.PendingChanges[p.ID].Approvers)
		return uint64(approvers) >= uint64(st.ApprovalsFor(p.Change.Scheduler.Level()))
	default:
		if st.Freeze.Covers(p.Bypass.Scheduler.Level(), now) {
			return false
		}
		approvers := len(st.PendingBypassCalls[p.ID].Approvers)
		return uint64(approvers) >= uint64(p.RequiredApprovals)
	}
}

func (w *Watchdog) apply(ctx context.Context, p *Pending) error {
	if p.Kind == KindChange {
		return w.vault.ApplyConfig(ctx, w.identity, *p.Change)
	}
	return w.vault.ApplyBypassCall(ctx, w.identity, *p.Bypass)
}

// Code is the six digit cancel code for a pending operation.
func (w *Watchdog) Code(id common.Hash) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(id.Bytes())
	sum := mac.Sum(nil)
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(sum[:4])%1000000)
}

// CancelByCode cancels a tracked operation when code matches the one that
// was sent for it.
func (w *Watchdog) CancelByCode(ctx context.Context, id common.Hash, code string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[id]
	if !ok {
		return ErrUnknownOperation
	}
	if !hmac.Equal([]byte(w.Code(id)), []byte(code)) {
		return ErrBadCode
	}

	var err error
	if p.Kind == KindChange {
		err = w.vault.CancelOperation(ctx, w.identity, *p.Change)
	} else {
		err = w.vault.CancelBypassCall(ctx, w.identity, *p.Bypass)
	}
	if err != nil {
		return err
	}
	w.log.Info().Str("id", id.Hex()).Msg("cancelled by code")
	delete(w.pending, id)
	return nil
}

// Pending lists tracked operations, earliest due first.
func (w *Watchdog) Pending() []Pending {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Pending, 0, len(w.pending))
	for _, p := range w.sorted() {
		out = append(out, *p)
	}
	return out
}

func (w *Watchdog) sorted() []*Pending {
	out := make([]*Pending, 0, len(w.pending))
	for _, p := range w.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueTime.Equal(out[j].DueTime) {
			return out[i].DueTime.Before(out[j].DueTime)
		}
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	return out
}
