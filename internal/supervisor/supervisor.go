package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/klippa-app/godds/internal/events"
	"github.com/klippa-app/godds/internal/message"
)

var (
	ErrClosed         = errors.New("worker supervisor is closed")
	ErrAlreadyLoading = errors.New("worker is already loading or loaded")
	ErrNotLoaded      = errors.New("worker is not loaded")
	ErrLoadFailed     = errors.New("worker failed to load")
	ErrReadyTimeout   = errors.New("worker did not become ready in time")
	ErrDisconnected   = errors.New("worker connection lost while loading")
	ErrNotPresentable = errors.New("worker process has no presentation surface")
)

// Process is a running worker.
type Process interface {
	// Conn is the message channel to the worker's endpoint.
	Conn() *message.Conn
	// Close shuts the worker down gracefully.
	Close() error
	// Destroy kills the worker immediately.
	Destroy()
}

// Presenter is implemented by processes that have a visible surface.
type Presenter interface {
	Show() error
	Focus() error
	Hide() error
}

// Launcher starts worker processes. Launch reports progress through notify
// and returns the process once its message channel is open. A returned error
// counts as a load failure.
type Launcher interface {
	Launch(ctx context.Context, notify func(LoadEvent)) (Process, error)
}

type Option func(*Supervisor)

func WithMode(mode Mode) Option {
	return func(s *Supervisor) {
		s.mode = mode
	}
}

// WithDiagnose replaces the hook that surfaces load failures in
// ModeDiagnostic.
func WithDiagnose(fn func(error)) Option {
	return func(s *Supervisor) {
		s.diagnose = fn
	}
}

// WithReadyTimeout fails a load attempt that has not become ready within d.
// Zero waits forever.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.readyTimeout = d
	}
}

type signalKind int

const (
	sigLoad signalKind = iota
	sigStarted
	sigFinished
	sigFailed
	sigLaunched
	sigReady
	sigQuit
	sigDisconnected
	sigReadyTimeout
	sigClose
	sigDestroy
)

type signal struct {
	kind    signalKind
	attempt uint64
	err     error
	proc    Process
	reply   chan error
}

// Supervisor owns the lifecycle of one worker process: it launches it, gates
// it on the two-part readiness handshake, forwards conversion requests to it
// and broadcasts its results.
//
// All state transitions happen on a single goroutine fed by a signal channel.
// Lifecycle listeners run on a separate dispatch goroutine in transition order.
type Supervisor struct {
	launcher     Launcher
	logger       hclog.Logger
	mode         Mode
	diagnose     func(error)
	readyTimeout time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	signals  chan signal
	dispatch chan func()
	stopped  chan struct{}
	done     chan struct{}

	// Owned by the run loop.
	attempt         uint64
	startSeen       bool
	finishedLoading bool
	sentReadyEvent  bool
	cancelLaunch    context.CancelFunc
	readyTimer      *time.Timer

	mu      sync.RWMutex
	state   State
	proc    Process
	lastErr error
	changed chan struct{}

	results  events.Listeners[*message.Envelope]
	didLoad  events.Listeners[struct{}]
	failed   events.Listeners[error]
	onClosed events.Listeners[struct{}]
}

func New(launcher Launcher, logger hclog.Logger, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		launcher: launcher,
		logger:   logger.Named("supervisor"),
		ctx:      ctx,
		cancel:   cancel,
		signals:  make(chan signal),
		dispatch: make(chan func(), 64),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		changed:  make(chan struct{}),
	}
	s.diagnose = s.surface

	for _, opt := range opts {
		opt(s)
	}

	go s.run()
	go s.dispatchLoop()

	return s
}

// Load starts a load attempt. It is valid in StateCreated and, to recover
// from a failed attempt, in StateFailed.
func (s *Supervisor) Load(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.send(ctx, signal{kind: sigLoad, reply: reply}) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrClosed
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitReady blocks until the current load attempt is ready, fails or the
// supervisor closes.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	for {
		s.mu.RLock()
		state, changed, lastErr := s.state, s.changed, s.lastErr
		s.mu.RUnlock()

		switch state {
		case StateReady:
			return nil
		case StateFailed:
			return lastErr
		case StateClosed:
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send forwards env to the worker without inspecting it.
func (s *Supervisor) Send(env *message.Envelope) error {
	s.mu.RLock()
	state, proc := s.state, s.proc
	s.mu.RUnlock()

	if state == StateClosed {
		return ErrClosed
	}
	// A failed process kept for inspection has no reader for results.
	if proc == nil || state == StateFailed {
		return ErrNotLoaded
	}

	return proc.Conn().Send(env)
}

// Subscribe registers fn for every conversion result the worker emits.
// fn runs on the connection reader and must not block.
func (s *Supervisor) Subscribe(fn func(*message.Envelope)) *events.Subscription {
	return s.results.Add(fn)
}

// Done is closed once the supervisor has closed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnDidLoad registers fn to run each time a load attempt becomes ready.
func (s *Supervisor) OnDidLoad(fn func()) *events.Subscription {
	return s.didLoad.Add(func(struct{}) { fn() })
}

// OnFailedToLoad registers fn to run when a load attempt fails in
// ModeProduction.
func (s *Supervisor) OnFailedToLoad(fn func(error)) *events.Subscription {
	return s.failed.Add(fn)
}

func (s *Supervisor) OnClose(fn func()) *events.Subscription {
	return s.onClosed.Add(func(struct{}) { fn() })
}

// Close shuts the worker down gracefully. Closing twice is a no-op.
func (s *Supervisor) Close() error {
	s.terminate(sigClose)
	return nil
}

// Destroy kills the worker without a graceful shutdown.
func (s *Supervisor) Destroy() {
	s.terminate(sigDestroy)
}

func (s *Supervisor) terminate(kind signalKind) {
	reply := make(chan error, 1)
	if !s.send(context.Background(), signal{kind: kind, reply: reply}) {
		return
	}
	<-reply
}

func (s *Supervisor) Show() error {
	p, err := s.presenter()
	if err != nil {
		return err
	}
	s.logger.Debug("showing worker process")
	return p.Show()
}

func (s *Supervisor) Focus() error {
	p, err := s.presenter()
	if err != nil {
		return err
	}
	return p.Focus()
}

func (s *Supervisor) Hide() error {
	p, err := s.presenter()
	if err != nil {
		return err
	}
	return p.Hide()
}

func (s *Supervisor) presenter() (Presenter, error) {
	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()

	if proc == nil {
		return nil, ErrNotLoaded
	}
	p, ok := proc.(Presenter)
	if !ok {
		return nil, ErrNotPresentable
	}
	return p, nil
}

// surface is the default diagnose hook.
func (s *Supervisor) surface(err error) {
	s.logger.Error("worker failed to load, keeping it for inspection", "error", err)
	if p, perr := s.presenter(); perr == nil {
		_ = p.Show()
		_ = p.Focus()
	}
}

// send delivers sig to the run loop. It reports false once the loop has
// stopped or ctx is done.
func (s *Supervisor) send(ctx context.Context, sig signal) bool {
	select {
	case s.signals <- sig:
		return true
	case <-s.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// signal reports whether sig reached the run loop.
func (s *Supervisor) signal(sig signal) bool {
	return s.send(s.ctx, sig)
}

func (s *Supervisor) emit(fn func()) {
	s.dispatch <- fn
}

func (s *Supervisor) dispatchLoop() {
	for fn := range s.dispatch {
		fn()
	}
}

func (s *Supervisor) run() {
	defer func() {
		close(s.stopped)
		close(s.dispatch)
	}()

	for sig := range s.signals {
		s.handle(sig)
		if s.State() == StateClosed {
			return
		}
	}
}

func (s *Supervisor) handle(sig signal) {
	switch sig.kind {
	case sigLoad:
		sig.reply <- s.startAttempt()
		return
	case sigClose:
		s.close(false)
		sig.reply <- nil
		return
	case sigDestroy:
		s.close(true)
		sig.reply <- nil
		return
	}

	if sig.attempt != s.attempt {
		// A signal from an attempt that has been superseded.
		if sig.kind == sigLaunched && sig.proc != nil {
			sig.proc.Destroy()
		}
		return
	}

	switch sig.kind {
	case sigStarted:
		if s.startSeen {
			return
		}
		s.startSeen = true
		s.logger.Debug("worker process in startup", "attempt", sig.attempt)

	case sigFinished:
		if s.finishedLoading || !s.State().loading() {
			return
		}
		s.logger.Debug("worker process started", "attempt", sig.attempt)
		s.finishedLoading = true
		s.maybeReady()

	case sigReady:
		if s.sentReadyEvent || !s.State().loading() {
			return
		}
		s.logger.Debug("worker process is ready", "attempt", sig.attempt)
		s.sentReadyEvent = true
		s.maybeReady()

	case sigFailed:
		s.fail(sig.err)

	case sigReadyTimeout:
		s.fail(ErrReadyTimeout)

	case sigLaunched:
		s.launched(sig.proc, sig.err)

	case sigQuit:
		s.logger.Debug("got quit signal from worker process")
		s.close(false)

	case sigDisconnected:
		if s.State().loading() {
			s.fail(fmt.Errorf("%w: %v", ErrDisconnected, sig.err))
			return
		}
		if s.State() == StateReady {
			s.logger.Warn("worker connection lost", "error", sig.err)
			s.close(false)
		}
	}
}

func (s *Supervisor) startAttempt() error {
	switch s.State() {
	case StateClosed:
		return ErrClosed
	case StateCreated, StateFailed:
	default:
		return ErrAlreadyLoading
	}

	s.releaseProcess(true)

	s.attempt++
	attempt := s.attempt
	s.startSeen = false
	s.finishedLoading = false
	s.sentReadyEvent = false
	s.setState(StateLoading, nil)

	s.logger.Debug("starting worker process", "attempt", attempt)

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelLaunch = cancel

	if s.readyTimeout > 0 {
		s.readyTimer = time.AfterFunc(s.readyTimeout, func() {
			s.signal(signal{kind: sigReadyTimeout, attempt: attempt})
		})
	}

	go func() {
		proc, err := s.launcher.Launch(ctx, func(ev LoadEvent) {
			s.signal(signal{kind: eventSignal(ev), attempt: attempt, err: ErrLoadFailed})
		})
		if !s.signal(signal{kind: sigLaunched, attempt: attempt, proc: proc, err: err}) && proc != nil {
			// Closed while launching.
			proc.Destroy()
		}
	}()

	return nil
}

func eventSignal(ev LoadEvent) signalKind {
	switch ev {
	case LoadStarted:
		return sigStarted
	case LoadFinished:
		return sigFinished
	default:
		return sigFailed
	}
}

func (s *Supervisor) launched(proc Process, err error) {
	if err != nil {
		if proc != nil {
			proc.Destroy()
		}
		s.fail(fmt.Errorf("%w: %w", ErrLoadFailed, err))
		return
	}

	if !s.State().loading() {
		// The attempt already failed, e.g. on the ready timeout. Diagnostic
		// mode keeps the process for inspection.
		if s.mode == ModeDiagnostic && s.State() == StateFailed {
			s.mu.Lock()
			s.proc = proc
			s.mu.Unlock()
			return
		}
		proc.Destroy()
		return
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	go s.pump(s.attempt, proc.Conn())
}

// pump reads the worker's messages for one attempt until the connection ends.
func (s *Supervisor) pump(attempt uint64, conn *message.Conn) {
	for {
		env, err := conn.Receive()
		if err != nil {
			s.signal(signal{kind: sigDisconnected, attempt: attempt, err: err})
			return
		}

		switch env.Kind {
		case message.KindReady:
			s.signal(signal{kind: sigReady, attempt: attempt})
		case message.KindQuit:
			s.signal(signal{kind: sigQuit, attempt: attempt})
		case message.KindConversionResult:
			s.results.Emit(env)
		default:
			s.logger.Warn("dropping unexpected message from worker", "kind", env.Kind.String())
		}
	}
}

func (s *Supervisor) maybeReady() {
	switch {
	case s.finishedLoading && s.sentReadyEvent:
		s.stopTimer()
		s.setState(StateReady, nil)
		s.logger.Info("worker process loaded", "attempt", s.attempt)
		s.emit(func() { s.didLoad.Emit(struct{}{}) })
	case s.finishedLoading:
		s.setState(StateAwaitingReady, nil)
	case s.sentReadyEvent:
		s.setState(StateAwaitingLoad, nil)
	}
}

func (s *Supervisor) fail(err error) {
	if !s.State().loading() {
		return
	}

	s.logger.Error("worker process failed to load", "attempt", s.attempt, "error", err)
	s.stopTimer()
	if s.cancelLaunch != nil && s.mode == ModeProduction {
		s.cancelLaunch()
	}

	if s.mode == ModeDiagnostic {
		s.setState(StateFailed, err)
		s.emit(func() { s.diagnose(err) })
		return
	}

	s.releaseProcess(true)
	s.setState(StateFailed, err)
	s.emit(func() { s.failed.Emit(err) })
}

func (s *Supervisor) close(destroy bool) {
	if s.State() == StateClosed {
		return
	}

	s.stopTimer()
	s.releaseProcess(destroy)
	s.cancel()

	s.setState(StateClosed, ErrClosed)
	close(s.done)
	s.results.Close()

	s.logger.Debug("worker process closed", "destroyed", destroy)
	s.emit(func() {
		s.onClosed.Emit(struct{}{})
		s.didLoad.Close()
		s.failed.Close()
		s.onClosed.Close()
	})
}

func (s *Supervisor) releaseProcess(destroy bool) {
	if s.cancelLaunch != nil {
		s.cancelLaunch()
		s.cancelLaunch = nil
	}

	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	if proc == nil {
		return
	}

	if destroy {
		proc.Destroy()
		return
	}
	if err := proc.Close(); err != nil {
		s.logger.Warn("could not close worker process", "error", err)
	}
}

func (s *Supervisor) stopTimer() {
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
}

func (s *Supervisor) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == state {
		return
	}

	s.logger.Trace("state transition", "from", s.state.String(), "to", state.String())
	s.state = state
	s.lastErr = err
	close(s.changed)
	s.changed = make(chan struct{})
}
