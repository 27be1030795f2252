package observability

import (
	"sync"
	"sync/atomic"
)

type FrameErrorStage string

const (
	FrameErrorRead   FrameErrorStage = "read"
	FrameErrorWrite  FrameErrorStage = "write"
	FrameErrorDecode FrameErrorStage = "decode"
)

type UpgradeResult string

const (
	UpgradeResultOK   UpgradeResult = "ok"
	UpgradeResultFail UpgradeResult = "fail"
)

type UpgradeReason string

const (
	UpgradeReasonOK                 UpgradeReason = "ok"
	UpgradeReasonBadMethod          UpgradeReason = "bad_method"
	UpgradeReasonBadUpgradeHeader   UpgradeReason = "bad_upgrade_header"
	UpgradeReasonBadKey             UpgradeReason = "bad_key"
	UpgradeReasonBadVersion         UpgradeReason = "bad_version"
	UpgradeReasonMissingSubprotocol UpgradeReason = "missing_subprotocol"
	UpgradeReasonHijackFailed       UpgradeReason = "hijack_failed"
)

// SessionObserver receives session-level metric events.
type SessionObserver interface {
	FrameRead(purpose string)
	FrameWritten(purpose string)
	FrameError(stage FrameErrorStage)
	HandlerPanic()
	EncryptionEnabled(mode string)
	Disconnect()
}

// ServerObserver receives acceptor-level metric events.
type ServerObserver interface {
	SessionCount(n int)
	Upgrade(result UpgradeResult, reason UpgradeReason)
}

type noopSessionObserver struct{}

func (noopSessionObserver) FrameRead(string)            {}
func (noopSessionObserver) FrameWritten(string)         {}
func (noopSessionObserver) FrameError(FrameErrorStage)  {}
func (noopSessionObserver) HandlerPanic()               {}
func (noopSessionObserver) EncryptionEnabled(string)    {}
func (noopSessionObserver) Disconnect()                 {}

type noopServerObserver struct{}

func (noopServerObserver) SessionCount(int)                     {}
func (noopServerObserver) Upgrade(UpgradeResult, UpgradeReason) {}

// NoopSessionObserver is a zero-cost observer used when metrics are disabled.
var NoopSessionObserver SessionObserver = noopSessionObserver{}

// NoopServerObserver is a zero-cost observer used when metrics are disabled.
var NoopServerObserver ServerObserver = noopServerObserver{}

// AtomicSessionObserver swaps its delegate at runtime.
type AtomicSessionObserver struct {
	once sync.Once
	v    atomic.Value
}

type sessionObserverHolder struct {
	obs SessionObserver
}

// NewAtomicSessionObserver returns an initialized atomic observer.
func NewAtomicSessionObserver() *AtomicSessionObserver {
	a := &AtomicSessionObserver{}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicSessionObserver) Set(obs SessionObserver) {
	if obs == nil {
		obs = NoopSessionObserver
	}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	a.v.Store(&sessionObserverHolder{obs: obs})
}

func (a *AtomicSessionObserver) load() SessionObserver {
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a.v.Load().(*sessionObserverHolder).obs
}

func (a *AtomicSessionObserver) FrameRead(purpose string)    { a.load().FrameRead(purpose) }
func (a *AtomicSessionObserver) FrameWritten(purpose string) { a.load().FrameWritten(purpose) }
func (a *AtomicSessionObserver) FrameError(stage FrameErrorStage) {
	a.load().FrameError(stage)
}
func (a *AtomicSessionObserver) HandlerPanic()                { a.load().HandlerPanic() }
func (a *AtomicSessionObserver) EncryptionEnabled(mode string) { a.load().EncryptionEnabled(mode) }
func (a *AtomicSessionObserver) Disconnect()                  { a.load().Disconnect() }
