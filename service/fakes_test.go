package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/layer-3/didconnect/adapters/store"
	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/internal/metrics"
	"github.com/layer-3/didconnect/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond

	addrA = core.Address("0x00000000000000000000000000000000000000aa")
	addrB = core.Address("0x00000000000000000000000000000000000000bb")
)

type fakeProvider struct {
	mu           sync.Mutex
	accounts     []string
	requestErr   error
	signErr      error
	requests     int
	release      chan struct{}
	handler      ports.AccountsHandler
	subscribes   int
	unsubscribes int
	signed       []core.Address
}

func newFakeProvider(accounts ...string) *fakeProvider {
	return &fakeProvider{accounts: accounts}
}

func (p *fakeProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	p.requests++
	release := p.release
	p.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.accounts...), p.requestErr
}

func (p *fakeProvider) Accounts(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.accounts...), nil
}

func (p *fakeProvider) SubscribeAccounts(handler ports.AccountsHandler) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes++
	p.handler = handler
	return func() {
		p.mu.Lock()
		p.unsubscribes++
		p.mu.Unlock()
	}, nil
}

func (p *fakeProvider) PersonalSign(ctx context.Context, message []byte, account core.Address) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signed = append(p.signed, account)
	if p.signErr != nil {
		return nil, p.signErr
	}
	return append([]byte(account.String()+":"), message...), nil
}

func (p *fakeProvider) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (p *fakeProvider) Balance(ctx context.Context, account core.Address) (*big.Int, error) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	return wei, nil
}

// emit delivers an accountsChanged notification synchronously.
func (p *fakeProvider) emit(accounts ...string) {
	p.mu.Lock()
	p.accounts = accounts
	handler := p.handler
	p.mu.Unlock()
	if handler != nil {
		handler(accounts)
	}
}

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

type fakeViewer struct {
	mu           sync.Mutex
	status       core.ViewerStatus
	err          error
	did          core.DID
	done         chan struct{}
	closed       bool
	disconnected bool
	profiles     []core.Profile
}

func newFakeViewer(did core.DID) *fakeViewer {
	return &fakeViewer{status: core.ViewerConnecting, did: did, done: make(chan struct{})}
}

func (v *fakeViewer) finish(status core.ViewerStatus, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status = status
	v.err = err
	if !v.closed {
		v.closed = true
		close(v.done)
	}
}

func (v *fakeViewer) Status() core.ViewerStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (v *fakeViewer) Done() <-chan struct{} { return v.done }

func (v *fakeViewer) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

func (v *fakeViewer) DID() core.DID {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != core.ViewerConnected {
		return ""
	}
	return v.did
}

func (v *fakeViewer) MergeProfile(ctx context.Context, profile core.Profile) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.profiles = append(v.profiles, profile)
	return nil
}

func (v *fakeViewer) Disconnect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disconnected = true
	return nil
}

func (v *fakeViewer) wasDisconnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.disconnected
}

// fakeIdentity settles sessions immediately unless an address is held, in
// which case the session stays connecting until the test finishes it.
type fakeIdentity struct {
	mu         sync.Mutex
	connectErr error
	rejectWith error
	held       map[core.Address]bool
	viewers    map[core.Address][]*fakeViewer
	started    chan core.Address
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		held:    make(map[core.Address]bool),
		viewers: make(map[core.Address][]*fakeViewer),
		started: make(chan core.Address, 16),
	}
}

func (f *fakeIdentity) hold(addr core.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[addr] = true
}

func (f *fakeIdentity) Connect(ctx context.Context, auth ports.AuthProvider) (ports.ViewerSession, error) {
	if _, err := auth.Sign(ctx, []byte("challenge")); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}

	addr := auth.Address()
	v := newFakeViewer(core.DID("did:pkh:eip155:1:" + addr.String()))
	f.viewers[addr] = append(f.viewers[addr], v)
	f.started <- addr

	switch {
	case f.held[addr]:
	case f.rejectWith != nil:
		v.finish(core.ViewerIdle, f.rejectWith)
	default:
		v.finish(core.ViewerConnected, nil)
	}
	return v, nil
}

func (f *fakeIdentity) viewer(addr core.Address, i int) *fakeViewer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewers[addr][i]
}

func (f *fakeIdentity) connectCount(addr core.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.viewers[addr])
}

type fakeNavigator struct {
	mu     sync.Mutex
	routes []string
}

func (n *fakeNavigator) Navigate(ctx context.Context, route core.Route) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, route.String())
	return nil
}

func (n *fakeNavigator) visited() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

func (n *fakeNavigator) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.routes) == 0 {
		return ""
	}
	return n.routes[len(n.routes)-1]
}

type fakeEvents struct {
	mu       sync.Mutex
	sessions []core.SessionEvent
	logouts  []string
	err      error
}

func (e *fakeEvents) PublishLogout(ctx context.Context, address core.Address, tokenID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logouts = append(e.logouts, tokenID)
	return e.err
}

func (e *fakeEvents) PublishSession(ctx context.Context, event core.SessionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions = append(e.sessions, event)
	return e.err
}

func (e *fakeEvents) kinds() []core.SessionEventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds := make([]core.SessionEventKind, 0, len(e.sessions))
	for _, ev := range e.sessions {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// gatedNotes blocks Set while a gate is installed so tests can interleave
// other operations with a pending note write.
type gatedNotes struct {
	*store.MemoryNoteStore

	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (n *gatedNotes) Set(ctx context.Context, did core.DID) error {
	n.mu.Lock()
	gate, entered := n.gate, n.entered
	n.gate, n.entered = nil, nil
	n.mu.Unlock()

	if gate != nil {
		close(entered)
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return n.MemoryNoteStore.Set(ctx, did)
}

// holdNextSet blocks the next Set until release is called. entered closes
// once that Set is waiting.
func (n *gatedNotes) holdNextSet() (entered <-chan struct{}, release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gate = make(chan struct{})
	n.entered = make(chan struct{})
	gate := n.gate
	return n.entered, func() { close(gate) }
}

type harness struct {
	provider *fakeProvider
	identity *fakeIdentity
	notes    *gatedNotes
	nav      *fakeNavigator
	events   *fakeEvents
	wallet   *WalletController
	did      *DIDController
	flow     *Flow
}

func newHarness(t *testing.T, opts DIDOptions, autoAuth bool, accounts ...string) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := metrics.NewNop()

	h := &harness{
		provider: newFakeProvider(accounts...),
		identity: newFakeIdentity(),
		notes:    &gatedNotes{MemoryNoteStore: store.NewMemoryNoteStore()},
		nav:      &fakeNavigator{},
		events:   &fakeEvents{},
	}
	h.wallet = NewWalletController(h.provider, logger, m)
	h.did = NewDIDController(h.wallet, h.identity, h.notes, opts, logger, m)
	h.flow = NewFlow(h.wallet, h.did, h.nav, h.events, autoAuth, logger)
	t.Cleanup(h.flow.Close)
	return h
}

func (h *harness) note(t *testing.T) core.DID {
	t.Helper()
	did, err := h.notes.Get(context.Background())
	if errors.Is(err, core.ErrNoteNotFound) {
		return ""
	}
	require.NoError(t, err)
	return did
}
