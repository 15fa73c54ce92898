// Package application implements the request/answer dispatch layer built
// atop node.Node: registering a Handler per Diameter application id,
// routing inbound requests to the right one, and filling in a compliant
// default answer when no handler exists, the peer isn't allowed to use
// it, or the handler itself fails.
//
// The teacher's example programs (examples/applications/*) hand-roll this
// dispatch inline in main() and track sessions themselves; this package
// generalizes that into something reusable across applications.
package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nabstractio/diameterstack"
	"github.com/nabstractio/diameterstack/agent"
	"github.com/nabstractio/diameterstack/node"
)

// Handler processes an inbound request for a registered application and
// returns the answer to send back. A nil answer with a nil error means the
// handler has already sent its own answer (or intentionally chose not to
// answer) and Runtime should not generate one.
type Handler func(ctx context.Context, request *diameter.Message, peer *agent.Peer) (*diameter.Message, error)

// Registration describes one application id's handler and its dispatch
// policy. An application id without Acct set is treated as an
// authentication/authorization handler, matching the Auth/Acct
// application id lists a peer negotiates during capability exchange
// (agent.DiameterEntity.AuthApplicationIDs / AcctApplicationIDs).
type Registration struct {
	AppID uint32

	// Acct marks this registration as handling accounting traffic rather
	// than authentication/authorization traffic; it is passed through to
	// node.Node.Send when relaying the handler's answer.
	Acct bool

	// AllowedPeers restricts which Origin-Host values may invoke this
	// application. A nil or empty slice allows every connected peer.
	AllowedPeers []string

	Handler Handler

	// Workers is the size of the dedicated worker pool dispatching this
	// registration's requests. 0 or 1 dispatches synchronously on the
	// Runtime's own dispatch goroutine, which blocks every other
	// registration's traffic while a slow handler runs.
	Workers int

	// QueueDepth bounds how many requests can be queued awaiting a free
	// worker before Runtime gives up and answers DIAMETER_UNABLE_TO_COMPLY
	// itself. Defaults to 64 when Workers > 1 and QueueDepth is 0.
	QueueDepth int
}

type registeredApp struct {
	reg          Registration
	allowedPeers map[string]bool
	work         chan dispatchedRequest
}

type dispatchedRequest struct {
	peer       *agent.Peer
	msg        *diameter.Message
	receivedAt time.Time
}

// Runtime owns the registration table and the goroutine consuming
// node.Node's event channel for inbound requests.
type Runtime struct {
	node        *node.Node
	originHost  string
	originRealm string
	logger      log.Logger

	mu   sync.RWMutex
	apps map[uint32]*registeredApp
	quit chan struct{}
	wg   sync.WaitGroup

	// stats, if set via SetStats, is fed one RecordResponse call per
	// inbound request this Runtime answers (whether answered by a
	// handler or by Runtime's own default-answer paths).
	stats node.StatsRecorder
}

// SetStats wires a stats recorder (typically a *stats.Node) into the
// Runtime, which records one sample per inbound request it answers:
// the time from receipt to answer, and the answer's Result-Code.
func (r *Runtime) SetStats(s node.StatsRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = s
}

// New builds a Runtime dispatching requests received on n. originHost and
// originRealm populate the default answers Runtime generates on the
// application's behalf.
func New(n *node.Node, originHost, originRealm string, logger log.Logger) *Runtime {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Runtime{
		node:        n,
		originHost:  originHost,
		originRealm: originRealm,
		logger:      logger,
		apps:        make(map[uint32]*registeredApp),
		quit:        make(chan struct{}),
	}
}

// Register adds a handler for reg.AppID. Returns an error if that
// application id already has a registered handler.
func (r *Runtime) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.apps[reg.AppID]; exists {
		return fmt.Errorf("application: app id %d already has a registered handler", reg.AppID)
	}

	app := &registeredApp{reg: reg}
	if len(reg.AllowedPeers) > 0 {
		app.allowedPeers = make(map[string]bool, len(reg.AllowedPeers))
		for _, host := range reg.AllowedPeers {
			app.allowedPeers[host] = true
		}
	}

	if reg.Workers > 1 {
		depth := reg.QueueDepth
		if depth == 0 {
			depth = 64
		}
		app.work = make(chan dispatchedRequest, depth)
		for i := 0; i < reg.Workers; i++ {
			r.wg.Add(1)
			go r.runWorker(app)
		}
	}

	r.apps[reg.AppID] = app
	return nil
}

// Run consumes node events until ctx is cancelled, dispatching inbound
// requests to their registered handler. Run blocks; call it from its own
// goroutine.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-r.node.EventChannel():
			if !ok {
				return
			}
			if event.Type == node.AppMessageReceivedEvent {
				r.dispatch(ctx, event.Peer, event.Message)
			}
		case <-ctx.Done():
			close(r.quit)
			r.wg.Wait()
			return
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, peer *agent.Peer, msg *diameter.Message) {
	receivedAt := time.Now()

	r.mu.RLock()
	app, known := r.apps[msg.AppID]
	r.mu.RUnlock()

	if !known {
		r.answerWithDefault(msg, peer, receivedAt, resultCodeApplicationUnsupported)
		return
	}

	if app.allowedPeers != nil && !app.allowedPeers[peer.Identity.OriginHost] {
		level.Warn(r.logger).Log("event", "peer_not_allowed", "app_id", msg.AppID, "origin_host", peer.Identity.OriginHost)
		r.answerWithDefault(msg, peer, receivedAt, resultCodeUnableToComply)
		return
	}

	request := dispatchedRequest{peer: peer, msg: msg, receivedAt: receivedAt}

	if app.work == nil {
		r.invoke(ctx, app, request)
		return
	}

	select {
	case app.work <- request:
	default:
		level.Warn(r.logger).Log("event", "worker_queue_full", "app_id", msg.AppID)
		r.answerWithDefault(msg, peer, receivedAt, resultCodeUnableToComply)
	}
}

func (r *Runtime) runWorker(app *registeredApp) {
	defer r.wg.Done()

	for {
		select {
		case req := <-app.work:
			r.invoke(context.Background(), app, req)
		case <-r.quit:
			return
		}
	}
}

func (r *Runtime) invoke(ctx context.Context, app *registeredApp, req dispatchedRequest) {
	answer, err := app.reg.Handler(ctx, req.msg, req.peer)
	if err != nil {
		level.Warn(r.logger).Log("event", "handler_error", "app_id", req.msg.AppID, "err", err)
		r.answerWithDefault(req.msg, req.peer, req.receivedAt, resultCodeUnableToComply)
		return
	}

	if answer == nil {
		return
	}

	r.recordAnswered(req.peer, req.msg, answer, req.receivedAt)
	if _, err := r.node.Send(answer, app.reg.Acct); err != nil {
		level.Warn(r.logger).Log("event", "answer_send_failed", "app_id", req.msg.AppID, "err", err)
	}
}

func (r *Runtime) answerWithDefault(request *diameter.Message, peer *agent.Peer, receivedAt time.Time, resultCode uint32) {
	answer := defaultAnswer(request, r.originHost, r.originRealm, resultCode)
	r.recordAnswered(peer, request, answer, receivedAt)
	if _, err := r.node.Send(answer, false); err != nil {
		level.Warn(r.logger).Log("event", "default_answer_send_failed", "app_id", request.AppID, "err", err)
	}
}

func (r *Runtime) recordAnswered(peer *agent.Peer, request, answer *diameter.Message, receivedAt time.Time) {
	r.mu.RLock()
	stats := r.stats
	r.mu.RUnlock()

	if stats == nil || peer == nil {
		return
	}

	stats.RecordResponse(peer.Identity.OriginHost, fmt.Sprintf("%d", request.Code), time.Since(receivedAt), resultCodeOf(answer))
}

// SendRequest routes msg through the underlying node and waits for its
// answer, honoring ctx's deadline/cancellation in addition to timeout.
// node.Node.SendRequest itself watches ctx, so cancellation here is not
// just a local return: the node drops the pending-request entry at the
// moment of cancellation instead of leaving it to the original timeout.
func (r *Runtime) SendRequest(ctx context.Context, msg *diameter.Message, acct bool, timeout time.Duration) (*diameter.Message, error) {
	return r.node.SendRequest(ctx, msg, acct, timeout)
}
