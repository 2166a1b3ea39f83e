package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/alanyoungcy/wickhunter/internal/metrics"
)

const (
	defaultSignTimeout = 5 * time.Second
	defaultMailboxSize = 64
	restartWindow      = time.Minute
)

// RequestType selects the signing operation of a Request.
type RequestType string

const (
	RequestSignTypedData RequestType = "signTypedData"
	RequestSignMessage   RequestType = "signMessage"
)

// Request is one message in the actor's inbox. Payload is the JSON encoded
// apitypes.TypedData, or the JSON encoded message bytes.
type Request struct {
	ID      string          `json:"id"`
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID        string `json:"id"`
	Success   bool   `json:"success"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Backend holds the key. The actor calls it from a single goroutine.
type Backend interface {
	SignTypedData(td apitypes.TypedData) (string, error)
	SignMessage(msg []byte) (string, error)
}

// ActorConfig tunes a SigningActor.
type ActorConfig struct {
	Timeout     time.Duration
	MailboxSize int
	// MaxRestarts is the number of worker crashes tolerated within one
	// minute. Zero stops the actor on the first crash.
	MaxRestarts int
	// OnStop runs once when the restart budget is exhausted.
	OnStop func(err error)
}

// SigningActor owns the signing backend on a dedicated goroutine. Callers
// talk to it through a bounded inbox; every request carries a correlation
// id and fails with domain.ErrSignTimeout when no answer arrives in time.
type SigningActor struct {
	backend Backend
	cfg     ActorConfig
	logger  *slog.Logger

	inbox   chan Request
	mu      sync.Mutex
	pending map[string]chan Response

	done      chan struct{}
	stopped   chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
}

// NewSigningActor starts the actor's supervisor.
func NewSigningActor(backend Backend, cfg ActorConfig, logger *slog.Logger) *SigningActor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSignTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}

	a := &SigningActor{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "signing_actor")),
		inbox:   make(chan Request, cfg.MailboxSize),
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go a.supervise()
	return a
}

// SignTypedData signs an EIP-712 payload.
func (a *SigningActor) SignTypedData(ctx context.Context, td apitypes.TypedData) (string, error) {
	payload, err := json.Marshal(td)
	if err != nil {
		return "", fmt.Errorf("crypto/actor: encode typed data: %w", err)
	}
	return a.Sign(ctx, RequestSignTypedData, payload)
}

// SignMessage signs msg as a personal message.
func (a *SigningActor) SignMessage(ctx context.Context, msg []byte) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("crypto/actor: encode message: %w", err)
	}
	return a.Sign(ctx, RequestSignMessage, payload)
}

// Sign sends one request and waits for its response.
func (a *SigningActor) Sign(ctx context.Context, typ RequestType, payload []byte) (string, error) {
	select {
	case <-a.stopped:
		metrics.SignRequests.WithLabelValues("stopped").Inc()
		return "", fmt.Errorf("crypto/actor: %w", domain.ErrSignerStopped)
	default:
	}

	req := Request{ID: uuid.New().String(), Type: typ, Payload: payload}
	respCh := make(chan Response, 1)
	a.mu.Lock()
	a.pending[req.ID] = respCh
	a.mu.Unlock()
	defer a.forget(req.ID)

	timer := time.NewTimer(a.cfg.Timeout)
	defer timer.Stop()

	select {
	case a.inbox <- req:
	case <-timer.C:
		return "", a.timeout(req)
	case <-a.stopped:
		metrics.SignRequests.WithLabelValues("stopped").Inc()
		return "", fmt.Errorf("crypto/actor: %w", domain.ErrSignerStopped)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			metrics.SignRequests.WithLabelValues("error").Inc()
			return "", fmt.Errorf("crypto/actor: %s: %w: %s", req.Type, domain.ErrSigningFailed, resp.Error)
		}
		metrics.SignRequests.WithLabelValues("ok").Inc()
		return resp.Signature, nil
	case <-timer.C:
		return "", a.timeout(req)
	case <-a.stopped:
		metrics.SignRequests.WithLabelValues("stopped").Inc()
		return "", fmt.Errorf("crypto/actor: %w", domain.ErrSignerStopped)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the worker and waits for it to exit, at most one timeout.
// It is safe to call more than once.
func (a *SigningActor) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.stop(nil)
	})
	select {
	case <-a.exited:
	case <-time.After(a.cfg.Timeout):
		a.logger.Warn("signing worker still busy after close")
	}
	return nil
}

// Stopped is closed once the actor no longer serves requests.
func (a *SigningActor) Stopped() <-chan struct{} {
	return a.stopped
}

func (a *SigningActor) timeout(req Request) error {
	metrics.SignRequests.WithLabelValues("timeout").Inc()
	a.logger.Warn("signing request timed out",
		slog.String("request_id", req.ID),
		slog.String("type", string(req.Type)),
		slog.Duration("timeout", a.cfg.Timeout),
	)
	return fmt.Errorf("crypto/actor: %s after %s: %w", req.Type, a.cfg.Timeout, domain.ErrSignTimeout)
}

func (a *SigningActor) forget(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// deliver routes resp to its waiting caller. Responses for callers that
// already gave up are dropped.
func (a *SigningActor) deliver(resp Response) {
	a.mu.Lock()
	ch, ok := a.pending[resp.ID]
	delete(a.pending, resp.ID)
	a.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (a *SigningActor) stop(err error) {
	a.stopOnce.Do(func() {
		close(a.stopped)
		if err != nil && a.cfg.OnStop != nil {
			a.cfg.OnStop(err)
		}
	})
}

func (a *SigningActor) supervise() {
	defer close(a.exited)

	var crashes []time.Time
	for {
		if !a.runWorker() {
			return
		}

		now := time.Now()
		recent := crashes[:0]
		for _, t := range crashes {
			if now.Sub(t) < restartWindow {
				recent = append(recent, t)
			}
		}
		crashes = append(recent, now)

		if len(crashes) > a.cfg.MaxRestarts {
			err := fmt.Errorf("crypto/actor: %d crashes within %s: %w", len(crashes), restartWindow, domain.ErrSignerStopped)
			a.logger.Error("signing worker restart budget exhausted", slog.String("error", err.Error()))
			a.stop(err)
			return
		}
		a.logger.Warn("signing worker crashed, restarting", slog.Int("crashes", len(crashes)))
	}
}

// runWorker serves the inbox until Close. It reports true when it stopped
// because the backend panicked.
func (a *SigningActor) runWorker() (crashed bool) {
	var current string
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			metrics.SignRequests.WithLabelValues("panic").Inc()
			a.deliver(Response{ID: current, Error: fmt.Sprintf("signer panic: %v", r)})
		}
	}()

	for {
		select {
		case <-a.done:
			return false
		case req := <-a.inbox:
			current = req.ID
			a.deliver(a.handle(req))
			current = ""
		}
	}
}

func (a *SigningActor) handle(req Request) Response {
	var (
		sig string
		err error
	)
	switch req.Type {
	case RequestSignTypedData:
		var td apitypes.TypedData
		if err = json.Unmarshal(req.Payload, &td); err == nil {
			sig, err = a.backend.SignTypedData(td)
		}
	case RequestSignMessage:
		var msg []byte
		if err = json.Unmarshal(req.Payload, &msg); err == nil {
			sig, err = a.backend.SignMessage(msg)
		}
	default:
		err = fmt.Errorf("unknown request type %q", req.Type)
	}

	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Success: true, Signature: sig}
}
