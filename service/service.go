// Package service is the control plane: it owns the pipeline components,
// walks them through the lifecycle and exposes the operations the HTTP layer
// calls into.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"neargate/batch"
	"neargate/config"
	"neargate/crypto"
	"neargate/executor"
	"neargate/fault"
	"neargate/keyring"
	"neargate/metrics"
	"neargate/nearrpc"
	"neargate/nonce"
	"neargate/queue"
	"neargate/transfer"
)

// State is the lifecycle position of the service.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	drainDeadline = 30 * time.Second
	probePeriod   = 5 * time.Second
	probeMaxAge   = 15 * time.Second
)

// Service wires queue, collector, executor, key ring and nonce allocator
// together and tracks the lifecycle state.
type Service struct {
	cfg config.Config
	log *slog.Logger

	rpc       *nearrpc.Client
	keys      *keyring.Registry
	nonces    *nonce.Allocator
	metrics   *metrics.Engine
	queue     *queue.Queue
	collector *batch.Collector
	exec      *executor.Executor

	masterKey *crypto.PrivateKey
	extraKeys []*crypto.PrivateKey

	state     atomic.Int32
	probeOK   atomic.Bool
	lastProbe atomic.Int64
	startedAt time.Time

	cancelRun context.CancelFunc
	runDone   chan struct{}

	tokenMetadata json.RawMessage
}

// New builds a stopped service from validated configuration. reg may be nil
// to skip Prometheus registration, which tests rely on.
func New(cfg config.Config, reg *prometheus.Registry, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	master, extras, err := loadKeys(cfg)
	if err != nil {
		return nil, err
	}

	rpc := nearrpc.New(nearrpc.Config{
		URL:      cfg.NodeURL,
		PoolSize: cfg.RPCPoolSize,
		Timeout:  cfg.RPCTimeout(),
	})

	var eng *metrics.Engine
	if reg != nil {
		eng = metrics.New(reg)
	} else {
		eng = metrics.New(nil)
	}

	deposit, ok := new(big.Int).SetString(cfg.AttachedDeposit, 10)
	if !ok {
		return nil, fmt.Errorf("attachedDeposit %q is not an integer", cfg.AttachedDeposit)
	}

	keys := keyring.New(cfg.MasterAccountID, master, extras)
	nonces := nonce.New(rpc)
	// Wake the collector early once the backlog could fill two batches.
	q := queue.New(cfg.QueueCapacity, 2*cfg.BatchSize)
	exec := executor.New(rpc, keys, nonces, eng, executor.Config{
		ContractID:  cfg.ContractID,
		Gas:         cfg.FunctionCallGas,
		Deposit:     deposit,
		MaxParallel: cfg.MaxParallelTransactions,
	}, log)
	collector := batch.New(q, exec, batch.Config{
		BaseSize:    cfg.BatchSize,
		Interval:    cfg.BatchInterval(),
		MaxInflight: cfg.MaxConcurrentBatches,
	}, log)
	collector.AddListener(eng)

	return &Service{
		cfg:       cfg,
		log:       log,
		rpc:       rpc,
		keys:      keys,
		nonces:    nonces,
		metrics:   eng,
		queue:     q,
		collector: collector,
		exec:      exec,
		masterKey: master,
		extraKeys: extras,
	}, nil
}

func loadKeys(cfg config.Config) (*crypto.PrivateKey, []*crypto.PrivateKey, error) {
	var master *crypto.PrivateKey
	switch {
	case cfg.MasterPrivateKey != "":
		key, err := crypto.ParsePrivateKey(cfg.MasterPrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("parse masterPrivateKey: %w", err)
		}
		master = key
	case cfg.CredentialsFile != "":
		_, key, err := crypto.LoadCredentials(cfg.CredentialsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load credentials: %w", err)
		}
		master = key
	default:
		return nil, nil, fmt.Errorf("no signing key configured")
	}

	extras := make([]*crypto.PrivateKey, 0, cfg.ExtraKeys)
	for i := 0; i < cfg.ExtraKeys; i++ {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("generate extra key: %w", err)
		}
		extras = append(extras, key)
	}
	return master, extras, nil
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Metrics exposes the engine for the HTTP layer.
func (s *Service) Metrics() *metrics.Engine { return s.metrics }

// Start walks Created -> Initializing -> Running: probes the node, confirms
// the signer account and the FT contract, seeds nonces, registers extra keys
// on-chain and launches the collector and health probe loops.
func (s *Service) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateInitializing)) {
		return fmt.Errorf("service already started (state %s)", s.State())
	}

	if err := s.bootstrap(ctx); err != nil {
		s.state.Store(int32(StateStopped))
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	s.runDone = make(chan struct{})
	go func() {
		defer close(s.runDone)
		s.collector.Run(runCtx)
	}()
	go s.probeLoop(runCtx)

	s.startedAt = time.Now()
	s.state.Store(int32(StateRunning))
	s.log.Info("dispatch pipeline running",
		"account", s.cfg.MasterAccountID,
		"contract", s.cfg.ContractID,
		"keys", s.keys.Len(),
		"activeKeys", s.keys.ActiveCount(),
		"queueCapacity", s.queue.Cap())
	return nil
}

func (s *Service) bootstrap(ctx context.Context) error {
	if _, err := s.rpc.RecentBlockHash(ctx); err != nil {
		return fmt.Errorf("node unreachable: %w", err)
	}
	s.recordProbe(true)

	if _, err := s.rpc.ViewAccount(ctx, s.cfg.MasterAccountID); err != nil {
		return fmt.Errorf("master account %s: %w", s.cfg.MasterAccountID, err)
	}

	meta, err := s.rpc.ViewFunction(ctx, s.cfg.ContractID, "ft_metadata", map[string]any{})
	if err != nil {
		return fmt.Errorf("contract %s has no ft_metadata: %w", s.cfg.ContractID, err)
	}
	s.tokenMetadata = meta

	masterPub := s.masterKey.PubKey().String()
	initialized, _, err := s.nonces.Initialize(ctx, s.cfg.MasterAccountID, []string{masterPub})
	if err != nil || len(initialized) == 0 {
		return fmt.Errorf("master access key not usable: %w", err)
	}

	s.registerExtraKeys(ctx)
	return nil
}

// registerExtraKeys submits an AddKey for each generated key, signed by the
// master key, and activates the ones the chain accepts. Failures leave the
// key inactive; the pipeline runs on whatever registered.
func (s *Service) registerExtraKeys(ctx context.Context) {
	for i, key := range s.extraKeys {
		index := i + 1 // master occupies slot 0
		if err := s.registerKey(ctx, key); err != nil {
			s.log.Warn("extra key registration failed, key stays inactive",
				"publicKey", key.PubKey().String(), "err", err)
			continue
		}
		pub := key.PubKey().String()
		if err := s.nonces.Refresh(ctx, s.cfg.MasterAccountID, pub); err != nil {
			s.log.Warn("registered key nonce query failed", "publicKey", pub, "err", err)
			continue
		}
		s.keys.Activate(index)
		s.log.Info("extra signing key registered", "publicKey", pub)
	}
}

// Shutdown walks Running -> Draining -> Stopped: close the queue, stop
// producing batches, then drain the backlog under the deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		s.state.Store(int32(StateStopped))
		return nil
	}
	s.log.Info("draining dispatch pipeline", "backlog", s.queue.Len())

	s.queue.Close()
	if s.cancelRun != nil {
		s.cancelRun()
		<-s.runDone
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainDeadline)
	defer cancel()
	err := s.collector.Drain(drainCtx)
	s.state.Store(int32(StateStopped))
	if err != nil {
		s.log.Error("drain deadline exceeded, abandoning backlog",
			"remaining", s.queue.Len(), "err", err)
		return fmt.Errorf("drain incomplete: %w", err)
	}
	s.log.Info("dispatch pipeline stopped")
	return nil
}

// Enqueue validates and queues one transfer for batched dispatch.
func (s *Service) Enqueue(req transfer.Request, priority float64) (uuid.UUID, error) {
	if s.State() != StateRunning {
		return uuid.Nil, fault.New(fault.KindShuttingDown, "service is not accepting transfers")
	}
	if err := req.Validate(); err != nil {
		return uuid.Nil, err
	}
	id, err := s.queue.Enqueue(req, priority)
	if err != nil {
		return uuid.Nil, err
	}
	s.collector.NotifyQueued(id)
	return id, nil
}

// Direct validates and submits one transfer synchronously, bypassing the
// collector but sharing the executor's concurrency bound.
func (s *Service) Direct(ctx context.Context, req transfer.Request) (string, error) {
	if s.State() != StateRunning {
		return "", fault.New(fault.KindShuttingDown, "service is not accepting transfers")
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	return s.exec.ExecuteDirect(ctx, req)
}

func (s *Service) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, probePeriod)
			_, err := s.rpc.RecentBlockHash(probeCtx)
			cancel()
			s.recordProbe(err == nil)
			if err != nil {
				s.log.Warn("node probe failed", "err", err)
			}
		}
	}
}

func (s *Service) recordProbe(ok bool) {
	s.probeOK.Store(ok)
	s.lastProbe.Store(time.Now().UnixNano())
}

// Healthy reports whether the service can currently dispatch: running, at
// least one active key, and a recent successful node probe.
func (s *Service) Healthy() bool {
	if s.State() != StateRunning {
		return false
	}
	if s.keys.ActiveCount() < 1 {
		return false
	}
	if !s.probeOK.Load() {
		return false
	}
	last := time.Unix(0, s.lastProbe.Load())
	return time.Since(last) < probeMaxAge
}

// Status is the full operational snapshot served by GET /status.
type Status struct {
	State         string           `json:"state"`
	Healthy       bool             `json:"healthy"`
	UptimeSeconds float64          `json:"uptimeSeconds"`
	QueueDepth    int              `json:"queueDepth"`
	QueueCapacity int              `json:"queueCapacity"`
	InflightBatch int              `json:"inflightBatches"`
	Keys          []keyring.Status `json:"keys"`
	Nonces        []nonce.Status   `json:"nonces"`
	TokenMetadata json.RawMessage  `json:"tokenMetadata,omitempty"`
	Metrics       metrics.Report   `json:"metrics"`
}

// Status assembles the operational snapshot.
func (s *Service) Status() Status {
	status := Status{
		State:         s.State().String(),
		Healthy:       s.Healthy(),
		QueueDepth:    s.queue.Len(),
		QueueCapacity: s.queue.Cap(),
		InflightBatch: s.collector.Inflight(),
		Keys:          s.keys.Snapshot(),
		Nonces:        s.nonces.Snapshot(),
		TokenMetadata: s.tokenMetadata,
		Metrics:       s.metrics.Snapshot(),
	}
	if !s.startedAt.IsZero() {
		status.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}
	return status
}
