// Package approval funds new custodial wallets and grants the custodial
// signer operator rights over them. Each wallet gets one job that walks
//
//	QUEUED -> FUNDING_SUBMITTED -> FUNDING_CONFIRMED -> APPROVAL_SUBMITTED -> APPROVAL_CONFIRMED
//
// or ends in FAILED. Every step is persisted before the next one starts, so a
// restarted process resumes from the recorded state and never resubmits a
// transaction it already broadcast.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/wavesops/internal/domain"
	"github.com/punchamoorthee/wavesops/internal/keyvault"
	"github.com/punchamoorthee/wavesops/internal/ledger"
	"github.com/punchamoorthee/wavesops/internal/store"
)

var (
	approvalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waves_approval_transitions_total",
		Help: "Approval job state transitions, labeled by the state entered",
	}, []string{"state"})

	approvalWatchTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waves_approval_watch_timeouts_total",
		Help: "Receipt watches that gave up before the transaction was mined",
	})
)

var errWatchTimeout = errors.New("receipt not observed before watch timeout")

// Ledger is the part of the gateway the orchestrator drives.
type Ledger interface {
	CustodianAddress() string
	FundApproval(ctx context.Context, owner string) (domain.OnChainSummary, error)
	GrantApproval(ctx context.Context, owner *ledger.Signer, operator string, approved bool) (domain.OnChainSummary, error)
	Receipt(ctx context.Context, txHash string) (ledger.ReceiptStatus, error)
}

// Opener decrypts sealed wallet keys.
type Opener interface {
	Open(ciphertext string) ([]byte, error)
}

type Config struct {
	Workers   int
	QueueSize int
	// PollInterval is the first receipt poll delay; it doubles up to MaxPollInterval.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	WatchTimeout    time.Duration
	// MaxAttempts bounds how many watch timeouts or indeterminate submits a
	// job may see before it is marked FAILED.
	MaxAttempts int
	SweepSpec   string
	SweepBatch  int
}

func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       256,
		PollInterval:    2 * time.Second,
		MaxPollInterval: 30 * time.Second,
		WatchTimeout:    3 * time.Minute,
		MaxAttempts:     5,
		SweepSpec:       "@every 1m",
		SweepBatch:      100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = d.WatchTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.SweepSpec == "" {
		c.SweepSpec = d.SweepSpec
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	return c
}

type Orchestrator struct {
	ledger  Ledger
	jobs    store.ApprovalJobs
	wallets store.Wallets
	vault   Opener
	cfg     Config
	log     *logrus.Logger

	queue chan string

	mu       sync.Mutex
	inflight map[string]struct{}

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(l Ledger, jobs store.ApprovalJobs, wallets store.Wallets, vault Opener, cfg Config, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		ledger:   l,
		jobs:     jobs,
		wallets:  wallets,
		vault:    vault,
		cfg:      cfg,
		log:      log,
		queue:    make(chan string, cfg.QueueSize),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the worker pool and the sweeper, and immediately re-enqueues
// any job left unfinished by a previous process.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c := cron.New()
	if _, err := c.AddFunc(o.cfg.SweepSpec, func() { o.Sweep(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule approval sweeper %q: %w", o.cfg.SweepSpec, err)
	}
	o.cancel = cancel
	o.cron = c

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	c.Start()
	o.Sweep(ctx)

	o.log.WithFields(logrus.Fields{
		"workers": o.cfg.Workers,
		"sweep":   o.cfg.SweepSpec,
	}).Info("approval orchestrator started")
	return nil
}

// Stop halts the sweeper and waits for in-flight jobs to reach a persisted state.
func (o *Orchestrator) Stop() {
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Schedule records a QUEUED job for owner and hands it to the workers. It
// never waits on the ledger; a full queue leaves the job for the sweeper.
func (o *Orchestrator) Schedule(ctx context.Context, owner string) (domain.ApprovalJob, error) {
	job, err := o.jobs.CreateApprovalJob(ctx, domain.ApprovalJob{
		ID:       uuid.NewString(),
		Owner:    owner,
		Operator: o.ledger.CustodianAddress(),
		State:    domain.ApprovalQueued,
	})
	if err != nil {
		return domain.ApprovalJob{}, fmt.Errorf("create approval job: %w", err)
	}
	approvalTransitions.WithLabelValues(string(domain.ApprovalQueued)).Inc()
	o.enqueue(job.ID)
	return job, nil
}

// Status returns the most recent job for owner.
func (o *Orchestrator) Status(ctx context.Context, owner string) (domain.ApprovalJob, error) {
	return o.jobs.LatestApprovalJob(ctx, owner)
}

// Sweep re-enqueues every non-terminal job.
func (o *Orchestrator) Sweep(ctx context.Context) {
	open, err := o.jobs.ListOpenApprovalJobs(ctx, o.cfg.SweepBatch)
	if err != nil {
		o.log.WithError(err).Error("approval sweep failed")
		return
	}
	for _, job := range open {
		o.enqueue(job.ID)
	}
	if len(open) > 0 {
		o.log.WithField("jobs", len(open)).Debug("approval sweep enqueued jobs")
	}
}

func (o *Orchestrator) enqueue(id string) {
	select {
	case o.queue <- id:
	default:
		o.log.WithField("job", id).Warn("approval queue full; leaving job for sweeper")
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			if !o.acquire(id) {
				continue
			}
			o.Process(ctx, id)
			o.release(id)
		}
	}
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}

// Process advances one job as far as it can go. It returns when the job is
// terminal, when a watch times out, or when another worker moved it first.
func (o *Orchestrator) Process(ctx context.Context, id string) {
	job, err := o.jobs.GetApprovalJob(ctx, id)
	if err != nil {
		o.log.WithField("job", id).WithError(err).Error("load approval job")
		return
	}
	entry := o.log.WithFields(logrus.Fields{"job": job.ID, "owner": job.Owner})

	for !job.State.Terminal() {
		if ctx.Err() != nil {
			return
		}
		next, done := o.step(ctx, job, entry)
		if next.State != job.State || next.Attempts != job.Attempts {
			saved, err := o.jobs.UpdateApprovalJob(ctx, next, job.State)
			if errors.Is(err, store.ErrStaleStatus) {
				entry.Debug("approval job advanced elsewhere")
				return
			}
			if err != nil {
				entry.WithError(err).Error("persist approval job")
				return
			}
			if saved.State != job.State {
				approvalTransitions.WithLabelValues(string(saved.State)).Inc()
				entry.WithField("state", saved.State).Info("approval job advanced")
			}
			job = saved
		}
		if done {
			return
		}
	}
}

// step performs the work owed by job's current state and returns the job to
// persist. done reports that processing should pause after persisting.
func (o *Orchestrator) step(ctx context.Context, job domain.ApprovalJob, entry *logrus.Entry) (domain.ApprovalJob, bool) {
	switch job.State {
	case domain.ApprovalQueued:
		summary, err := o.ledger.FundApproval(ctx, job.Owner)
		return o.submitted(job, summary, err, domain.ApprovalFundingSubmitted, entry)

	case domain.ApprovalFundingSubmitted:
		return o.watched(ctx, job, job.FundingTxHash, domain.ApprovalFundingConfirmed, entry)

	case domain.ApprovalFundingConfirmed:
		summary, err := o.grant(ctx, job)
		return o.submitted(job, summary, err, domain.ApprovalApprovalSubmitted, entry)

	case domain.ApprovalApprovalSubmitted:
		return o.watched(ctx, job, job.ApprovalTxHash, domain.ApprovalConfirmed, entry)
	}
	return fail(job, fmt.Sprintf("unknown state %q", job.State)), true
}

// submitted records the outcome of a funding or approval submission.
func (o *Orchestrator) submitted(job domain.ApprovalJob, summary domain.OnChainSummary, err error, next domain.ApprovalState, entry *logrus.Entry) (domain.ApprovalJob, bool) {
	hash := summary.TrxHash
	if err != nil {
		derr := domain.AsError(err)
		entry.WithError(err).Warn("approval submission failed")
		if !derr.Indeterminate {
			return fail(job, derr.Error()), true
		}
		if derr.TrxHash == "" {
			return o.retry(job, derr.Error()), true
		}
		// Signed but unconfirmed; watch the hash rather than resubmit.
		hash = derr.TrxHash
	}

	job.State = next
	job.LastError = ""
	if next == domain.ApprovalFundingSubmitted {
		job.FundingTxHash = hash
	} else {
		job.ApprovalTxHash = hash
	}
	return job, false
}

func (o *Orchestrator) watched(ctx context.Context, job domain.ApprovalJob, hash string, next domain.ApprovalState, entry *logrus.Entry) (domain.ApprovalJob, bool) {
	status, err := o.watch(ctx, hash)
	switch {
	case errors.Is(err, errWatchTimeout):
		approvalWatchTimeouts.Inc()
		entry.WithField("tx", hash).Warn("receipt watch timed out")
		return o.retry(job, err.Error()), true
	case err != nil:
		// Shutdown; the sweeper picks the job up again.
		return job, true
	case status == ledger.ReceiptReverted:
		return fail(job, "transaction "+hash+" reverted"), true
	}
	job.State = next
	job.LastError = ""
	return job, false
}

// retry counts a non-conclusive attempt and fails the job once attempts run out.
func (o *Orchestrator) retry(job domain.ApprovalJob, reason string) domain.ApprovalJob {
	job.Attempts++
	job.LastError = reason
	if job.Attempts >= o.cfg.MaxAttempts {
		return fail(job, fmt.Sprintf("gave up after %d attempts: %s", job.Attempts, reason))
	}
	return job
}

func fail(job domain.ApprovalJob, reason string) domain.ApprovalJob {
	job.State = domain.ApprovalFailed
	job.LastError = reason
	return job
}

// grant decrypts the owner's key for the duration of one approval call.
func (o *Orchestrator) grant(ctx context.Context, job domain.ApprovalJob) (domain.OnChainSummary, error) {
	wallet, err := o.wallets.GetWalletByAddress(ctx, job.Owner)
	if err != nil {
		return domain.OnChainSummary{}, domain.Internal("load wallet", err)
	}
	key, err := o.vault.Open(wallet.PrivateKeyDigest)
	if err != nil {
		return domain.OnChainSummary{}, err
	}
	defer keyvault.Zero(key)

	signer, err := ledger.NewSigner(key)
	if err != nil {
		return domain.OnChainSummary{}, domain.KeyVault("wallet key is not a valid secp256k1 key", nil)
	}
	defer signer.Zero()
	if !strings.EqualFold(signer.Address().Hex(), job.Owner) {
		return domain.OnChainSummary{}, domain.KeyVault("wallet key does not match its address", nil)
	}
	return o.ledger.GrantApproval(ctx, signer, job.Operator, true)
}

// watch polls for hash's receipt with exponential backoff until it is mined
// or WatchTimeout elapses.
func (o *Orchestrator) watch(ctx context.Context, hash string) (ledger.ReceiptStatus, error) {
	if hash == "" {
		return ledger.ReceiptPending, errWatchTimeout
	}
	deadline := time.NewTimer(o.cfg.WatchTimeout)
	defer deadline.Stop()

	delay := o.cfg.PollInterval
	for {
		status, err := o.ledger.Receipt(ctx, hash)
		if err != nil {
			o.log.WithField("tx", hash).WithError(err).Debug("receipt lookup failed")
		} else if status != ledger.ReceiptPending {
			return status, nil
		}

		wait := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ledger.ReceiptPending, ctx.Err()
		case <-deadline.C:
			wait.Stop()
			return ledger.ReceiptPending, errWatchTimeout
		case <-wait.C:
		}
		delay *= 2
		if delay > o.cfg.MaxPollInterval {
			delay = o.cfg.MaxPollInterval
		}
	}
}
