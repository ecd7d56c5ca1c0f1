package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/provisioning-service/internal/client"
	"github.com/wenwu/saas-platform/provisioning-service/internal/config"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
	"github.com/wenwu/saas-platform/provisioning-service/internal/scheduler"
)

// Queue names. The pipeline queue runs with concurrency 1 per provision
// class so the duplicate guard's read-then-create window stays practically
// unreachable.
const (
	QueuePipeline = "provision-pipeline"
	QueueInject   = "code-inject"
)

// ErrDuplicateExecution aborts a re-delivered pipeline job without mutating
// provision state.
var ErrDuplicateExecution = errors.New("duplicate pipeline execution")

// Pipeline drives one provision from PENDING to ACTIVE or FAILED.
type Pipeline struct {
	cfg        *config.Config
	machine    *StateMachine
	ledger     *NumberLedger
	provisions ProvisionStore
	sessions   SessionStore
	otps       OtpStore
	logs       ActionLogger
	registry   ProviderLookup
	purchaser  Purchaser
	poller     CodeAwaiter
	containers ContainerManager
	automation AutomationDriver
	jobs       JobRunner
	ports      *client.PortAllocator
}

// NewPipeline creates the provisioning pipeline.
func NewPipeline(
	cfg *config.Config,
	machine *StateMachine,
	ledger *NumberLedger,
	provisions ProvisionStore,
	sessions SessionStore,
	otps OtpStore,
	logs ActionLogger,
	registry ProviderLookup,
	purchaser Purchaser,
	poller CodeAwaiter,
	containers ContainerManager,
	automation AutomationDriver,
	jobs JobRunner,
	ports *client.PortAllocator,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		machine:    machine,
		ledger:     ledger,
		provisions: provisions,
		sessions:   sessions,
		otps:       otps,
		logs:       logs,
		registry:   registry,
		purchaser:  purchaser,
		poller:     poller,
		containers: containers,
		automation: automation,
		jobs:       jobs,
		ports:      ports,
	}
}

// pipelineRun carries the per-run state: the explicit flags for the JIT
// number protocol and the bounded compensating rebuy live here, not in
// closures.
type pipelineRun struct {
	prov           *models.Provision
	job            *scheduler.Job
	session        *models.DerivedSession
	reservation    *models.NumberReservation
	port           int
	numberSupplied bool // JIT supplier has handed the number to the agent
	rebuyDone      bool // the one compensating rebuy has been spent
}

// HandleProvisionJob is the pipeline queue handler.
func (p *Pipeline) HandleProvisionJob(ctx context.Context, job *scheduler.Job) error {
	var payload models.PipelineJobPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	prov, err := p.provisions.GetByID(ctx, payload.ProvisionID)
	if err != nil {
		return fmt.Errorf("load provision %s: %w", payload.ProvisionID, err)
	}

	// Duplicate guard: a live session means an earlier delivery of this job
	// already did the work. Abort without touching state.
	existing, err := p.sessions.GetNonTerminalByProvision(ctx, prov.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("duplicate guard: %w", err)
	}
	if existing != nil {
		p.logs.LogAction(ctx, prov.ID, "duplicate_delivery", prov.State,
			fmt.Sprintf("Session %s already exists, rejecting re-delivered job", existing.ID))
		return fmt.Errorf("%w: provision %s already has session %s", ErrDuplicateExecution, prov.ID, existing.ID)
	}
	if models.IsTerminalState(prov.State) {
		return fmt.Errorf("%w: provision %s is already %s", ErrDuplicateExecution, prov.ID, prov.State)
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Pipeline.Deadline)
	defer cancel()

	run := &pipelineRun{prov: prov, job: job}
	if err := p.execute(runCtx, run); err != nil {
		p.abort(run, err)
		return err
	}

	log.Printf("[Pipeline] Provision %s is active (%s)", prov.ID, *prov.ResolvedPhone)
	return nil
}

func (p *Pipeline) execute(ctx context.Context, run *pipelineRun) error {
	prov := run.prov

	// Acquire the session container.
	run.job.SetProgress("acquiring container")
	if err := p.machine.Transition(ctx, prov, models.StateAcquiringResource); err != nil {
		return err
	}

	port, err := p.ports.Allocate()
	if err != nil {
		return fmt.Errorf("allocate automation port: %w", err)
	}
	run.port = port

	handle, err := p.containers.Acquire(ctx, client.AcquireSpec{
		ProvisionID: prov.ID,
		Image:       p.cfg.Containers.Image,
		HostPort:    port,
	}, p.cfg.Containers.ReadyTimeout)
	if err != nil {
		return fmt.Errorf("acquire container: %w", err)
	}

	session := &models.DerivedSession{
		ID:                 uuid.New().String(),
		ProvisionID:        prov.ID,
		ContainerHandle:    handle.Handle,
		AutomationEndpoint: handle.Endpoint,
		Status:             models.SessionStatusStarting,
	}
	if err := p.sessions.Create(ctx, session); err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	run.session = session

	if err := p.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusRunning); err != nil {
		return fmt.Errorf("mark session running: %w", err)
	}

	// Purchase a number.
	run.job.SetProgress("purchasing number")
	if err := p.machine.Transition(ctx, prov, models.StatePurchasing); err != nil {
		return err
	}
	if err := p.purchase(ctx, run); err != nil {
		return fmt.Errorf("purchase number: %w", err)
	}

	// Drive registration. The agent receives the number just in time through
	// the memoized supplier.
	run.job.SetProgress("registering account")
	if err := p.machine.Transition(ctx, prov, models.StateAutomating); err != nil {
		return err
	}
	err = p.automation.Register(ctx, session.AutomationEndpoint, p.numberSupplier(run),
		prov.CountryPreference, prov.LinkToWeb)
	if errors.Is(err, client.ErrNumberBound) {
		err = p.rebuyAndRetry(ctx, run)
	}
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	// Wait for the code on the purchased number.
	run.job.SetProgress("awaiting code")
	if err := p.machine.Transition(ctx, prov, models.StateAwaitingCode); err != nil {
		return err
	}

	providerClient, ok := p.registry.Get(run.reservation.Provider)
	if !ok {
		return fmt.Errorf("reservation %s names unknown provider %q", run.reservation.ID, run.reservation.Provider)
	}
	code, raw, err := p.poller.Await(ctx, providerClient, run.reservation.ExternalID)
	if err != nil {
		return fmt.Errorf("await code: %w", err)
	}

	if err := p.otps.Create(ctx, &models.OtpAttempt{
		ProvisionID: prov.ID,
		Provider:    run.reservation.Provider,
		ExternalID:  run.reservation.ExternalID,
		RawText:     raw,
		Code:        code,
	}); err != nil {
		log.Printf("[Pipeline] Failed to record otp attempt for %s: %v", prov.ID, err)
	}

	// Inject the code through a separate retryable job, waited on
	// synchronously with a finite timeout.
	run.job.SetProgress("injecting code")
	if err := p.machine.Transition(ctx, prov, models.StateInjectingCode); err != nil {
		return err
	}
	if _, err := p.jobs.EnqueueAndWait(ctx, QueueInject, models.InjectJobPayload{
		ProvisionID: prov.ID,
		ExternalID:  run.reservation.ExternalID,
		Code:        code,
	}, p.cfg.Pipeline.InjectWaitTimeout); err != nil {
		return fmt.Errorf("inject code: %w", err)
	}

	// Finalize: consume the reservation and activate the session.
	run.job.SetProgress("finalizing")
	if err := p.machine.Transition(ctx, prov, models.StateFinalizing); err != nil {
		return err
	}
	if err := p.ledger.Retire(ctx, run.reservation); err != nil {
		return err
	}
	if err := p.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusActive); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}

	if err := p.machine.Transition(ctx, prov, models.StateActive); err != nil {
		return err
	}
	p.logs.LogAction(ctx, prov.ID, "provision_active", models.StateActive,
		fmt.Sprintf("Account active on %s via %s", run.reservation.PhoneNumber, run.reservation.Provider))
	return nil
}

// purchase runs the cascade and records the resolved number on the
// provision.
func (p *Pipeline) purchase(ctx context.Context, run *pipelineRun) error {
	prov := run.prov

	service := prov.ServiceSelector
	if service == "" {
		service = p.cfg.Providers.DefaultService
	}
	country := prov.CountryPreference
	if country == "" {
		country = p.cfg.Providers.DefaultCountry
	}

	res, err := p.purchaser.Purchase(ctx, prov.ID, service, p.registry.DefaultCandidates(country))
	if err != nil {
		return err
	}
	run.reservation = res
	run.numberSupplied = false

	return p.machine.SetResolvedPhone(ctx, prov, res.PhoneNumber)
}

// numberSupplier exposes the purchased number to the automation agent. The
// memoizing guard lives on the run record: once supplied, every further ask
// returns the same number instead of triggering another purchase.
func (p *Pipeline) numberSupplier(run *pipelineRun) client.NumberSupplier {
	return func(ctx context.Context) (string, error) {
		if run.reservation == nil {
			return "", fmt.Errorf("no reservation purchased for provision %s", run.prov.ID)
		}
		if run.numberSupplied {
			log.Printf("[Pipeline] Agent re-requested number for provision %s, returning memoized %s",
				run.prov.ID, run.reservation.PhoneNumber)
			return run.reservation.PhoneNumber, nil
		}
		run.numberSupplied = true
		return run.reservation.PhoneNumber, nil
	}
}

// rebuyAndRetry is the one compensating loop: the agent reported the number
// bound to another account, so the reservation is discarded (marked used,
// never rebound), a fresh number is purchased and registration is retried
// exactly once.
func (p *Pipeline) rebuyAndRetry(ctx context.Context, run *pipelineRun) error {
	if run.rebuyDone {
		return fmt.Errorf("number bound elsewhere after compensating rebuy: %w", client.ErrNumberBound)
	}
	run.rebuyDone = true
	prov := run.prov

	log.Printf("[Pipeline] Number %s bound elsewhere, compensating with a fresh purchase for provision %s",
		run.reservation.PhoneNumber, prov.ID)
	p.logs.LogAction(ctx, prov.ID, "number_bound_elsewhere", prov.State,
		fmt.Sprintf("Discarding %s and purchasing a replacement", run.reservation.PhoneNumber))

	if err := p.ledger.Retire(ctx, run.reservation); err != nil {
		return err
	}
	run.reservation = nil

	if err := p.machine.ClearResolvedPhone(ctx, prov); err != nil {
		return err
	}
	if err := p.machine.Transition(ctx, prov, models.StatePurchasing); err != nil {
		return err
	}
	if err := p.purchase(ctx, run); err != nil {
		return fmt.Errorf("compensating purchase: %w", err)
	}
	if err := p.machine.Transition(ctx, prov, models.StateAutomating); err != nil {
		return err
	}

	return p.automation.Register(ctx, run.session.AutomationEndpoint, p.numberSupplier(run),
		prov.CountryPreference, prov.LinkToWeb)
}

// abort drives the provision to FAILED and tears down the partial session.
// It runs on a fresh context because the run context may already be dead.
func (p *Pipeline) abort(run *pipelineRun, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prov := run.prov
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("pipeline deadline (%v) exceeded: %w", p.cfg.Pipeline.Deadline, cause)
	}

	if run.session != nil {
		if err := p.sessions.UpdateStatus(ctx, run.session.ID, models.SessionStatusFailed); err != nil {
			log.Printf("[Pipeline] Failed to mark session %s failed: %v", run.session.ID, err)
		}
		// Best-effort teardown; the pipeline does not wait for it.
		go func(handle string, port int) {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), time.Minute)
			defer releaseCancel()
			if err := p.containers.Release(releaseCtx, handle); err != nil {
				log.Printf("[Pipeline] Failed to release container %s: %v", handle, err)
			}
			p.ports.Release(port)
		}(run.session.ContainerHandle, run.port)
	} else if run.port != 0 {
		p.ports.Release(run.port)
	}

	if err := p.machine.Fail(ctx, prov, cause); err != nil {
		log.Printf("[Pipeline] Failed to mark provision %s failed: %v", prov.ID, err)
	}
}

// HandleInjectJob is the code-injection queue handler.
func (p *Pipeline) HandleInjectJob(ctx context.Context, job *scheduler.Job) error {
	var payload models.InjectJobPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	session, err := p.sessions.GetNonTerminalByProvision(ctx, payload.ProvisionID)
	if err != nil {
		return fmt.Errorf("load session for provision %s: %w", payload.ProvisionID, err)
	}

	job.SetProgress("injecting code")
	if err := p.automation.InjectCode(ctx, session.AutomationEndpoint, payload.Code); err != nil {
		return fmt.Errorf("inject code for provision %s: %w", payload.ProvisionID, err)
	}
	return nil
}
