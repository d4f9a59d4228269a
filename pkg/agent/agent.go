// Package agent implements the task lifecycle state machine of a mesh agent:
// request intake, model turns, tool dispatch, peer delegation with durable
// suspension, result integration, timeout sweeping and discovery.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/artifact"
	"github.com/agentmesh/agentmesh/pkg/auth"
	"github.com/agentmesh/agentmesh/pkg/broker"
	"github.com/agentmesh/agentmesh/pkg/checkpoint"
	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/llms"
	"github.com/agentmesh/agentmesh/pkg/observability"
	"github.com/agentmesh/agentmesh/pkg/tool"
)

// Deps are the collaborators injected into an Agent. Broker, Checkpoint and
// LLM are required; the rest default to in-process implementations.
type Deps struct {
	Broker     broker.Broker
	Checkpoint checkpoint.Store
	LLM        llms.Client
	Tools      *tool.Registry
	Artifacts  artifact.Store
	Validator  auth.Validator
	Middleware []tool.Middleware
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Agent is one mesh agent process: it consumes requests addressed to its
// name, runs the task state machine and delegates to peers over the broker.
type Agent struct {
	cfg        config.AgentConfig
	name       string
	topics     a2a.Topics
	broker     broker.Broker
	store      checkpoint.Store
	llm        llms.Client
	tools      *tool.Registry
	artifacts  artifact.Store
	validator  auth.Validator
	middleware []tool.Middleware
	metrics    *observability.Metrics
	logger     *slog.Logger

	pool *workerPool
	now  func() time.Time

	mu       sync.Mutex
	resident map[string]*ExecutionContext // taskID -> live context
	routes   map[string]string            // subTaskID -> parent taskID (status relay)
	catalog  map[string]a2a.AgentCard     // discovered peers

	runCtx  context.Context
	runStop context.CancelFunc
	bg      sync.WaitGroup
	started bool
}

// New creates an agent from its configuration and collaborators.
func New(cfg *config.Config, deps Deps) (*Agent, error) {
	if deps.Broker == nil || deps.Checkpoint == nil || deps.LLM == nil {
		return nil, fmt.Errorf("broker, checkpoint store and llm client are required")
	}
	name := config.SanitizeAgentName(cfg.Agent.Name)
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if cfg.Agent.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if deps.Tools == nil {
		deps.Tools = tool.NewRegistry()
	}
	if deps.Artifacts == nil {
		deps.Artifacts = artifact.NewMemoryStore()
	}
	if deps.Validator == nil {
		deps.Validator = auth.NewAllowList(cfg.Agent.AllowedPeers)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agent{
		cfg:        cfg.Agent,
		name:       name,
		topics:     a2a.NewTopics(cfg.Agent.Namespace),
		broker:     deps.Broker,
		store:      deps.Checkpoint,
		llm:        deps.LLM,
		tools:      deps.Tools,
		artifacts:  deps.Artifacts,
		validator:  deps.Validator,
		middleware: deps.Middleware,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("agent", name),
		now:        time.Now,
		resident:   make(map[string]*ExecutionContext),
		routes:     make(map[string]string),
		catalog:    make(map[string]a2a.AgentCard),
	}, nil
}

// Name returns the sanitized agent name.
func (a *Agent) Name() string {
	return a.name
}

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *tool.Registry {
	return a.tools
}

// Start subscribes to the agent's topic families and starts the worker pool,
// timeout sweeper and discovery heartbeat.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("agent already started")
	}
	a.started = true
	a.mu.Unlock()

	a.runCtx, a.runStop = context.WithCancel(context.WithoutCancel(ctx))
	a.pool = newWorkerPool(a.cfg.WorkerPoolSize, a.cfg.WorkerPoolSize*4)

	if err := a.broker.Subscribe(a.topics.AgentRequest(a.name), a.handleRequest); err != nil {
		return fmt.Errorf("failed to subscribe to request topic: %w", err)
	}
	if err := a.broker.Subscribe(a.topics.AgentResponsePattern(a.name), a.handleResponse); err != nil {
		return fmt.Errorf("failed to subscribe to response topic: %w", err)
	}
	if err := a.broker.Subscribe(a.topics.AgentStatusPattern(a.name), a.handleStatus); err != nil {
		return fmt.Errorf("failed to subscribe to status topic: %w", err)
	}
	if err := a.broker.Subscribe(a.topics.Discovery(), a.handleDiscovery); err != nil {
		return fmt.Errorf("failed to subscribe to discovery topic: %w", err)
	}

	a.bg.Add(1)
	go a.sweepLoop()

	if a.cfg.DiscoveryPublishIntervalSeconds > 0 {
		a.bg.Add(1)
		go a.discoveryLoop()
	}

	a.logger.Info("Agent started",
		"namespace", a.cfg.Namespace,
		"workers", a.cfg.WorkerPoolSize)
	return nil
}

// Stop halts background loops and drains the worker pool. The broker and
// checkpoint store are owned by the caller and stay open.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	a.mu.Unlock()

	a.runStop()
	a.bg.Wait()
	a.pool.Stop()
	a.logger.Info("Agent stopped")
}

// ============================================================================
// INBOUND HANDLERS
// ============================================================================

func (a *Agent) handleRequest(msg *broker.Message) {
	if !a.pool.TrySubmit(func() { a.processRequest(msg) }) {
		msg.Nack()
	}
}

func (a *Agent) handleResponse(msg *broker.Message) {
	if !a.pool.TrySubmit(func() { a.processResponse(msg) }) {
		msg.Nack()
	}
}

func (a *Agent) handleStatus(msg *broker.Message) {
	if !a.pool.TrySubmit(func() { a.processStatusRelay(msg) }) {
		msg.Nack()
	}
}

func (a *Agent) processRequest(msg *broker.Message) {
	defer msg.Ack()
	ctx := a.runCtx

	env, err := a2a.Decode(msg.Payload)
	if err != nil {
		a.logger.Warn("Dropping undecodable request", "topic", msg.Topic, "error", err)
		return
	}

	switch env.Method {
	case a2a.MethodMessageSend, a2a.MethodMessageStream:
		a.processSend(ctx, env, msg)
	case a2a.MethodTasksCancel:
		var params a2a.TaskCancelParams
		if err := env.DecodeParams(&params); err != nil {
			a.logger.Warn("Dropping malformed cancel request", "error", err)
			return
		}
		a.cancelTask(ctx, params.TaskID)
	default:
		a.logger.Warn("Unsupported method", "method", env.Method)
		if replyTo := msg.Property(a2a.PropReplyTo); replyTo != "" {
			resp := a2a.NewErrorResponse(env.ID, a2a.ErrorCodeInvalidParams,
				fmt.Sprintf("unsupported method: %s", env.Method))
			a.publishEnvelope(ctx, replyTo, resp, nil)
		}
	}
}

func (a *Agent) processSend(ctx context.Context, env *a2a.Envelope, msg *broker.Message) {
	var params a2a.MessageSendParams
	if err := env.DecodeParams(&params); err != nil {
		a.logger.Warn("Dropping malformed send request", "error", err)
		if replyTo := msg.Property(a2a.PropReplyTo); replyTo != "" {
			resp := a2a.NewErrorResponse(env.ID, a2a.ErrorCodeInvalidParams, err.Error())
			a.publishEnvelope(ctx, replyTo, resp, nil)
		}
		return
	}

	taskID := params.Message.TaskID
	if taskID == "" {
		// Derive the task id from the message id so a broker redelivery of
		// the same request does not spawn a second task.
		taskID = "task-" + params.Message.MessageID
	}

	contextID := params.Message.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}

	tec := NewExecutionContext(taskID, contextID)
	tec.RPCID = env.ID
	tec.ReplyTo = msg.Property(a2a.PropReplyTo)
	tec.StatusTo = msg.Property(a2a.PropStatusTo)
	tec.ClientID = msg.Property(a2a.PropClientID)
	tec.UserID = msg.Property(a2a.PropUserID)
	tec.Streaming = env.Method == a2a.MethodMessageStream
	tec.AppendUser(requestContent(&params.Message))

	// A checkpointed (suspended, evicted) task is a duplicate. This check
	// runs before residency is claimed: a peer response racing this request
	// must restore the snapshot, never find a fresh, history-less context.
	if state, err := a.store.Restore(ctx, taskID); err == nil && state != nil {
		a.logger.Debug("Duplicate request for suspended task, dropping", "task_id", taskID)
		return
	}

	// Check-and-insert atomically so two workers holding redelivered copies
	// of the same request cannot both accept it.
	a.mu.Lock()
	if _, exists := a.resident[taskID]; exists {
		a.mu.Unlock()
		a.logger.Debug("Duplicate request for live task, dropping", "task_id", taskID)
		return
	}
	a.resident[taskID] = tec
	a.mu.Unlock()

	a.metrics.TaskStarted(ctx, a.name)
	a.logger.Info("Task accepted", "task_id", taskID, "method", env.Method)
	a.runTask(ctx, tec)
}

// requestContent extracts the model-facing content of an inbound message:
// text parts verbatim, structured data as JSON, file parts as a reference
// line naming the attachment so a file-only request never yields an empty
// prompt.
func requestContent(msg *a2a.Message) string {
	var lines []string
	for _, p := range msg.Parts {
		switch p.Kind {
		case a2a.PartKindText:
			if p.Text != "" {
				lines = append(lines, p.Text)
			}
		case a2a.PartKindData:
			if p.Data != nil {
				lines = append(lines, encodeJSON(p.Data))
			}
		case a2a.PartKindFile:
			if p.File != nil {
				if p.File.MimeType != "" {
					lines = append(lines, fmt.Sprintf("[attached file: %s (%s)]", p.File.Name, p.File.MimeType))
				} else {
					lines = append(lines, fmt.Sprintf("[attached file: %s]", p.File.Name))
				}
			}
		}
	}
	return strings.Join(lines, "\n")
}

// ============================================================================
// CANCELLATION
// ============================================================================

// cancelTask cooperatively cancels a live task. A running turn notices the
// signal at its next suspension point; a suspended task is finalized here.
func (a *Agent) cancelTask(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}
	a.mu.Lock()
	tec, ok := a.resident[taskID]
	a.mu.Unlock()

	if ok {
		tec.Cancel()
		if !tec.running.Load() {
			a.finalize(ctx, tec, a2a.TaskStateCanceled, "task canceled", CodeCanceled)
		}
		return
	}

	// Suspended and evicted: restore just enough to answer the originator.
	state, err := a.store.Restore(ctx, taskID)
	if err != nil || state == nil {
		a.logger.Debug("Cancel for unknown task", "task_id", taskID)
		return
	}
	restored, err := RestoreContext(state)
	if err != nil {
		a.logger.Error("Failed to restore task for cancel", "task_id", taskID, "error", err)
		return
	}
	restored.Cancel()
	a.mu.Lock()
	a.resident[taskID] = restored
	a.mu.Unlock()
	a.finalize(ctx, restored, a2a.TaskStateCanceled, "task canceled", CodeCanceled)
}

// ============================================================================
// FINALIZATION
// ============================================================================

// finalize publishes the terminal response for a task and cleans its durable
// rows. Exactly one caller wins the terminal transition; once it begins, no
// further status events are emitted for the task.
func (a *Agent) finalize(ctx context.Context, tec *ExecutionContext, state a2a.TaskState, text, code string) {
	if !tec.BeginTerminal() {
		return
	}

	// Artifact-update events precede the terminal response on the reply
	// topic. A canceled task never references artifacts, even completed ones.
	if state != a2a.TaskStateCanceled && tec.ReplyTo != "" {
		for _, art := range tec.DrainArtifactSignals() {
			event := a2a.ArtifactUpdateEvent{
				Kind:      a2a.KindArtifactUpdate,
				TaskID:    tec.TaskID,
				ContextID: tec.ContextID,
				Artifact:  art,
			}
			env, err := a2a.NewResponse(tec.RPCID, event)
			if err != nil {
				a.logger.Error("Failed to encode artifact event", "task_id", tec.TaskID, "error", err)
				continue
			}
			a.publishEnvelope(ctx, tec.ReplyTo, env, nil)
		}
	}

	resultMsg := a2a.NewAgentMessage(a2a.TextPart(text))
	resultMsg.TaskID = tec.TaskID
	resultMsg.ContextID = tec.ContextID

	var artifacts []a2a.Artifact
	if state != a2a.TaskStateCanceled {
		artifacts = tec.Artifacts()
	}
	task := a2a.NewTaskResult(tec.TaskID, tec.ContextID, state, &resultMsg, artifacts)
	if code != "" {
		task.Metadata = map[string]any{"code": code}
	}

	if tec.ReplyTo != "" {
		env, err := a2a.NewResponse(tec.RPCID, task)
		if err != nil {
			a.logger.Error("Failed to encode terminal response", "task_id", tec.TaskID, "error", err)
		} else {
			props := map[string]string{a2a.PropClientID: tec.ClientID}
			a.publishEnvelope(ctx, tec.ReplyTo, env, props)
		}
	}

	if err := a.store.CleanupTask(ctx, tec.TaskID); err != nil {
		a.logger.Error("Failed to clean checkpoint rows", "task_id", tec.TaskID, "error", err)
	}

	a.mu.Lock()
	delete(a.resident, tec.TaskID)
	for subTaskID, taskID := range a.routes {
		if taskID == tec.TaskID {
			delete(a.routes, subTaskID)
		}
	}
	a.mu.Unlock()

	a.metrics.TaskFinished(ctx, a.name, string(state))
	a.logger.Info("Task finished", "task_id", tec.TaskID, "state", state)
}

// failTask terminates a task with a classified failure. Used by paths that
// hold only the task id, not the live context.
func (a *Agent) failTask(ctx context.Context, taskID string, terr *TaskError) {
	tec := a.residentOrRestore(ctx, taskID)
	if tec == nil {
		a.logger.Error("Cannot fail unknown task", "task_id", taskID, "error", terr)
		return
	}
	a.finalize(ctx, tec, a2a.TaskStateFailed, terr.Error(), terr.Code)
}

// ============================================================================
// OUTBOUND HELPERS
// ============================================================================

func (a *Agent) publishEnvelope(ctx context.Context, topic string, env *a2a.Envelope, props map[string]string) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	if err := a.broker.Publish(ctx, topic, payload, props); err != nil {
		a.logger.Error("Publish failed", "topic", topic, "error", err)
		return err
	}
	return nil
}

// emitWorkingStatus streams one text chunk to the originator's status topic.
// Silently skipped once the terminal transition has begun.
func (a *Agent) emitWorkingStatus(ctx context.Context, tec *ExecutionContext, text string) {
	if text == "" || tec.StatusTo == "" || !tec.Streaming || tec.Terminal() {
		return
	}
	event := a2a.NewWorkingStatus(tec.TaskID, tec.ContextID, text)
	env, err := a2a.NewResponse(tec.RPCID, event)
	if err != nil {
		return
	}
	a.publishEnvelope(ctx, tec.StatusTo, env, nil)
}

// residentOrRestore returns the live context for a task, restoring it from
// the checkpoint store when evicted. Returns nil when no state exists.
func (a *Agent) residentOrRestore(ctx context.Context, taskID string) *ExecutionContext {
	a.mu.Lock()
	tec, ok := a.resident[taskID]
	a.mu.Unlock()
	if ok {
		return tec
	}

	state, err := a.store.Restore(ctx, taskID)
	if err != nil {
		a.logger.Error("Checkpoint restore failed", "task_id", taskID, "error", err)
		return nil
	}
	if state == nil {
		return nil
	}
	restored, err := RestoreContext(state)
	if err != nil {
		a.logger.Error("Checkpoint state corrupt", "task_id", taskID, "error", err)
		return nil
	}

	a.mu.Lock()
	if existing, ok := a.resident[taskID]; ok {
		// Another worker restored first.
		a.mu.Unlock()
		return existing
	}
	a.resident[taskID] = restored
	a.mu.Unlock()
	return restored
}
