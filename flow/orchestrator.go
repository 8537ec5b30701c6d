package flow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/taskflow-go/flow/checkpoint"
	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/guard"
	"github.com/dshills/taskflow-go/flow/machine"
	"github.com/dshills/taskflow-go/flow/store"
)

// Execution lifecycle states.
const (
	ExecutionRunning   = "RUNNING"
	ExecutionCompleted = "COMPLETED"
	ExecutionFailed    = "FAILED"
	ExecutionCancelled = "CANCELLED"
)

// Machine events shared by the task and execution lifecycles.
const (
	eventReady    = "ready"
	eventStart    = "start"
	eventComplete = "complete"
	eventFail     = "fail"
	eventCancel   = "cancel"
	eventSkip     = "skip"
)

// taskPayload travels with a task machine's states: the action output on
// success, the error code otherwise.
type taskPayload struct {
	Output  interface{} `json:"output,omitempty"`
	ErrKind string      `json:"err_kind,omitempty"`
}

// executionPayload travels with the execution machine's states and is
// captured in checkpoints.
type executionPayload struct {
	Settled  int    `json:"settled"`
	LastTask string `json:"last_task,omitempty"`
}

// Execution is the observable outcome of one workflow run.
//
// The orchestrator goroutine is the sole writer while the run is live;
// after Execute returns the value is immutable.
type Execution struct {
	// ID uniquely identifies this run.
	ID string

	// WorkflowID is the definition's ID.
	WorkflowID string

	// State is the terminal execution state.
	State string

	// StepResults maps task ID to action output. An entry exists only for
	// tasks that completed successfully; failed, skipped, and cancelled
	// tasks leave no trace here.
	StepResults map[string]interface{}

	// Trace holds one record per task with its terminal state, error kind,
	// and attempt count. Safe to surface to callers: it never carries raw
	// metadata or signatures.
	Trace []TaskTrace

	// Groups is the parallel schedule the planner produced.
	Groups [][]string

	// CriticalPath is the longest weighted dependency chain.
	CriticalPath []string

	// Conflicts lists same-group tasks sharing exclusive resource tags.
	Conflicts []ResourceConflict

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time
	FinishedAt time.Time
}

// activeExecution is the orchestrator's handle on a live run, kept only
// for the duration of Execute.
type activeExecution struct {
	cancel  context.CancelFunc
	machine *machine.Instance[executionPayload]
	seq     atomic.Int64
}

func (a *activeExecution) nextSeq() int {
	return int(a.seq.Add(1))
}

// Orchestrator executes workflow definitions: it plans the dependency
// graph, runs parallel groups in strict order, drives every task through
// its lifecycle machine, and checkpoints progress so interrupted runs can
// be resumed.
//
// One Orchestrator may run many executions concurrently; resource tags
// are exclusive across all of them.
type Orchestrator struct {
	executor ActionExecutor
	cfg      orchestratorConfig

	taskDef *machine.Def[taskPayload]
	execDef *machine.Def[executionPayload]

	// checkpoints is nil when no store is configured.
	checkpoints *checkpoint.Service[executionPayload]

	mu     sync.Mutex
	active map[string]*activeExecution

	resMu     sync.Mutex
	resources map[string]*semaphore.Weighted

	// inflight counts running task actions across all executions and
	// backs the inflight gauge when metrics are configured.
	inflight atomic.Int64
}

// New creates an Orchestrator around the given action executor.
//
// The executor performs the actual work of each task; everything else
// (scheduling, retries, checkpoints, security) is configured through
// options:
//
//	orc, err := flow.New(executor,
//	    flow.WithCheckpointStore(st),
//	    flow.WithMaxConcurrent(8),
//	    flow.WithSecurity(guard.NewSecurityContext(guard.Config{
//	        Key:              key,
//	        MaxCancellations: 3,
//	        Window:           10 * time.Second,
//	    })),
//	)
func New(executor ActionExecutor, opts ...Option) (*Orchestrator, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}

	cfg := orchestratorConfig{
		emitter:         emit.NewNullEmitter(),
		clock:           NewSystemClock(),
		resourceTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}
	if cfg.clock == nil {
		cfg.clock = NewSystemClock()
	}

	o := &Orchestrator{
		executor:  executor,
		cfg:       cfg,
		taskDef:   newTaskDef(),
		execDef:   newExecDef(),
		active:    make(map[string]*activeExecution),
		resources: make(map[string]*semaphore.Weighted),
	}
	if cfg.checkpoints != nil {
		o.checkpoints = checkpoint.NewService(o.execDef, cfg.checkpoints, cfg.clock.Now)
	}
	return o, nil
}

// newTaskDef builds the lifecycle machine every task instance runs on.
func newTaskDef() *machine.Def[taskPayload] {
	def := machine.NewDef[taskPayload]()
	for _, t := range []machine.Transition[taskPayload]{
		{From: string(TaskPending), Event: eventReady, To: string(TaskReady)},
		{From: string(TaskReady), Event: eventStart, To: string(TaskRunning)},
		{From: string(TaskRunning), Event: eventComplete, To: string(TaskCompleted)},
		{From: string(TaskRunning), Event: eventFail, To: string(TaskFailed)},
		{From: string(TaskRunning), Event: eventCancel, To: string(TaskCancelled)},
		{From: string(TaskPending), Event: eventSkip, To: string(TaskSkipped)},
		{From: string(TaskReady), Event: eventSkip, To: string(TaskSkipped)},
		{From: string(TaskPending), Event: eventCancel, To: string(TaskCancelled)},
		{From: string(TaskReady), Event: eventCancel, To: string(TaskCancelled)},
	} {
		if err := def.Add(t); err != nil {
			panic(err) // static table, only reachable on a typo above
		}
	}
	def.MarkTerminal(string(TaskCompleted), string(TaskFailed), string(TaskCancelled), string(TaskSkipped))
	return def
}

// newExecDef builds the execution lifecycle machine.
func newExecDef() *machine.Def[executionPayload] {
	def := machine.NewDef[executionPayload]()
	for _, t := range []machine.Transition[executionPayload]{
		{From: ExecutionRunning, Event: eventComplete, To: ExecutionCompleted},
		{From: ExecutionRunning, Event: eventFail, To: ExecutionFailed},
		{From: ExecutionRunning, Event: eventCancel, To: ExecutionCancelled},
	} {
		if err := def.Add(t); err != nil {
			panic(err)
		}
	}
	def.MarkTerminal(ExecutionCompleted, ExecutionFailed, ExecutionCancelled)
	return def
}

// transitionTask applies an event to a task machine and, on success,
// emits a "transition" event with the from/to states. All task machine
// moves go through here so the event stream mirrors the machine history.
func (o *Orchestrator) transitionTask(ctx context.Context, executionID string, handle *activeExecution, m *machine.Instance[taskPayload], event string, p taskPayload) error {
	from := m.Current().Name
	if err := m.Transition(ctx, event, p); err != nil {
		return err
	}
	o.cfg.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		TaskID:      m.ID(),
		Seq:         handle.nextSeq(),
		Msg:         "transition",
		Meta: map[string]interface{}{
			"from":  from,
			"to":    m.Current().Name,
			"event": event,
		},
	})
	return nil
}

// taskResult is what a worker reports back to the orchestrator loop.
type taskResult struct {
	taskID   string
	output   interface{}
	err      error
	errKind  string
	attempts int
	latency  time.Duration
}

// Execute runs a workflow definition to completion.
//
// The plan is built first; duplicate IDs, unknown dependencies, and
// dependency cycles abort before any task runs, with no side effects.
// Parallel groups then execute strictly in order. Within a group tasks
// run concurrently and the orchestrator waits for every task to settle
// before advancing.
//
// The returned Execution is always non-nil once planning succeeded, even
// when the run failed or was cancelled. A failed run additionally returns
// a CodeExecutionFailed error naming the failing task's ID and error
// kind; a cancelled run is a terminal outcome, not an error, reported
// through Execution.State.
func (o *Orchestrator) Execute(ctx context.Context, def Definition) (*Execution, error) {
	g, err := BuildGraph(def.Tasks)
	if err != nil {
		return nil, err
	}
	if cycles := DetectCycles(g); len(cycles) > 0 {
		return nil, &Error{
			Code:    CodeCycleDetected,
			Message: cycles[0].String(),
		}
	}
	groups, err := ParallelGroups(g)
	if err != nil {
		return nil, err
	}
	critical, err := CriticalPath(g)
	if err != nil {
		return nil, err
	}
	conflicts := ResourceConflicts(g, groups)

	executionID := newExecutionID(def.ID)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	execMachine := o.execDef.New(executionID, machine.State[executionPayload]{Name: ExecutionRunning})
	handle := &activeExecution{cancel: cancelRun, machine: execMachine}

	o.mu.Lock()
	o.active[executionID] = handle
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, executionID)
		o.mu.Unlock()
	}()

	exec := &Execution{
		ID:           executionID,
		WorkflowID:   def.ID,
		State:        ExecutionRunning,
		StepResults:  make(map[string]interface{}),
		Groups:       groups,
		CriticalPath: critical,
		Conflicts:    conflicts,
		StartedAt:    o.cfg.clock.Now().UTC(),
	}

	o.cfg.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Seq:         handle.nextSeq(),
		Msg:         "execution_start",
		Meta: map[string]interface{}{
			"workflow": guard.Sanitize(def.Name),
			"tasks":    len(def.Tasks),
			"groups":   len(groups),
		},
	})

	machines := make(map[string]*machine.Instance[taskPayload], len(def.Tasks))
	for _, t := range g.Tasks() {
		machines[t.ID] = o.taskDef.New(t.ID, machine.State[taskPayload]{Name: string(TaskPending)})
	}

	statuses := make(map[string]TaskState, len(def.Tasks))
	for _, t := range g.Tasks() {
		statuses[t.ID] = TaskPending
	}

	checkpointEvery := def.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = 1
	}

	fatal := false
	settled := 0
	for _, group := range groups {
		runnable := o.admitGroup(runCtx, exec, handle, g, group, machines, statuses, fatal, def.ContinueOnError)
		if len(runnable) == 0 {
			continue
		}

		results := make(chan taskResult, len(runnable))
		var eg errgroup.Group
		if o.cfg.maxConcurrent > 0 {
			eg.SetLimit(o.cfg.maxConcurrent)
		}
		for _, id := range runnable {
			task, _ := g.Task(id)
			m := machines[id]
			eg.Go(func() error {
				results <- o.runTask(runCtx, executionID, handle, task, m)
				return nil
			})
		}

		for range runnable {
			r := <-results
			o.settleTask(runCtx, exec, handle, execMachine, machines[r.taskID], statuses, r, &settled, checkpointEvery)
			if statuses[r.taskID] == TaskFailed && !def.ContinueOnError {
				fatal = true
			}
		}
		_ = eg.Wait()
	}

	return o.finish(runCtx, ctx, exec, handle, execMachine, fatal)
}

// admitGroup decides which tasks of a group actually run. Tasks whose
// dependencies did not complete are skipped; after a fatal failure with
// ContinueOnError disabled every remaining task is skipped; once the run
// context is cancelled remaining tasks settle as cancelled.
func (o *Orchestrator) admitGroup(runCtx context.Context, exec *Execution, handle *activeExecution, g *Graph, group []string, machines map[string]*machine.Instance[taskPayload], statuses map[string]TaskState, fatal bool, continueOnError bool) []string {
	var runnable []string
	for _, id := range group {
		m := machines[id]

		if runCtx.Err() != nil {
			_ = o.transitionTask(context.Background(), exec.ID, handle, m, eventCancel, taskPayload{ErrKind: CodeExecutionCancelled})
			statuses[id] = TaskCancelled
			exec.Trace = append(exec.Trace, TaskTrace{TaskID: id, State: TaskCancelled, ErrKind: CodeExecutionCancelled})
			continue
		}

		if fatal && !continueOnError {
			o.skipTask(runCtx, exec, handle, m, statuses, id, "execution already failed")
			continue
		}

		depFailed := ""
		for _, dep := range g.Dependencies(id) {
			if statuses[dep] != TaskCompleted {
				depFailed = dep
				break
			}
		}
		if depFailed != "" {
			o.skipTask(runCtx, exec, handle, m, statuses, id, "dependency "+depFailed+" did not complete")
			continue
		}

		if err := o.transitionTask(runCtx, exec.ID, handle, m, eventReady, taskPayload{}); err != nil {
			// Cancel won the race on this machine; record and move on.
			statuses[id] = TaskCancelled
			exec.Trace = append(exec.Trace, TaskTrace{TaskID: id, State: TaskCancelled, ErrKind: CodeExecutionCancelled})
			continue
		}
		statuses[id] = TaskReady
		runnable = append(runnable, id)
	}
	return runnable
}

func (o *Orchestrator) skipTask(runCtx context.Context, exec *Execution, handle *activeExecution, m *machine.Instance[taskPayload], statuses map[string]TaskState, id, reason string) {
	_ = o.transitionTask(runCtx, exec.ID, handle, m, eventSkip, taskPayload{})
	statuses[id] = TaskSkipped
	exec.Trace = append(exec.Trace, TaskTrace{TaskID: id, State: TaskSkipped})
	o.cfg.emitter.Emit(emit.Event{
		ExecutionID: exec.ID,
		TaskID:      id,
		Seq:         handle.nextSeq(),
		Msg:         "task_skipped",
		Meta:        map[string]interface{}{"reason": reason},
	})
}

// runTask is the worker body: it acquires the task's exclusive resources,
// moves the machine to RUNNING, and executes the action under the retry
// policy. It reports the outcome and never writes execution state itself.
func (o *Orchestrator) runTask(runCtx context.Context, executionID string, handle *activeExecution, task Task, m *machine.Instance[taskPayload]) taskResult {
	start := o.cfg.clock.Now()

	release, err := o.acquireResources(runCtx, task)
	if err != nil {
		if runCtx.Err() != nil {
			return taskResult{taskID: task.ID, err: runCtx.Err(), errKind: CodeExecutionCancelled, latency: o.cfg.clock.Now().Sub(start)}
		}
		o.cfg.emitter.Emit(emit.Event{
			ExecutionID: executionID,
			TaskID:      task.ID,
			Seq:         handle.nextSeq(),
			Msg:         "resource_timeout",
			Meta:        map[string]interface{}{"resources": task.Resources},
		})
		if o.cfg.metrics != nil {
			o.cfg.metrics.IncrementResourceTimeouts(executionID, task.ID)
		}
		return taskResult{taskID: task.ID, err: err, errKind: CodeResourceTimeout, latency: o.cfg.clock.Now().Sub(start)}
	}
	defer release()

	if err := o.transitionTask(runCtx, executionID, handle, m, eventStart, taskPayload{}); err != nil {
		return taskResult{taskID: task.ID, err: err, errKind: CodeExecutionCancelled, latency: o.cfg.clock.Now().Sub(start)}
	}
	o.cfg.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		TaskID:      task.ID,
		Seq:         handle.nextSeq(),
		Msg:         "task_start",
		Meta:        map[string]interface{}{"name": guard.Sanitize(task.Name), "action": task.Action},
	})

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.cfg.defaultTimeout
	}

	if o.cfg.metrics != nil {
		o.cfg.metrics.UpdateInflightTasks(int(o.inflight.Add(1)))
		defer func() {
			o.cfg.metrics.UpdateInflightTasks(int(o.inflight.Add(-1)))
		}()
	}

	attempts := 0
	var output interface{}
	policy := RetryPolicy{}
	if task.Retry != nil {
		policy = *task.Retry
	}
	err = Retry(runCtx, o.cfg.clock, policy, func(ctx context.Context) error {
		attempts++
		attemptCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, actionErr := o.executor.Execute(attemptCtx, task)
		if actionErr != nil {
			return actionErr
		}
		output = res.Output
		return nil
	}, func(retryN int, delay time.Duration) {
		o.cfg.emitter.Emit(emit.Event{
			ExecutionID: executionID,
			TaskID:      task.ID,
			Seq:         handle.nextSeq(),
			Msg:         "retry",
			Meta:        map[string]interface{}{"attempt": retryN, "delay_ms": delay.Milliseconds()},
		})
		if o.cfg.metrics != nil {
			o.cfg.metrics.IncrementRetries(executionID, task.ID)
		}
	})

	r := taskResult{taskID: task.ID, attempts: attempts, latency: o.cfg.clock.Now().Sub(start)}
	switch {
	case err == nil:
		r.output = output
	case runCtx.Err() != nil:
		r.err = err
		r.errKind = CodeExecutionCancelled
	default:
		r.err = err
		r.errKind = classifyTaskError(err)
	}
	return r
}

// classifyTaskError maps an action failure to a trace error kind.
func classifyTaskError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeResourceTimeout
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		return CodeRetryExhausted
	}
	if code := CodeOf(err); code != "" {
		return code
	}
	return CodeExecutionFailed
}

// acquireResources takes the semaphores for a task's exclusive resource
// tags in sorted order (deadlock avoidance across concurrent tasks). The
// wait is bounded by the configured resource timeout. The returned
// release function is safe to call exactly once.
func (o *Orchestrator) acquireResources(runCtx context.Context, task Task) (func(), error) {
	if len(task.Resources) == 0 {
		return func() {}, nil
	}

	tags := append([]string(nil), task.Resources...)
	sort.Strings(tags)

	waitCtx := runCtx
	if o.cfg.resourceTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(runCtx, o.cfg.resourceTimeout)
		defer cancel()
	}

	var held []*semaphore.Weighted
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}
	for _, tag := range tags {
		sem := o.resourceSem(tag)
		if err := sem.Acquire(waitCtx, 1); err != nil {
			releaseHeld()
			return nil, &Error{
				Code:    CodeResourceTimeout,
				Message: fmt.Sprintf("task %q timed out waiting for resource %q", task.ID, tag),
				TaskID:  task.ID,
				Cause:   err,
			}
		}
		held = append(held, sem)
	}
	return releaseHeld, nil
}

func (o *Orchestrator) resourceSem(tag string) *semaphore.Weighted {
	o.resMu.Lock()
	defer o.resMu.Unlock()

	sem, ok := o.resources[tag]
	if !ok {
		sem = semaphore.NewWeighted(1)
		o.resources[tag] = sem
	}
	return sem
}

// settleTask applies a worker's result to execution state. Runs only on
// the orchestrator goroutine, which is the sole writer of StepResults and
// the checkpoint stream.
func (o *Orchestrator) settleTask(runCtx context.Context, exec *Execution, handle *activeExecution, execMachine *machine.Instance[executionPayload], m *machine.Instance[taskPayload], statuses map[string]TaskState, r taskResult, settled *int, checkpointEvery int) {
	var event string
	var state TaskState
	var metricStatus string
	switch {
	case r.err == nil:
		event, state, metricStatus = eventComplete, TaskCompleted, "success"
	case r.errKind == CodeExecutionCancelled:
		event, state, metricStatus = eventCancel, TaskCancelled, "cancelled"
	case r.errKind == CodeResourceTimeout:
		event, state, metricStatus = eventFail, TaskFailed, "timeout"
	default:
		event, state, metricStatus = eventFail, TaskFailed, "error"
	}

	// Terminal transitions happen here and nowhere else, so a racing
	// cancellation and completion resolve to exactly one outcome.
	if err := o.transitionTask(context.Background(), exec.ID, handle, m, event, taskPayload{Output: r.output, ErrKind: r.errKind}); err != nil {
		state = TaskState(m.Current().Name)
	}
	statuses[r.taskID] = state

	trace := TaskTrace{TaskID: r.taskID, State: state, Attempts: r.attempts}
	if state != TaskCompleted {
		trace.ErrKind = r.errKind
	}
	exec.Trace = append(exec.Trace, trace)

	if state == TaskCompleted {
		exec.StepResults[r.taskID] = r.output
	}

	meta := map[string]interface{}{"state": string(state), "attempts": r.attempts}
	if r.err != nil {
		meta["error"] = guard.Sanitize(r.err.Error())
	}
	o.cfg.emitter.Emit(emit.Event{
		ExecutionID: exec.ID,
		TaskID:      r.taskID,
		Seq:         handle.nextSeq(),
		Msg:         "task_end",
		Meta:        meta,
	})
	if o.cfg.metrics != nil {
		o.cfg.metrics.RecordTaskLatency(exec.ID, r.taskID, r.latency, metricStatus)
	}

	*settled++
	if state == TaskCompleted && o.checkpoints != nil && *settled%checkpointEvery == 0 {
		o.writeCheckpoint(runCtx, exec, handle, execMachine, statuses, r.taskID, *settled)
	}
}

// writeCheckpoint persists execution progress after a settled task. A
// failed write is reported through the emitter and never fails the run.
func (o *Orchestrator) writeCheckpoint(runCtx context.Context, exec *Execution, handle *activeExecution, execMachine *machine.Instance[executionPayload], statuses map[string]TaskState, lastTask string, settled int) {
	states := make(map[string]interface{}, len(statuses))
	for id, st := range statuses {
		states[id] = string(st)
	}
	cpContext := map[string]interface{}{
		"workflow_id":  exec.WorkflowID,
		"settled":      settled,
		"last_task":    lastTask,
		"step_results": exec.StepResults,
		"task_states":  states,
	}
	if o.cfg.security != nil {
		cpContext["signature"] = o.cfg.security.Signer.Sign(guard.Context{
			State: execMachine.Current().Name,
			Event: "checkpoint",
			Metadata: map[string]string{
				"execution_id": exec.ID,
				"settled":      strconv.Itoa(settled),
				"last_task":    lastTask,
			},
		})
	}

	cp, err := o.checkpoints.Create(runCtx, exec.ID, execMachine, cpContext)
	if err != nil {
		o.cfg.emitter.Emit(emit.Event{
			ExecutionID: exec.ID,
			TaskID:      lastTask,
			Seq:         handle.nextSeq(),
			Msg:         "checkpoint_saved",
			Meta:        map[string]interface{}{"error": guard.Sanitize(err.Error())},
		})
		return
	}
	o.cfg.emitter.Emit(emit.Event{
		ExecutionID: exec.ID,
		TaskID:      lastTask,
		Seq:         handle.nextSeq(),
		Msg:         "checkpoint_saved",
		Meta:        map[string]interface{}{"seq": cp.Seq},
	})
}

// ResumeCheckpoint restores the execution machine state and context a
// checkpoint captured, returning the state name and the context map
// (workflow_id, settled, last_task, step_results, task_states).
//
// When a SecurityContext is configured the signature embedded at save
// time is recomputed and compared before the checkpoint is trusted; a
// mismatch surfaces CodeSignatureCollision and the contents are not
// returned. Checkpoints written without a SecurityContext fail
// verification the same way, so a signing orchestrator never resumes
// unsigned state.
func (o *Orchestrator) ResumeCheckpoint(ctx context.Context, cp store.Checkpoint) (string, map[string]interface{}, error) {
	if o.checkpoints == nil {
		return "", nil, errors.New("no checkpoint store configured")
	}

	m, raw, err := o.checkpoints.Resume(ctx, cp)
	if err != nil {
		return "", nil, err
	}
	cpContext, ok := raw.(map[string]interface{})
	if !ok {
		return "", nil, &checkpoint.ResumeError{
			Code:    checkpoint.CodeDeserialize,
			Message: fmt.Sprintf("checkpoint %s/%d context is not a map", cp.ExecutionID, cp.Seq),
		}
	}

	if o.cfg.security != nil && o.cfg.security.Signer != nil {
		sig, _ := cpContext["signature"].(string)
		settled := 0
		if n, ok := cpContext["settled"].(float64); ok {
			settled = int(n)
		}
		lastTask, _ := cpContext["last_task"].(string)
		gc := guard.Context{
			State: m.Current().Name,
			Event: "checkpoint",
			Metadata: map[string]string{
				"execution_id": cp.ExecutionID,
				"settled":      strconv.Itoa(settled),
				"last_task":    lastTask,
			},
		}
		if err := o.cfg.security.Signer.Verify(gc, sig); err != nil {
			return "", nil, &Error{
				Code:    CodeSignatureCollision,
				Message: fmt.Sprintf("checkpoint %s/%d failed signature verification", cp.ExecutionID, cp.Seq),
				Cause:   err,
			}
		}
	}

	return m.Current().Name, cpContext, nil
}

// finish resolves the execution's terminal state, invalidates checkpoints
// per policy, and produces the top-level error.
func (o *Orchestrator) finish(runCtx, parent context.Context, exec *Execution, handle *activeExecution, execMachine *machine.Instance[executionPayload], fatal bool) (*Execution, error) {
	payload := executionPayload{Settled: len(exec.Trace)}

	cancelled := runCtx.Err() != nil
	var firstFailed TaskTrace
	for _, tr := range exec.Trace {
		if tr.State == TaskCancelled {
			cancelled = true
		}
		if tr.State == TaskFailed && firstFailed.TaskID == "" {
			firstFailed = tr
		}
	}

	var event string
	switch {
	case cancelled:
		event = eventCancel
	case fatal:
		event = eventFail
	default:
		event = eventComplete
	}

	// The execution machine's terminal state is written once, here. A
	// cancellation arriving after this point finds a terminal machine and
	// has no effect.
	from := execMachine.Current().Name
	if execMachine.Transition(context.Background(), event, payload) == nil {
		o.cfg.emitter.Emit(emit.Event{
			ExecutionID: exec.ID,
			Seq:         handle.nextSeq(),
			Msg:         "transition",
			Meta: map[string]interface{}{
				"from":  from,
				"to":    execMachine.Current().Name,
				"event": event,
			},
		})
	}
	exec.State = execMachine.Current().Name
	exec.FinishedAt = o.cfg.clock.Now().UTC()

	// The cancellation budget tracks live executions only; a terminal
	// execution releases its limiter entry.
	if o.cfg.security != nil && o.cfg.security.Limiter != nil {
		o.cfg.security.Limiter.Reset(exec.ID)
	}

	invalidate := exec.State != ExecutionCompleted || !o.cfg.retainOnSuccess
	if invalidate && o.checkpoints != nil {
		// Invalidation runs detached from the run context, which is
		// already dead on the cancellation path.
		if err := o.checkpoints.Invalidate(detachedContext(parent), exec.ID); err != nil {
			o.cfg.emitter.Emit(emit.Event{
				ExecutionID: exec.ID,
				Seq:         handle.nextSeq(),
				Msg:         "checkpoint_invalidated",
				Meta:        map[string]interface{}{"error": guard.Sanitize(err.Error())},
			})
		} else {
			o.cfg.emitter.Emit(emit.Event{
				ExecutionID: exec.ID,
				Seq:         handle.nextSeq(),
				Msg:         "checkpoint_invalidated",
				Meta:        map[string]interface{}{},
			})
			if o.cfg.metrics != nil {
				o.cfg.metrics.IncrementInvalidations(exec.ID)
			}
		}
	}

	// Cancellation is a first-class terminal outcome, not an error; only
	// a failed execution produces a top-level error.
	var execErr error
	if exec.State == ExecutionFailed {
		execErr = &Error{
			Code:    CodeExecutionFailed,
			Message: fmt.Sprintf("task %q failed with %s", firstFailed.TaskID, firstFailed.ErrKind),
			TaskID:  firstFailed.TaskID,
		}
	}

	endMeta := map[string]interface{}{"state": exec.State, "tasks": len(exec.Trace)}
	if execErr != nil {
		endMeta["error"] = execErr.Error()
	}
	o.cfg.emitter.Emit(emit.Event{
		ExecutionID: exec.ID,
		Seq:         handle.nextSeq(),
		Msg:         "execution_end",
		Meta:        endMeta,
	})

	return exec, execErr
}

// Cancel requests cancellation of a live execution.
//
// Cancellation is idempotent and safe to call concurrently; it is rate
// limited per execution when a SecurityContext with a limiter is
// configured, returning CodeRateLimitExceeded beyond the budget. The
// terminal Cancelled state is written exactly once even when cancellation
// races a natural completion; the loser of that race has no effect.
func (o *Orchestrator) Cancel(executionID string) error {
	o.mu.Lock()
	handle, ok := o.active[executionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", executionID, ErrExecutionNotFound)
	}

	if o.cfg.security != nil && o.cfg.security.Limiter != nil {
		if !o.cfg.security.Limiter.TryCancel(executionID) {
			o.cfg.emitter.Emit(emit.Event{
				ExecutionID: executionID,
				Seq:         handle.nextSeq(),
				Msg:         "cancellation_limited",
				Meta:        map[string]interface{}{},
			})
			if o.cfg.metrics != nil {
				o.cfg.metrics.IncrementCancellations(executionID, "limited")
			}
			return &Error{
				Code:    CodeRateLimitExceeded,
				Message: fmt.Sprintf("cancellation budget for execution %s exhausted", executionID),
			}
		}
	}

	meta := map[string]interface{}{}
	if o.cfg.security != nil && o.cfg.security.Signer != nil {
		meta["signature"] = o.cfg.security.Signer.Sign(guard.Context{
			State: handle.machine.Current().Name,
			Event: eventCancel,
			Metadata: map[string]string{
				"execution_id": executionID,
			},
		})
	}
	o.cfg.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Seq:         handle.nextSeq(),
		Msg:         "cancellation",
		Meta:        meta,
	})
	if o.cfg.metrics != nil {
		o.cfg.metrics.IncrementCancellations(executionID, "accepted")
	}

	handle.cancel()
	return nil
}

// newExecutionID derives a unique run identifier from the workflow ID.
func newExecutionID(workflowID string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", workflowID, time.Now().UnixNano())
	}
	return workflowID + "-" + hex.EncodeToString(buf)
}

// detachedContext strips cancellation from ctx while keeping its values,
// so cleanup work still runs after the parent is cancelled.
func detachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
