package worker

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/events"
	"github.com/flightdeck-ai/flightdeck/internal/queue"
	"github.com/flightdeck-ai/flightdeck/internal/registry"
	"github.com/flightdeck-ai/flightdeck/internal/scheduler"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

var tracer = otel.Tracer("flightdeck/worker")

// processDelivery drives one claimed message through execution and settles
// it against the queue. The task row is the authoritative state; the queue
// payload is only a reference.
func (p *Pool) processDelivery(ctx context.Context, consumer string, delivery queue.Delivery) {
	var ref scheduler.TaskRef
	if err := json.Unmarshal(delivery.Message.Payload, &ref); err != nil {
		// An undecodable payload can never succeed; let it dead-letter.
		p.logger.Error("malformed task ref payload",
			"message_id", delivery.Message.ID, "error", err)
		p.nack(ctx, delivery, queue.NackError)
		return
	}

	task, err := p.tasks.Get(ctx, ref.TaskID)
	if err != nil {
		if types.IsRetryable(err) {
			p.nack(ctx, delivery, queue.NackError)
			return
		}
		// Task row gone; nothing to execute.
		p.logger.Warn("task not found for delivery, acking",
			"task_id", ref.TaskID, "message_id", delivery.Message.ID)
		p.ack(ctx, delivery)
		return
	}
	if task.Status.IsTerminal() {
		p.ack(ctx, delivery)
		return
	}

	run, err := p.runs.Get(ctx, task.RunID)
	if err != nil {
		p.nack(ctx, delivery, queue.NackError)
		return
	}
	if run.Status == types.RunStatusPaused {
		// Paused runs hold their work; redelivery without penalty.
		p.nack(ctx, delivery, queue.NackPaused)
		return
	}
	if run.Status == types.RunStatusCancelled {
		if err := p.tasks.MarkCancelled(ctx, task.ID); err != nil {
			p.logger.Error("failed to cancel task of cancelled run", "task_id", task.ID, "error", err)
		}
		p.ack(ctx, delivery)
		return
	}

	if limiter := p.limiterFor(task.RunID); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			p.nack(ctx, delivery, queue.NackPaused)
			return
		}
	}

	p.execute(ctx, consumer, task, delivery)
}

func (p *Pool) execute(ctx context.Context, consumer string, task *database.Task, delivery queue.Delivery) {
	ctx, span := tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID.String()),
		attribute.String("run.id", task.RunID.String()),
		attribute.String("task.phase", task.Phase),
		attribute.String("task.target", task.Target),
		attribute.String("task.target_kind", string(task.TargetKind)),
		attribute.Int("delivery.count", delivery.DeliveryCount),
		attribute.String("worker.consumer", consumer),
	))
	defer span.End()

	resume, err := p.checkpoints.LatestCheckpoint(ctx, task.RunID, task.Phase)
	if err != nil {
		// A corrupt checkpoint must not block the task forever; execute
		// from scratch and record the anomaly.
		p.logger.Error("checkpoint load failed, starting fresh",
			"task_id", task.ID, "run_id", task.RunID, "error", err)
		span.RecordError(err)
		resume = nil
	}

	if err := p.tasks.MarkRunning(ctx, task.ID); err != nil {
		p.logger.Error("failed to mark task running", "task_id", task.ID, "error", err)
		p.nack(ctx, delivery, queue.NackError)
		return
	}
	p.publish(ctx, events.EventTaskStarted, task, map[string]interface{}{
		"consumer":       consumer,
		"delivery_count": delivery.DeliveryCount,
		"resuming":       resume != nil,
	})

	execCtx, execCancel := context.WithCancel(ctx)
	defer execCancel()
	p.inflightMu.Lock()
	p.inflight[task.ID] = execCancel
	p.inflightMu.Unlock()
	defer func() {
		p.inflightMu.Lock()
		delete(p.inflight, task.ID)
		p.inflightMu.Unlock()
	}()

	exec := registry.ExecutionContext{
		RunID:   task.RunID,
		Phase:   task.Phase,
		TaskID:  task.ID,
		TraceID: span.SpanContext().TraceID().String(),
		Resume:  resume,
		SaveCheckpoint: func(cpCtx context.Context, token string, payload json.RawMessage) error {
			_, err := p.checkpoints.SaveCheckpoint(cpCtx, task.RunID, task.Phase, token, payload)
			return err
		},
	}

	var result registry.Result
	switch task.TargetKind {
	case types.TargetKindAgent:
		result, err = p.registry.ExecuteAgent(execCtx, task.Target, task.Input, exec)
	case types.TargetKindTool:
		result, err = p.registry.ExecuteTool(execCtx, task.Target, task.Input, exec)
	default:
		err = types.NewError(types.TASK_EXECUTION_FAILED,
			"unknown target kind "+string(task.TargetKind))
	}

	if err != nil {
		p.settleFailure(ctx, task, delivery, span, execCtx, err)
		return
	}

	if err := p.tasks.MarkCompleted(ctx, task.ID); err != nil {
		p.logger.Error("failed to mark task completed", "task_id", task.ID, "error", err)
		p.nack(ctx, delivery, queue.NackError)
		return
	}
	p.ack(ctx, delivery)
	span.SetAttributes(
		attribute.Float64("result.cost_usd", result.CostUSD),
		attribute.Int("result.tokens_used", result.TokensUsed),
	)
	p.publish(ctx, events.EventTaskCompleted, task, map[string]interface{}{
		"cost_usd":    result.CostUSD,
		"tokens_used": result.TokensUsed,
	})
	p.logger.Info("task completed",
		"task_id", task.ID, "run_id", task.RunID, "target", task.Target,
		"cost_usd", result.CostUSD, "tokens_used", result.TokensUsed)
}

// settleFailure distinguishes cooperative preemption from real failure.
// A preempted task requeues without penalty; a failed one counts toward
// the dead-letter threshold.
func (p *Pool) settleFailure(ctx context.Context, task *database.Task, delivery queue.Delivery,
	span trace.Span, execCtx context.Context, execErr error) {

	if errors.Is(execErr, context.Canceled) && execCtx.Err() != nil && ctx.Err() == nil {
		// The execution context was cancelled underneath a live pool
		// context: this is preemption, not failure. The task row was
		// already marked preempted by the priority scheduler.
		span.SetAttributes(attribute.Bool("task.preempted", true))
		p.nack(ctx, delivery, queue.NackPreempted)
		p.logger.Info("task execution abandoned after preemption",
			"task_id", task.ID, "run_id", task.RunID)
		return
	}

	if errors.Is(execErr, context.Canceled) && ctx.Err() != nil {
		// The worker itself was cancelled (pool shutdown or scale-down).
		// The task was merely interrupted and resumes from its last
		// checkpoint on redelivery; the nack runs on a detached context
		// so the settlement outlives the cancellation.
		span.SetAttributes(attribute.Bool("task.interrupted", true))
		p.nack(context.WithoutCancel(ctx), delivery, queue.NackPreempted)
		p.logger.Info("task execution interrupted by worker shutdown",
			"task_id", task.ID, "run_id", task.RunID)
		return
	}

	span.RecordError(execErr)
	span.SetStatus(codes.Error, execErr.Error())
	if err := p.tasks.MarkFailed(ctx, task.ID, execErr.Error()); err != nil {
		p.logger.Error("failed to mark task failed", "task_id", task.ID, "error", err)
	}
	p.nack(ctx, delivery, queue.NackError)
	p.publish(ctx, events.EventTaskFailed, task, map[string]interface{}{
		"error":          execErr.Error(),
		"failure_count":  delivery.FailureCount + 1,
		"delivery_count": delivery.DeliveryCount,
	})
	p.logger.Error("task failed",
		"task_id", task.ID, "run_id", task.RunID, "target", task.Target,
		"error", execErr)
}

func (p *Pool) ack(ctx context.Context, delivery queue.Delivery) {
	if err := p.jobs.Ack(ctx, p.cfg.ConsumerGroup, delivery.Message.ID); err != nil {
		p.logger.Error("ack failed", "message_id", delivery.Message.ID, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, delivery queue.Delivery, reason string) {
	if err := p.jobs.Nack(ctx, p.cfg.ConsumerGroup, delivery.Message.ID, reason); err != nil {
		p.logger.Error("nack failed", "message_id", delivery.Message.ID, "error", err)
	}
}

func (p *Pool) publish(ctx context.Context, eventType events.EventType, task *database.Task, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, events.Event{
		Type:   eventType,
		RunID:  task.RunID,
		TaskID: task.ID,
		Data:   data,
	})
}
