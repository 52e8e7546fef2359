package executor

import (
	"context"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/expr"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// notifyExecutor renders Config.NotifyTemplate against the current
// scope and dispatches it through the configured transport. A
// dispatch error completes as Failed, which feeds the normal retry
// policy like any other step.
type notifyExecutor struct {
	notifier Notifier
}

func (e *notifyExecutor) Run(ctx context.Context, ec Context) Result {
	if e.notifier == nil {
		return Result{NextStatus: workflow.StepFailed, Err: apperrors.New(apperrors.Internal, "notify executor has no notifier configured")}
	}

	tmpl, err := expr.ParseTemplate(ec.Step.Config.NotifyTemplate)
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: apperrors.Wrap(apperrors.ExpressionParseErr, "notify template", err)}
	}
	body, err := expr.RenderTemplate(tmpl, ec.Scope)
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: err}
	}

	if err := e.notifier.Notify(ctx, ec.Step.Config.NotifyTransport, ec.Step.Config.NotifyTarget, body, ec.Step.Config.NotifyMeta); err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: apperrors.Wrap(apperrors.StepFailed, "notify dispatch failed", err)}
	}
	return Result{NextStatus: workflow.StepCompleted}
}
