package core

import "context"

type workflowKey struct{}

// WithWorkflowID attaches the workflow ID that job events should carry.
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowKey{}, workflowID)
}

// WorkflowID returns the workflow ID attached to ctx, if any.
func WorkflowID(ctx context.Context) (string, bool) {
	workflowID, ok := ctx.Value(workflowKey{}).(string)

	return workflowID, ok && workflowID != ""
}
