package tasks

import (
	"context"

	"github.com/chr1sbest/jobtrail/internal/task"
)

// Noop does nothing and opens no steps (useful for testing).
func Noop() task.Definition {
	return task.Definition{
		Name:        task.NameNoop,
		Description: "Does nothing. Records an empty step tree.",
		Schema:      task.MustCompileSchema(string(task.NameNoop), task.EmptySchema),
		Handler: func(ctx context.Context, tc *task.Context) error {
			return nil
		},
	}
}
