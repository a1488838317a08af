package fetch

import "context"

// Invocation is one run of the external fetch tool.
type Invocation struct {
	SourceURL string
	// Selectors is the downgrade ladder, best first.
	Selectors []string
	OutputDir string
}

// Progress is a byte progress report. Total is 0 while unknown.
type Progress struct {
	Downloaded int64
	Total      int64
}

// Output describes what the tool produced. An empty Path means the stage
// picks the largest file in OutputDir.
type Output struct {
	Path string
}

// Tool drives an external fetcher. Implementations map failures to *Error and
// stop the run when onProgress returns an error, returning that error.
type Tool interface {
	Fetch(ctx context.Context, inv Invocation, onProgress func(Progress) error) (Output, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, inv Invocation, onProgress func(Progress) error) (Output, error)

func (f ToolFunc) Fetch(ctx context.Context, inv Invocation, onProgress func(Progress) error) (Output, error) {
	return f(ctx, inv, onProgress)
}
