package cli

import (
	"context"

	"github.com/alecthomas/kong"
)

// CLI is the main CLI structure with embedded context
type CLI struct {
	ctx context.Context // Store context for commands to use

	Debug bool `help:"Enable debug logging"`

	Run     RunCmd     `cmd:"run" help:"Run the synchronization daemon"`
	Config  ConfigCmd  `cmd:"config" help:"Manage configuration"`
	Version VersionCmd `cmd:"version" help:"Show version"`
}

// Context returns the CLI's context for use by commands.
// This allows commands to access the context without directly accessing
// the unexported ctx field.
func (c *CLI) Context() context.Context {
	return c.ctx
}

// RunCmd wires the full synchronization stack for one user session and runs
// until the context is cancelled.
type RunCmd struct {
	User              string   `help:"User ID to synchronize for" required:""`
	GCPProject        string   `help:"GCP project hosting the change-event subscriptions" required:""`
	Role              string   `help:"User role" default:"estimator"`
	Projects          []string `help:"Project IDs in the user's scope" placeholder:"PROJECT_ID"`
	VendorAssignments []string `help:"Vendor assignment IDs in the user's scope" placeholder:"ASSIGNMENT_ID"`
	SkipVerify        bool     `help:"Skip startup verification of provisioned subscriptions"`
}

// ConfigCmd manages the configuration file.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"init" help:"Write the default configuration file"`
	Show ConfigShowCmd `cmd:"show" help:"Print the effective configuration"`
}

type ConfigInitCmd struct{}

type ConfigShowCmd struct{}

type VersionCmd struct{}

// ExecuteWithContext executes the CLI with a context that can be cancelled
func ExecuteWithContext(ctx context.Context) error {
	cli := &CLI{ctx: ctx}
	kongCtx := kong.Parse(cli)

	// Bind CLI instance so commands can access the context
	return kongCtx.Run(cli)
}

// Execute executes the CLI with a background context (for backwards compatibility)
func Execute() error {
	return ExecuteWithContext(context.Background())
}
