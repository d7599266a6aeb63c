package armcore

import "context"

// GuestRunner is the narrow interface standing in for the assembly
// world-switch (enter_guest plus the exception vector table) that spec.md §1
// places explicitly out of scope. Production deployments implement it with
// hand-written assembly that saves/restores Context, executes ERET into the
// guest, and returns control to Go the next time a synchronous or
// asynchronous exception traps to EL2. This module ships only a software
// GuestRunner (SyntheticRunner, in armcore/synthetic.go) that interprets a
// small fixed instruction subset against an in-memory guest image, which is
// what the test suite and any non-hardware build drives.
type GuestRunner interface {
	// Enter resumes guest execution using the register values in ctx,
	// blocks until the next trap to EL2, updates ctx in place to reflect
	// the state at the trap, and reports which vector delivered it.
	Enter(ctx context.Context, regs *Context) (TrapVector, error)
}
