// Package engineerr defines the typed error kinds the execution engine can
// fail with. The dispatcher collapses all of them into (ok=false, logs) for
// the HTTP caller; only TargetUnknown and the auth errors get a distinct
// HTTP status (see internal/server).
package engineerr

import "errors"

// Sentinel errors identifying the engine's failure kinds. Wrap these with
// fmt.Errorf("...: %w", ErrX) at the call site so errors.Is still matches.
var (
	ErrConfigNotFound          = errors.New("config not found")
	ErrProbeNotFound           = errors.New("probe not found")
	ErrProbeAmbiguous          = errors.New("more than one probe found")
	ErrProbeOpenFailed         = errors.New("probe open failed")
	ErrAttachFailed            = errors.New("attach failed")
	ErrFlashFailed             = errors.New("flash failed")
	ErrElfInvalid              = errors.New("elf invalid")
	ErrRttNotFound             = errors.New("rtt not found")
	ErrRttAttachRetryExhausted = errors.New("rtt attach retry exhausted")
	ErrBreakpointUnsupported   = errors.New("breakpoint unsupported")
	ErrDefmtDecodeFatal        = errors.New("defmt decode fatal")
	ErrDeadlineExceeded        = errors.New("deadline exceeded")
	ErrHardFault               = errors.New("hard fault")
	ErrPanicDuringRun          = errors.New("panic during run")
	ErrAuthMissing             = errors.New("auth missing")
	ErrAuthInvalid             = errors.New("auth invalid")
	ErrTargetUnknown           = errors.New("target unknown")
)
