package cli

import (
	"errors"
	"fmt"

	"github.com/jvs-project/agentlock/internal/claim"
	"github.com/jvs-project/agentlock/internal/lock"
	"github.com/jvs-project/agentlock/pkg/color"
	"github.com/jvs-project/agentlock/pkg/errclass"
)

// hintFor returns a one-line suggestion for a failed command, or "".
func hintFor(err error) string {
	var held *lock.HeldError
	if errors.As(err, &held) {
		return fmt.Sprintf("Retry after it expires, or check %s.",
			color.Code("agentlock lock status "+held.Lock.Name))
	}
	var conflict *claim.ConflictError
	if errors.As(err, &conflict) {
		return fmt.Sprintf("The owner is still %s. Pick another issue or wait until it goes stale.", conflict.Tier)
	}

	switch {
	case errors.Is(err, errclass.ErrSessionNotFound):
		return fmt.Sprintf("Run %s to start a new session.", color.Code("agentlock session register"))
	case errors.Is(err, errclass.ErrLockNotOwned):
		return fmt.Sprintf("Only the holder can release it; %s is the privileged bypass.",
			color.Code("agentlock lock force-release"))
	case errors.Is(err, errclass.ErrNameAmbiguous):
		return "Pass an explicit lock name, or switch to an issue-<N>-* or wave-<W>-* branch."
	case errors.Is(err, errclass.ErrBackendUnavailable):
		return fmt.Sprintf("Run %s to diagnose the backend.", color.Code("agentlock doctor"))
	case errors.Is(err, errclass.ErrConfigInvalid):
		return fmt.Sprintf("Run %s to see the effective configuration.", color.Code("agentlock config show"))
	}
	return ""
}
