// Package agentlock provides a library API for the agentlock engine.
//
// It is the integration point for hooks and wrappers that would rather call
// the engine directly than shell out to the agentlock binary. Open wires the
// configured backend, audit log, webhooks and metrics; the Locks, Sessions
// and Claims accessors return components acting as the current session.
//
// # Concurrency Safety
//
// All exclusion happens in the backend:
//
//   - Any number of processes, in any worktree of the same repository, may
//     hold a Client at the same time. Acquire and Claim are single atomic
//     backend operations and never wait.
//
//   - A Client itself is not safe for concurrent use while Register or
//     Unregister changes its current session. The components it returns
//     are.
//
//   - Crashed holders are recovered by TTL expiry and, for sessions, by the
//     reclamation that Sessions().Status performs on Abandoned sessions.
//     With the kubernetes backend, "agentlock reclaimer" does the same
//     continuously from inside the cluster.
//
// # Recommended Usage Pattern (agent hook)
//
//	client, err := agentlock.Open(ctx, agentlock.Options{})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	if _, _, err := client.EnsureSession(ctx); err != nil {
//	    return err
//	}
//	rec, err := client.Locks().Acquire(ctx, "pytest-myrepo", 10*time.Minute)
//	var held *agentlock.HeldError
//	if errors.As(err, &held) {
//	    fmt.Printf("busy: %s holds it for %s\n", held.Lock.Holder, held.Remaining)
//	    return nil
//	}
//	defer client.Locks().Release(ctx, rec.Name)
package agentlock
