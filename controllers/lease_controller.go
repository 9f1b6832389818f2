// Package controllers runs agentlock housekeeping inside a cluster when
// the kubernetes backend is in use.
package controllers

import (
	"context"
	"strings"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/jvs-project/agentlock/internal/session"
	"github.com/jvs-project/agentlock/internal/store"
	"github.com/jvs-project/agentlock/pkg/logging"
	"github.com/jvs-project/agentlock/pkg/model"
)

const leaseRequeueOnFailure = time.Minute

// LeaseReconciler watches agentlock leases. Expired leases are deleted and
// sessions that reach the Abandoned tier are reclaimed without waiting for
// an agent to run "session status".
type LeaseReconciler struct {
	client.Client
	Sessions *session.Registry
	Logger   *logging.Logger
	Now      func() time.Time
}

// +kubebuilder:rbac:groups=coordination.k8s.io,resources=leases,verbs=get;list;watch;create;update;delete

// Reconcile handles one lease.
func (r *LeaseReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := logging.OrGlobal(r.Logger)

	lease := &coordinationv1.Lease{}
	if err := r.Get(ctx, req.NamespacedName, lease); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	if !store.IsManagedLease(lease) {
		return ctrl.Result{}, nil
	}

	now := r.now()
	rec := store.LeaseRecord(lease)
	if rec.Expired(now) {
		rv := lease.ResourceVersion
		err := r.Delete(ctx, lease, client.Preconditions{ResourceVersion: &rv})
		if err != nil && !apierrors.IsNotFound(err) && !apierrors.IsConflict(err) {
			log.ErrorErr("sweep expired lease failed", err, map[string]any{"key": rec.Key})
			return ctrl.Result{RequeueAfter: leaseRequeueOnFailure}, err
		}
		log.Debug("expired lease swept", map[string]any{"key": rec.Key, "holder": rec.Holder})
		return ctrl.Result{}, nil
	}

	if strings.HasPrefix(rec.Key, model.SessionKeyPrefix) {
		return r.reconcileSession(ctx, rec, now)
	}
	if !rec.ExpiresAt.IsZero() {
		return ctrl.Result{RequeueAfter: rec.ExpiresAt.Sub(now)}, nil
	}
	return ctrl.Result{}, nil
}

func (r *LeaseReconciler) reconcileSession(ctx context.Context, rec *store.Record, now time.Time) (ctrl.Result, error) {
	log := logging.OrGlobal(r.Logger)

	var s model.Session
	if err := rec.Decode(&s); err != nil {
		log.Warn("skipping undecodable session lease", map[string]any{"key": rec.Key, "error": err.Error()})
		return ctrl.Result{}, nil
	}

	th := r.Sessions.Thresholds()
	if th.Of(&s, now) != model.TierAbandoned {
		return ctrl.Result{RequeueAfter: s.LastHeartbeatAt.Add(th.AbandonedAfter).Sub(now)}, nil
	}

	// Status reclaims every abandoned session of the repository, this one
	// included, with the same audit trail as the CLI.
	rows, err := r.Sessions.Status(ctx, s.RepoID)
	if err != nil {
		log.ErrorErr("reclaim failed", err, map[string]any{"session": s.ID, "repo": s.RepoID})
		return ctrl.Result{RequeueAfter: leaseRequeueOnFailure}, err
	}
	for _, row := range rows {
		if row.Reclaimed {
			log.Info("session reclaimed", map[string]any{
				"session": row.Session.ID,
				"locks":   row.ReleasedLocks,
				"claims":  row.ReleasedClaims,
			})
		}
	}
	return ctrl.Result{}, nil
}

func (r *LeaseReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// SetupWithManager sets up the controller with the Manager.
func (r *LeaseReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&coordinationv1.Lease{}, builder.WithPredicates(predicate.NewPredicateFuncs(store.IsManagedLease))).
		Complete(r)
}
