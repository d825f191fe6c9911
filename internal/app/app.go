package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/metlos/cm-bump/internal/bumper"
	"github.com/metlos/cm-bump/internal/controller"
	"github.com/metlos/cm-bump/internal/store"
	"github.com/metlos/cm-bump/internal/syncer"
	"github.com/metlos/cm-bump/pkg/logging"
)

// Application wires the watch controller, the content store, the
// filesystem syncer and the bumper into the watch-sync-bump pipeline and
// supervises it for the lifetime of the pod.
type Application struct {
	cfg Config

	store      *store.Store
	syncer     *syncer.Syncer
	bumper     *bumper.Bumper
	controller *controller.Controller

	// dirty carries "desired state moved" marks from the controller to
	// the sync loop. Capacity 1: marks coalesce instead of queueing.
	dirty chan struct{}
}

// NewApplication builds the application against the cluster the pod runs
// in, using the usual REST config detection (in-cluster service account,
// or kubeconfig when run outside).
func NewApplication(cfg Config) (*Application, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to detect the cluster configuration: %w", err)
	}
	if !cfg.TLSVerify {
		logging.Warn("App", "API server certificate verification is disabled")
		disableTLSVerification(restConfig)
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create the cluster client: %w", err)
	}
	return newApplication(cfg, client)
}

// disableTLSVerification turns off server certificate checks on the REST
// config. rest.Config rejects Insecure combined with CA material, so any
// detected CA is dropped along the way.
func disableTLSVerification(restConfig *rest.Config) {
	restConfig.TLSClientConfig.Insecure = true
	restConfig.TLSClientConfig.CAFile = ""
	restConfig.TLSClientConfig.CAData = nil
}

// newApplication finishes construction with an injectable client, which is
// what the tests use.
func newApplication(cfg Config, client kubernetes.Interface) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sync, err := syncer.New(cfg.Dir)
	if err != nil {
		return nil, err
	}

	var bmp *bumper.Bumper
	bumperCfg, enabled, err := cfg.BumperConfig()
	if err != nil {
		return nil, err
	}
	if enabled {
		bmp, err = bumper.New(bumperCfg)
		if err != nil {
			return nil, err
		}
		logging.Info("App", "Will send %s to the process matching the configured criteria on config change", cfg.Signal)
	} else {
		logging.Info("App", "No signal configured, running in mirror-only mode")
	}

	st := store.New()
	dirty := make(chan struct{}, 1)

	ctl, err := controller.New(client, cfg.Namespace, cfg.Labels, st, dirty)
	if err != nil {
		return nil, err
	}

	return &Application{
		cfg:        cfg,
		store:      st,
		syncer:     sync,
		bumper:     bmp,
		controller: ctl,
		dirty:      dirty,
	}, nil
}

// Run drives the pipeline until the process is asked to terminate or the
// controller hits a fatal error. Termination cancels the watch and any
// pending bump without a final dispatch.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("App", "Watching config maps matching %q in namespace %q, persisting to %q", a.cfg.Labels, a.cfg.Namespace, a.cfg.Dir)

	group, ctx := errgroup.WithContext(ctx)
	if a.bumper != nil {
		// A pending debounced delivery dies with the context. Stopping only
		// after the goroutines wind down would leave a window in which the
		// timer could still fire.
		stopBumper := context.AfterFunc(ctx, a.bumper.Stop)
		defer stopBumper()
	}
	group.Go(func() error {
		return a.controller.Run(ctx)
	})
	group.Go(func() error {
		a.syncLoop(ctx)
		return nil
	})

	err := group.Wait()
	logging.Info("App", "Shut down")
	return err
}

// syncLoop drains dirty marks, applies the current desired state to disk
// and triggers the bumper when anything actually changed. A failed apply
// is logged and retried on the next mark; the manifest never records the
// failed portion, so the retry is complete.
func (a *Application) syncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.dirty:
			changed, err := a.syncer.Apply(a.store.Snapshot())
			if err != nil {
				logging.Error("App", err, "Sync cycle incomplete, will retry on the next change")
			}
			if changed {
				logging.Info("App", "Synchronized content changed")
				if a.bumper != nil {
					a.bumper.Trigger()
				}
			}
		}
	}
}
