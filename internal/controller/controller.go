package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/metlos/cm-bump/internal/store"
	"github.com/metlos/cm-bump/pkg/logging"
)

// errResync asks the run loop to discard the watch position and perform a
// fresh authoritative list. Raised when the API server reports our resource
// version as expired (HTTP 410).
var errResync = errors.New("resource version expired, full relist required")

// Controller maintains the list-then-watch subscription on config maps and
// feeds every change into the content store. It never terminates on
// transient failures; correctness after an outage comes from the re-list
// being authoritative, not from the event stream being gap-free.
type Controller struct {
	client    kubernetes.Interface
	namespace string
	selector  string

	store *store.Store

	// dirty is a capacity-1 channel to the sync loop. Marking it never
	// blocks, so a slow filesystem apply cannot stall event receipt.
	dirty chan<- struct{}
}

// New validates the label selector and returns a controller. A selector
// that does not parse is a fatal configuration error.
func New(client kubernetes.Interface, namespace, selector string, st *store.Store, dirty chan<- struct{}) (*Controller, error) {
	if _, err := labels.Parse(selector); err != nil {
		return nil, fmt.Errorf("malformed label selector %q: %w", selector, err)
	}

	return &Controller{
		client:    client,
		namespace: namespace,
		selector:  selector,
		store:     st,
		dirty:     dirty,
	}, nil
}

func newBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: time.Second,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    5,
		Cap:      30 * time.Second,
	}
}

// isFatal classifies control-plane errors the sidecar cannot recover from.
// A sidecar that is not allowed to read its source of truth has no useful
// degraded mode.
func isFatal(err error) bool {
	return apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err)
}

// Run drives the subscription until ctx is cancelled or a fatal error
// occurs. The cycle is: full list (authoritative, replaces the store),
// then watch from the list's resource version; expiry restarts the cycle,
// transient errors retry with capped exponential backoff.
func (c *Controller) Run(ctx context.Context) error {
	backoff := newBackoff()

	for {
		rv, err := c.relist(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isFatal(err) {
				return fmt.Errorf("cannot list config maps in namespace %q: %w", c.namespace, err)
			}
			logging.Warn("Controller", "Failed to list config maps, retrying: %v", err)
			if !sleep(ctx, backoff.Step()) {
				return nil
			}
			continue
		}
		backoff = newBackoff()

		err = c.watchFrom(ctx, rv)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errResync):
			logging.Info("Controller", "Watch expired, performing a full relist")
			continue
		case isFatal(err):
			return fmt.Errorf("cannot watch config maps in namespace %q: %w", c.namespace, err)
		default:
			logging.Warn("Controller", "Watch failed, retrying: %v", err)
			if !sleep(ctx, backoff.Step()) {
				return nil
			}
		}
	}
}

// relist fetches the full matching set, replaces the store content with it
// and returns the resource version to watch from. The replacement corrects
// for any events missed while disconnected.
func (c *Controller) relist(ctx context.Context) (string, error) {
	list, err := c.client.CoreV1().ConfigMaps(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: c.selector,
	})
	if err != nil {
		return "", err
	}

	objs := make([]*store.ConfigObject, 0, len(list.Items))
	for i := range list.Items {
		objs = append(objs, store.NewConfigObject(&list.Items[i]))
	}
	c.store.Replace(objs)
	c.markDirty()

	logging.Info("Controller", "Listed %d config maps matching %q in namespace %q", len(objs), c.selector, c.namespace)
	return list.ResourceVersion, nil
}

// watchFrom opens watches starting at rv and consumes them until the
// context ends (returns nil), the version expires (errResync) or the
// connection fails (transient error for the caller to back off on). A
// cleanly closed stream is reopened from the last seen version.
func (c *Controller) watchFrom(ctx context.Context, rv string) error {
	for {
		w, err := c.client.CoreV1().ConfigMaps(c.namespace).Watch(ctx, metav1.ListOptions{
			LabelSelector:       c.selector,
			ResourceVersion:     rv,
			AllowWatchBookmarks: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				return errResync
			}
			return err
		}

		newRV, err := c.consume(ctx, w, rv)
		if err != nil || ctx.Err() != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		rv = newRV
	}
}

// consume processes events from a single watch connection. It returns the
// last seen resource version when the stream closes cleanly, or an error
// describing why it cannot continue.
func (c *Controller) consume(ctx context.Context, w watch.Interface, rv string) (string, error) {
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return rv, nil
		case event, ok := <-w.ResultChan():
			if !ok {
				logging.Debug("Controller", "Watch stream closed, reopening from version %q", rv)
				return rv, nil
			}

			switch event.Type {
			case watch.Added, watch.Modified:
				cm, ok := event.Object.(*corev1.ConfigMap)
				if !ok {
					logging.Warn("Controller", "Unexpected object type %T in %s event", event.Object, event.Type)
					continue
				}
				logging.Debug("Controller", "Config map %s/%s %s", cm.Namespace, cm.Name, event.Type)
				c.store.Upsert(store.NewConfigObject(cm))
				rv = cm.ResourceVersion
				c.markDirty()

			case watch.Deleted:
				cm, ok := event.Object.(*corev1.ConfigMap)
				if !ok {
					logging.Warn("Controller", "Unexpected object type %T in delete event", event.Object)
					continue
				}
				logging.Debug("Controller", "Config map %s/%s deleted", cm.Namespace, cm.Name)
				c.store.Delete(cm.Namespace, cm.Name)
				rv = cm.ResourceVersion
				c.markDirty()

			case watch.Bookmark:
				if cm, ok := event.Object.(*corev1.ConfigMap); ok {
					rv = cm.ResourceVersion
				}

			case watch.Error:
				err := apierrors.FromObject(event.Object)
				var status *apierrors.StatusError
				if errors.As(err, &status) && status.ErrStatus.Code == http.StatusGone {
					return rv, errResync
				}
				if apierrors.IsResourceExpired(err) {
					return rv, errResync
				}
				return rv, fmt.Errorf("watch error event: %w", err)
			}
		}
	}
}

// markDirty tells the sync loop that the desired state may have moved on.
// Multiple marks between syncs coalesce into one.
func (c *Controller) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// sleep waits for d or until ctx ends; it reports whether the caller
// should keep going.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
