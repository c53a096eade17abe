// Package k8s is the concrete, k8s-backed implementation of
// workloadapi.WorkloadAPI, grounded on the teacher's
// pkg/deploy/k8s/manager.go (in-cluster config with kubeconfig
// fallback, retry-on-conflict scale updates). It reads workloads with
// direct Get calls and runs no informers of its own.
package k8s

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"scaletozero/internal/model"
	scerrors "scaletozero/pkg/errors"
)

// Client implements workloadapi.WorkloadAPI against a real cluster API
// server.
type Client struct {
	clientset kubernetes.Interface
}

// NewClientset builds a kubernetes.Interface using in-cluster config
// when available, falling back to kubeconfigPath (or the default
// loading rules if empty), exactly as the teacher's k8s.NewManager
// does. Exported so cmd/node can share one clientset across this
// package, internal/watcher, and internal/hpa instead of each dialing
// its own.
func NewClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		if kubeconfigPath != "" {
			loadingRules.ExplicitPath = kubeconfigPath
		}
		overrides := &clientcmd.ConfigOverrides{}
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
		config, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}

// NewClient builds a Client using in-cluster config when available,
// falling back to kubeconfigPath (or the default loading rules if
// empty), exactly as the teacher's k8s.NewManager does.
func NewClient(kubeconfigPath string) (*Client, error) {
	clientset, err := NewClientset(kubeconfigPath)
	if err != nil {
		return nil, err
	}
	return &Client{clientset: clientset}, nil
}

// NewClientFromClientset wraps an already-constructed clientset; cmd/node
// uses it to share one clientset, and tests can pass a fake.Clientset.
func NewClientFromClientset(clientset kubernetes.Interface) *Client {
	return &Client{clientset: clientset}
}

// Scale sets workload's desired replica count, retrying the
// get-then-update on a resource-version conflict with client-go's
// retry.DefaultRetry (up to 5 attempts), the way the teacher's
// UpdateDeployment does.
func (c *Client) Scale(ctx context.Context, workload model.WorkloadRef, replicas int32) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		switch workload.Kind {
		case model.WorkloadDeployment:
			deployments := c.clientset.AppsV1().Deployments(workload.Namespace)
			dep, err := deployments.Get(ctx, workload.Name, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return fmt.Errorf("%w: deployment %s", scerrors.ErrNotFound, workload)
				}
				return fmt.Errorf("%w: get deployment %s: %v", scerrors.ErrTransientAPI, workload, err)
			}
			dep.Spec.Replicas = &replicas
			_, err = deployments.Update(ctx, dep, metav1.UpdateOptions{})
			return err
		case model.WorkloadStatefulSet:
			sets := c.clientset.AppsV1().StatefulSets(workload.Namespace)
			ss, err := sets.Get(ctx, workload.Name, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return fmt.Errorf("%w: statefulset %s", scerrors.ErrNotFound, workload)
				}
				return fmt.Errorf("%w: get statefulset %s: %v", scerrors.ErrTransientAPI, workload, err)
			}
			ss.Spec.Replicas = &replicas
			_, err = sets.Update(ctx, ss, metav1.UpdateOptions{})
			return err
		default:
			return fmt.Errorf("%w: unknown workload kind %q", scerrors.ErrConfig, workload.Kind)
		}
	})
}

// Ready reports whether workload currently has at least one ready
// replica.
func (c *Client) Ready(ctx context.Context, workload model.WorkloadRef) (bool, error) {
	switch workload.Kind {
	case model.WorkloadDeployment:
		dep, err := c.clientset.AppsV1().Deployments(workload.Namespace).Get(ctx, workload.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, fmt.Errorf("%w: deployment %s", scerrors.ErrNotFound, workload)
			}
			return false, fmt.Errorf("%w: get deployment %s: %v", scerrors.ErrTransientAPI, workload, err)
		}
		return dep.Status.ReadyReplicas > 0, nil
	case model.WorkloadStatefulSet:
		ss, err := c.clientset.AppsV1().StatefulSets(workload.Namespace).Get(ctx, workload.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, fmt.Errorf("%w: statefulset %s", scerrors.ErrNotFound, workload)
			}
			return false, fmt.Errorf("%w: get statefulset %s: %v", scerrors.ErrTransientAPI, workload, err)
		}
		return ss.Status.ReadyReplicas > 0, nil
	default:
		return false, fmt.Errorf("%w: unknown workload kind %q", scerrors.ErrConfig, workload.Kind)
	}
}

// Replicas returns workload's current desired replica count.
func (c *Client) Replicas(ctx context.Context, workload model.WorkloadRef) (int32, error) {
	switch workload.Kind {
	case model.WorkloadDeployment:
		dep, err := c.clientset.AppsV1().Deployments(workload.Namespace).Get(ctx, workload.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return 0, fmt.Errorf("%w: deployment %s", scerrors.ErrNotFound, workload)
			}
			return 0, fmt.Errorf("%w: get deployment %s: %v", scerrors.ErrTransientAPI, workload, err)
		}
		return replicasOrZero(dep.Spec.Replicas), nil
	case model.WorkloadStatefulSet:
		ss, err := c.clientset.AppsV1().StatefulSets(workload.Namespace).Get(ctx, workload.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return 0, fmt.Errorf("%w: statefulset %s", scerrors.ErrNotFound, workload)
			}
			return 0, fmt.Errorf("%w: get statefulset %s: %v", scerrors.ErrTransientAPI, workload, err)
		}
		return replicasOrZero(ss.Spec.Replicas), nil
	default:
		return 0, fmt.Errorf("%w: unknown workload kind %q", scerrors.ErrConfig, workload.Kind)
	}
}

func replicasOrZero(r *int32) int32 {
	if r == nil {
		return 0
	}
	return *r
}
