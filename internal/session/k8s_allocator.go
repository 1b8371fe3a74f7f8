package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// browserSessionGVR identifies the BrowserSession custom resource this
// allocator manages — one per live Session, the isolated browser
// runtime instance allocated on the user's behalf.
var browserSessionGVR = schema.GroupVersionResource{
	Group:    "pilothouse.dev",
	Version:  "v1alpha1",
	Resource: "browsersessions",
}

// K8sAllocator implements RuntimeAllocator by creating one BrowserSession
// custom resource per session, the same CRD-per-workload pattern the
// control plane's session orchestration uses for containerized
// workspaces.
type K8sAllocator struct {
	dynamicClient dynamic.Interface
	namespace     string
}

// NewK8sAllocator auto-detects in-cluster config, falling back to a
// local kubeconfig for development, exactly as the CRD client it is
// modeled on does.
func NewK8sAllocator(namespace string) (*K8sAllocator, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(os.Getenv("HOME"), ".kube", "config")
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}

	client, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build dynamic client: %w", err)
	}

	return &K8sAllocator{dynamicClient: client, namespace: namespace}, nil
}

// Allocate creates a BrowserSession custom resource for userID and
// returns its resource name (JobHandle) and service DNS endpoint.
func (k *K8sAllocator) Allocate(ctx context.Context, userID string) (string, string, error) {
	name := fmt.Sprintf("browsersession-%s-%d", sanitizeName(userID), time.Now().UnixNano())

	obj := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "pilothouse.dev/v1alpha1",
			"kind":       "BrowserSession",
			"metadata": map[string]interface{}{
				"name":      name,
				"namespace": k.namespace,
				"labels": map[string]interface{}{
					"pilothouse.dev/user-id": userID,
				},
			},
			"spec": map[string]interface{}{
				"userId": userID,
			},
		},
	}

	created, err := k.dynamicClient.Resource(browserSessionGVR).Namespace(k.namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return "", "", fmt.Errorf("failed to create browsersession for user %s: %w", userID, err)
	}

	endpoint := fmt.Sprintf("%s.%s.svc.cluster.local", created.GetName(), k.namespace)
	return created.GetName(), endpoint, nil
}

// Terminate deletes the BrowserSession custom resource.
func (k *K8sAllocator) Terminate(ctx context.Context, jobHandle string) error {
	err := k.dynamicClient.Resource(browserSessionGVR).Namespace(k.namespace).Delete(ctx, jobHandle, metav1.DeleteOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete browsersession %s: %w", jobHandle, err)
	}
	return nil
}

func sanitizeName(userID string) string {
	out := make([]rune, 0, len(userID))
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r-'A'+'a')
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
