package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const pageSize = 500

// Kubernetes lists images of running pods.
type Kubernetes struct {
	client        kubernetes.Interface
	namespace     string
	labelSelector string
	digests       bool
}

// NewKubernetes returns a lister of pods in namespace, all namespaces when
// empty. With digests the image digest reported by the kubelet is appended.
func NewKubernetes(client kubernetes.Interface, namespace, labelSelector string, digests bool) Kubernetes {
	return Kubernetes{
		client:        client,
		namespace:     namespace,
		labelSelector: labelSelector,
		digests:       digests,
	}
}

func (k Kubernetes) List(ctx context.Context) ([]string, error) {
	var refs []string
	opts := metav1.ListOptions{
		LabelSelector: k.labelSelector,
		FieldSelector: "status.phase=" + string(corev1.PodRunning),
		Limit:         pageSize,
	}
	for {
		pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("listing pods: %w", err)
		}
		for _, pod := range pods.Items {
			refs = append(refs, k.podImages(pod)...)
		}
		if pods.Continue == "" {
			break
		}
		opts.Continue = pods.Continue
	}
	return normalizeAll(refs), nil
}

func (k Kubernetes) podImages(pod corev1.Pod) []string {
	if pod.Status.Phase != corev1.PodRunning {
		return nil
	}
	imageIDs := make(map[string]string, len(pod.Status.ContainerStatuses))
	for _, cs := range pod.Status.ContainerStatuses {
		imageIDs[cs.Name] = cs.ImageID
	}

	refs := make([]string, 0, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		ref := c.Image
		if k.digests && !strings.Contains(ref, "@") {
			if digest := imageDigest(imageIDs[c.Name]); digest != "" {
				ref += "@" + digest
			}
		}
		refs = append(refs, ref)
	}
	return refs
}

// imageDigest extracts sha256:... from an image id like
// docker-pullable://nginx@sha256:abc
func imageDigest(imageID string) string {
	_, digest, ok := strings.Cut(imageID, "@")
	if !ok || !strings.HasPrefix(digest, "sha256:") {
		return ""
	}
	return digest
}

// NewClient creates a Kubernetes client. Out of cluster the kubeconfig path
// falls back to $KUBECONFIG and ~/.kube/config.
func NewClient(inCluster bool, kubeconfigPath string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error

	if inCluster {
		config, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
	} else {
		if kubeconfigPath == "" {
			kubeconfigPath = os.Getenv(clientcmd.RecommendedConfigPathEnvVar)
		}
		if kubeconfigPath == "" {
			kubeconfigPath = clientcmd.RecommendedHomeFile
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig %s: %w", kubeconfigPath, err)
		}
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
