package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var (
	// ErrNotFound is returned by Read when no pod of that name exists.
	ErrNotFound = errors.New("sandbox not found")
	// ErrWatchTimeout is returned by WaitUntilAddressable when the pod did
	// not report a running address before the deadline.
	ErrWatchTimeout = errors.New("timed out waiting for sandbox address")
)

const containerName = "web-container"

// Sandbox is the observed state of a session pod.
type Sandbox struct {
	Phase corev1.PodPhase
	Addr  string // pod IP, empty until the pod is scheduled and running
}

// Running reports whether the sandbox is up with a routable address.
func (s *Sandbox) Running() bool {
	return s.Phase == corev1.PodRunning && s.Addr != ""
}

// Client manages session pods in a single namespace.
type Client struct {
	clientset kubernetes.Interface
	namespace string
	image     string
	port      int
}

// New builds a Client from in-cluster credentials, falling back to the
// kubeconfig at $KUBECONFIG or ~/.kube/config.
func New(namespace, image string, port int) (*Client, error) {
	restCfg, err := buildRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}
	return NewWithClientset(clientset, namespace, image, port), nil
}

// NewWithClientset wraps an existing clientset. Used by tests.
func NewWithClientset(cs kubernetes.Interface, namespace, image string, port int) *Client {
	return &Client{clientset: cs, namespace: namespace, image: image, port: port}
}

func buildRESTConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// Port returns the container port sandboxes listen on.
func (c *Client) Port() int {
	return c.port
}

// Create submits the session pod. An already-existing pod of the same name
// is treated as success: the name is derived deterministically from the
// user identity, so a duplicate create means another replica got there
// first and the caller should fall through to waiting for the address.
func (c *Client) Create(ctx context.Context, userID, podName string) error {
	pod := c.manifest(userID, podName)
	_, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create pod %s: %w", podName, err)
	}
	return nil
}

// Read returns the observed state of a session pod, or ErrNotFound.
func (c *Client) Read(ctx context.Context, podName string) (*Sandbox, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, podName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read pod %s: %w", podName, err)
	}
	return &Sandbox{Phase: pod.Status.Phase, Addr: pod.Status.PodIP}, nil
}

// Delete removes a session pod. A missing pod is not an error; the reaper
// and a concurrent replica may race on the same delete.
func (c *Client) Delete(ctx context.Context, podName string) error {
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, podName, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete pod %s: %w", podName, err)
	}
	return nil
}

// WaitUntilAddressable blocks until the pod reports phase Running with a
// non-empty IP, then returns that IP. It returns ErrWatchTimeout if the
// deadline elapses first. An initial read covers pods that became ready
// before the watch was established.
func (c *Client) WaitUntilAddressable(ctx context.Context, podName string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if sb, err := c.Read(ctx, podName); err == nil && sb.Running() {
		return sb.Addr, nil
	}

	w, err := c.clientset.CoreV1().Pods(c.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + podName,
	})
	if err != nil {
		return "", fmt.Errorf("watch pod %s: %w", podName, err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ErrWatchTimeout
		case event, ok := <-w.ResultChan():
			if !ok {
				return "", ErrWatchTimeout
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			if pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != "" {
				return pod.Status.PodIP, nil
			}
		}
	}
}

// manifest builds the single-container session pod. restartPolicy Never:
// a crashed sandbox is not resurrected, the reaper collects it once idle.
func (c *Client) manifest(userID, podName string) *corev1.Pod {
	safeID := strings.TrimPrefix(podName, "session-")
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: c.namespace,
			Labels: map[string]string{
				"app":     "session-pod",
				"user_id": safeID,
			},
			Annotations: map[string]string{
				"original_id": userID,
			},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  containerName,
				Image: c.image,
				Ports: []corev1.ContainerPort{{
					ContainerPort: int32(c.port),
				}},
			}},
			RestartPolicy: corev1.RestartPolicyNever,
		},
	}
}
