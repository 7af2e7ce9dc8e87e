// Package kube is a minimal Kubernetes API client for pod metadata lookups.
//
// DESIGN: The watcher only ever needs "GET pod by name". Two modes:
//
//   - service account: token + CA from the standard in-cluster mount,
//     HTTPS to the API server from KUBERNETES_SERVICE_HOST.
//   - proxy: a plain HTTP base URL (WATCHER_KUBE_URL). Authentication and
//     authorization are the proxy's problem.
//
// Responses are picked apart with gjson; the watcher cares about labels and
// annotations only, not the full pod object.
package kube

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ServiceAccountDir is the standard in-cluster credentials mount.
const ServiceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

const (
	defaultNamespace = "default"
	requestTimeout   = 10 * time.Second
	userAgent        = "kube-log-watcher"

	podPathFmt = "/api/v1/namespaces/%s/pods/%s"
)

// PauseContainerPrefix identifies the pod infrastructure containers the
// watcher has no interest in.
const PauseContainerPrefix = "gcr.io/google_containers/pause-"

// ErrPodNotFound is returned when the API server has no such pod.
var ErrPodNotFound = errors.New("pod not found")

// Pod is the slice of pod metadata the watcher consumes.
type Pod struct {
	Name        string
	Namespace   string
	Labels      map[string]string
	Annotations map[string]string
}

// Client looks up pods.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewProxyClient talks to an API proxy with no authentication.
func NewProxyClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: requestTimeout},
	}
}

// NewServiceAccountClient builds a client from the in-cluster service
// account mount.
func NewServiceAccountClient() (*Client, error) {
	return newServiceAccountClient(ServiceAccountDir)
}

func newServiceAccountClient(dir string) (*Client, error) {
	token, err := os.ReadFile(filepath.Join(dir, "token"))
	if err != nil {
		return nil, fmt.Errorf("reading service account token: %w", err)
	}
	caCert, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("reading service account CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("service account CA contains no certificates")
	}

	host := os.Getenv("KUBERNETES_SERVICE_HOST")
	port := os.Getenv("KUBERNETES_SERVICE_PORT")
	if host == "" {
		return nil, fmt.Errorf("KUBERNETES_SERVICE_HOST is not set")
	}
	if port == "" {
		port = "443"
	}

	return &Client{
		baseURL: "https://" + host + ":" + port,
		token:   string(token),
		httpc: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool},
				Proxy:           nil, // never route API traffic through env proxies
			},
		},
	}, nil
}

// GetPod fetches a pod's metadata. Returns ErrPodNotFound on 404.
func (c *Client) GetPod(ctx context.Context, name, namespace string) (*Pod, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}

	u := c.baseURL + fmt.Sprintf(podPathFmt, url.PathEscape(namespace), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching pod %s/%s: %w", namespace, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("pod %s/%s: %w", namespace, name, ErrPodNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching pod %s/%s: unexpected status %d", namespace, name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading pod %s/%s: %w", namespace, name, err)
	}

	pod := &Pod{
		Name:        name,
		Namespace:   namespace,
		Labels:      stringMap(gjson.GetBytes(body, "metadata.labels")),
		Annotations: stringMap(gjson.GetBytes(body, "metadata.annotations")),
	}
	return pod, nil
}

// IsPauseContainer reports whether the image is a pod infrastructure
// container.
func IsPauseContainer(image string) bool {
	return strings.HasPrefix(image, PauseContainerPrefix)
}

func stringMap(res gjson.Result) map[string]string {
	m := make(map[string]string)
	res.ForEach(func(key, value gjson.Result) bool {
		m[key.String()] = value.String()
		return true
	})
	return m
}
