package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

const maxLeaseNameLength = 63

var invalidLeaseNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Lease locks keys with kubernetes leases, so that several replicas of the backup job do not clean up concurrently
type Lease struct {
	log       *slog.Logger
	client    kubernetes.Interface
	namespace string
	name      string
	identity  string

	leaseDuration time.Duration
	renewDeadline time.Duration
	retryPeriod   time.Duration
}

type LeaseConfig struct {
	Log       *slog.Logger
	Namespace string
	// Name is the prefix of the lease names, the key is appended
	Name     string
	Identity string
	// Kubeconfig is used when not running inside a cluster
	Kubeconfig string
	// Client overrides the client created from the kubeconfig
	Client kubernetes.Interface
}

func NewLease(config LeaseConfig) (*Lease, error) {
	client := config.Client
	if client == nil {
		var (
			kubeConfig *rest.Config
			err        error
		)
		if config.Kubeconfig != "" {
			kubeConfig, err = clientcmd.BuildConfigFromFlags("", config.Kubeconfig)
		} else {
			kubeConfig, err = rest.InClusterConfig()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
		}

		client, err = kubernetes.NewForConfig(kubeConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
	}

	namespace := config.Namespace
	if namespace == "" {
		namespace = os.Getenv("POD_NAMESPACE")
		if namespace == "" {
			namespace = "default"
		}
	}

	identity := config.Identity
	if identity == "" {
		identity = os.Getenv("POD_NAME")
		if identity == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return nil, fmt.Errorf("lease identity is required: %w", err)
			}
			identity = hostname
		}
	}

	return &Lease{
		log:           config.Log,
		client:        client,
		namespace:     namespace,
		name:          config.Name,
		identity:      identity,
		leaseDuration: 60 * time.Second,
		renewDeadline: 15 * time.Second,
		retryPeriod:   5 * time.Second,
	}, nil
}

// Lock acquires the lease of the key and holds it until unlock is called
func (l *Lease) Lock(ctx context.Context, key string) (func(), error) {
	leaseName := l.leaseName(key)

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      leaseName,
			Namespace: l.namespace,
		},
		Client: l.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: l.identity,
		},
	}

	var (
		acquired            = make(chan struct{})
		done                = make(chan struct{})
		leaseCtx, cancelRun = context.WithCancel(context.Background())
	)

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   l.leaseDuration,
		RenewDeadline:   l.renewDeadline,
		RetryPeriod:     l.retryPeriod,
		ReleaseOnCancel: true,
		Name:            leaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(_ context.Context) {
				l.log.Info("acquired cleanup lease", "lease", leaseName, "identity", l.identity)
				close(acquired)
			},
			OnStoppedLeading: func() {
				select {
				case <-acquired:
					l.log.Info("released cleanup lease", "lease", leaseName, "identity", l.identity)
				default:
				}
			},
			OnNewLeader: func(identity string) {
				if identity != l.identity {
					l.log.Info("cleanup lease held by other replica", "lease", leaseName, "holder", identity)
				}
			},
		},
	})
	if err != nil {
		cancelRun()
		return nil, err
	}

	go func() {
		defer close(done)
		elector.Run(leaseCtx)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		cancelRun()
		<-done
		return nil, ctx.Err()
	}

	return func() {
		cancelRun()
		<-done
	}, nil
}

func (l *Lease) leaseName(key string) string {
	name := strings.Trim(invalidLeaseNameChars.ReplaceAllString(strings.ToLower(l.name+"-"+key), "-"), "-")
	if len(name) > maxLeaseNameLength {
		name = strings.TrimRight(name[:maxLeaseNameLength], "-")
	}
	return name
}
