package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdSource reads instance records from an etcd catalog.
//
// Backend services register themselves under TTL leases:
//
//	Key:   {namespace}/{service}/{instanceID}
//	Value: JSON-encoded Instance
//
// A crashed backend stops renewing its lease and the entry expires, so the
// catalog never accumulates ghost instances. The gateway only reads the
// catalog; it polls rather than watches so a flapping etcd connection
// degrades to a stale snapshot instead of an error path.
type EtcdSource struct {
	client    *clientv3.Client
	namespace string
}

// NewEtcdSource connects to the given etcd endpoints.
func NewEtcdSource(endpoints []string, namespace string, dialTimeout time.Duration) (*EtcdSource, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return &EtcdSource{
		client:    client,
		namespace: strings.TrimSuffix(namespace, "/"),
	}, nil
}

// Name implements Source.
func (s *EtcdSource) Name() string { return "etcd" }

// Fetch implements Source. It lists every instance under the namespace
// prefix and decodes the JSON records, skipping malformed entries.
func (s *EtcdSource) Fetch(ctx context.Context) ([]Instance, error) {
	resp, err := s.client.Get(ctx, s.namespace+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing etcd catalog: %w", err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue // skip malformed catalog entries
		}
		if inst.Service == "" || inst.ID == "" {
			// Fall back to the key layout when the record omits identity.
			service, id, ok := splitCatalogKey(strings.TrimPrefix(string(kv.Key), s.namespace+"/"))
			if !ok {
				continue
			}
			inst.Service, inst.ID = service, id
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Close releases the etcd client connection.
func (s *EtcdSource) Close() error {
	return s.client.Close()
}

// splitCatalogKey splits "{service}/{instanceID}" into its parts.
func splitCatalogKey(key string) (service, id string, ok bool) {
	service, id, found := strings.Cut(key, "/")
	if !found || service == "" || id == "" {
		return "", "", false
	}
	return service, id, true
}
