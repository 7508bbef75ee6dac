// Package kafka holds broker administration used at startup and by readiness checks.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

var ErrNoBrokers = errors.New("kafka brokers not configured")

// TopicSpec describes a topic the service publishes to.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// Admin wraps a kadm client. It owns its own connection so that a stuck
// producer does not hide broker health.
type Admin struct {
	client *kgo.Client
	adm    *kadm.Client
}

func NewAdmin(brokers []string) (*Admin, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka admin client: %w", err)
	}
	return &Admin{client: client, adm: kadm.NewClient(client)}, nil
}

// EnsureTopic creates the topic unless it already exists. created reports
// whether this call made it.
func (a *Admin) EnsureTopic(ctx context.Context, spec TopicSpec) (created bool, err error) {
	partitions, replication := spec.Partitions, spec.ReplicationFactor
	if partitions <= 0 {
		partitions = -1
	}
	if replication <= 0 {
		replication = -1
	}
	resp, err := a.adm.CreateTopic(ctx, partitions, replication, nil, spec.Name)
	if err != nil {
		return false, fmt.Errorf("create topic %s: %w", spec.Name, err)
	}
	switch {
	case resp.Err == nil:
		return true, nil
	case errors.Is(resp.Err, kerr.TopicAlreadyExists):
		return false, nil
	default:
		return false, fmt.Errorf("create topic %s: %w", spec.Name, resp.Err)
	}
}

// Check fails unless the cluster reports at least one broker.
func (a *Admin) Check(ctx context.Context) error {
	brokers, err := a.adm.ListBrokers(ctx)
	if err != nil {
		return fmt.Errorf("list kafka brokers: %w", err)
	}
	if len(brokers) == 0 {
		return errors.New("kafka cluster reports no brokers")
	}
	return nil
}

func (a *Admin) Close() error {
	a.adm.Close()
	return nil
}
