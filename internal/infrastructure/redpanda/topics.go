package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topics names the topics of the async execution flow.
type Topics struct {
	Requests   string
	Results    string
	Audit      string
	DeadLetter string
}

// TopicConfig describes a topic to create.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

func topicConfig(name string, partitions int32, replication int16, retention time.Duration, extra map[string]string) TopicConfig {
	configs := map[string]*string{}
	set := func(k, v string) { configs[k] = &v }
	set("retention.ms", strconv.FormatInt(retention.Milliseconds(), 10))
	set("cleanup.policy", "delete")
	set("compression.type", "lz4")
	for k, v := range extra {
		set(k, v)
	}
	return TopicConfig{
		Name:              name,
		Partitions:        partitions,
		ReplicationFactor: replication,
		Configs:           configs,
	}
}

// TopicConfigs returns the configuration of every named topic in t.
// Requests and results carry the execution parallelism; audit and dead
// letter keep data longer on half the partitions. Result Bundles may be up
// to 16 MiB.
func TopicConfigs(t Topics, partitions int32, replication int16) []TopicConfig {
	const day = 24 * time.Hour
	if partitions <= 0 {
		partitions = 6
	}
	if replication <= 0 {
		replication = 1
	}
	small := max(partitions/2, 1)

	var out []TopicConfig
	add := func(name string, p int32, retention time.Duration, extra map[string]string) {
		if name != "" {
			out = append(out, topicConfig(name, p, replication, retention, extra))
		}
	}
	add(t.Requests, partitions, day, nil)
	add(t.Results, partitions, 7*day, map[string]string{"max.message.bytes": strconv.Itoa(16 << 20)})
	add(t.Audit, small, 30*day, nil)
	add(t.DeadLetter, small, 7*day, nil)
	return out
}

// Admin wraps kadm for topic management.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client. It does not contact the brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates the topics that do not exist yet and returns the
// names it created. Existing topics are left as they are.
func (a *Admin) EnsureTopics(ctx context.Context, configs []TopicConfig) ([]string, error) {
	var created []string
	for _, cfg := range configs {
		resp, err := a.client.CreateTopic(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic exists", zap.String("topic", cfg.Name))
			continue
		case err != nil:
			return created, fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return created, fmt.Errorf("create topic %s: %w", cfg.Name, resp.Err)
		}
		if resp.Err == nil {
			created = append(created, cfg.Name)
			a.logger.Info("topic created",
				zap.String("topic", cfg.Name),
				zap.Int32("partitions", cfg.Partitions),
				zap.Int16("replication", cfg.ReplicationFactor))
		}
	}
	return created, nil
}

// ListTopics returns the sorted names of the non-internal topics.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	topics.FilterInternal()
	return topics.Names(), nil
}

// PartitionDetails describes one partition of a topic.
type PartitionDetails struct {
	ID       int32
	Leader   int32
	Replicas []int32
	ISR      []int32
}

// TopicDetails describes a topic.
type TopicDetails struct {
	Name       string
	Partitions []PartitionDetails
}

// DescribeTopic returns the partitions of a topic ordered by id.
func (a *Admin) DescribeTopic(ctx context.Context, topic string) (*TopicDetails, error) {
	topics, err := a.client.ListTopics(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("describe topic %s: %w", topic, err)
	}

	t, ok := topics[topic]
	if !ok || errors.Is(t.Err, kerr.UnknownTopicOrPartition) {
		return nil, fmt.Errorf("topic %s not found", topic)
	}
	if t.Err != nil {
		return nil, fmt.Errorf("describe topic %s: %w", topic, t.Err)
	}

	details := &TopicDetails{Name: topic}
	for _, p := range t.Partitions.Sorted() {
		details.Partitions = append(details.Partitions, PartitionDetails{
			ID:       p.Partition,
			Leader:   p.Leader,
			Replicas: p.Replicas,
			ISR:      p.ISR,
		})
	}
	return details, nil
}

// GroupLag is the lag of a consumer group by topic and partition.
type GroupLag map[string]map[int32]int64

// Total sums the lag of every partition.
func (g GroupLag) Total() int64 {
	var total int64
	for _, partitions := range g {
		for _, lag := range partitions {
			total += lag
		}
	}
	return total
}

// Topics returns the topic names in order.
func (g GroupLag) Topics() []string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConsumerGroupLag returns how far the group is behind the log end.
func (a *Admin) ConsumerGroupLag(ctx context.Context, group string) (GroupLag, error) {
	described, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("consumer group lag: %w", err)
	}

	lag := GroupLag{}
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if lag[topic] == nil {
				lag[topic] = make(map[int32]int64, len(partitions))
			}
			for partition, m := range partitions {
				lag[topic][partition] = m.Lag
			}
		}
	})
	return lag, nil
}

// Close closes the admin client.
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers with a fresh client, waiting at most 5s.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer cl.Close()

	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("brokers unreachable: %w", err)
	}
	return nil
}
