package events

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DLQTopic names the dead-letter topic paired with a source topic.
func DLQTopic(topic string) string { return topic + ".dlq" }

// EnsureTopic creates the topic if it doesn't exist. Seven day retention
// and snappy compression match the ingest workload; an existing topic is
// left untouched, whatever its settings.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32) error {
	var retention, compression = "604800000", "snappy"
	var configs = map[string]*string{
		"retention.ms":     &retention,
		"compression.type": &compression,
	}

	var resp, err = kadm.NewClient(client).CreateTopic(ctx, partitions, 1, configs, topic)
	if err != nil {
		return fmt.Errorf("creating topic %s: %w", topic, err)
	}
	if resp.Err != nil {
		if errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			log.WithField("topic", topic).Debug("topic exists")
			return nil
		}
		return fmt.Errorf("creating topic %s: %w", topic, resp.Err)
	}

	log.WithFields(log.Fields{
		"topic":      topic,
		"partitions": partitions,
	}).Info("created topic")
	return nil
}
