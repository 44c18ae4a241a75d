package relay

import (
	"log"
	"strings"

	"github.com/JJSiabato/silent-alarm/internal/config"
)

// NewBroker picks a Broker from configuration: Kafka when KAFKA_BROKERS is
// set, then Redis when REDIS_URL is set, otherwise in-memory.
func NewBroker(cfg *config.Config) (Broker, error) {
	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		group := cfg.KafkaConsumerGroup
		if group == "" && cfg.InstanceID != "" {
			group = "silent-alarm-" + cfg.InstanceID
		}
		log.Printf("relay: using KafkaBroker with brokers=%v group=%s", brokers, group)
		return NewKafkaBroker(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: group,
		})
	}
	if cfg.RedisURL != "" {
		log.Println("relay: using RedisBroker")
		return NewRedisBroker(cfg.RedisURL)
	}

	log.Println("relay: using InMemoryBroker (KAFKA_BROKERS and REDIS_URL not set)")
	return NewInMemoryBroker(), nil
}

// Channel returns the broker channel or topic name to relay on.
func Channel(cfg *config.Config) string {
	if cfg.KafkaTopic != "" {
		return cfg.KafkaTopic
	}
	return DefaultChannel
}
