package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "127.0.0.1:9092" {
		t.Fatalf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.ChatTopic != "chats" || cfg.ChatPartitions != 1 {
		t.Fatalf("topic defaults: %q/%d", cfg.ChatTopic, cfg.ChatPartitions)
	}
	if cfg.ConsumerGroup != "courier-relay" {
		t.Fatalf("ConsumerGroup = %q", cfg.ConsumerGroup)
	}
	if cfg.TopicEnsureAttempts != 5 || cfg.TopicEnsureBackoff != 2*time.Second {
		t.Fatalf("topic ensure defaults: %d/%v", cfg.TopicEnsureAttempts, cfg.TopicEnsureBackoff)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("COURIER_KAFKA_BROKERS", "b1:9092, b2:9092 ,")
	t.Setenv("COURIER_CHAT_TOPIC", "chat-events")
	t.Setenv("COURIER_CHAT_PARTITIONS", "6")
	t.Setenv("COURIER_PUBLISH_TIMEOUT", "750ms")
	t.Setenv("COURIER_READINESS_REQUIRE_DB", "true")

	cfg := LoadConfig()

	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "b1:9092" || cfg.KafkaBrokers[1] != "b2:9092" {
		t.Fatalf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.ChatTopic != "chat-events" || cfg.ChatPartitions != 6 {
		t.Fatalf("topic: %q/%d", cfg.ChatTopic, cfg.ChatPartitions)
	}
	if cfg.PublishTimeout != 750*time.Millisecond {
		t.Fatalf("PublishTimeout = %v", cfg.PublishTimeout)
	}
	if !cfg.ReadinessRequireDB {
		t.Fatalf("ReadinessRequireDB not set")
	}
}

func TestEnvHelpersRejectGarbage(t *testing.T) {
	t.Setenv("COURIER_CHAT_PARTITIONS", "zero")
	t.Setenv("COURIER_PUBLISH_TIMEOUT", "-5s")
	t.Setenv("COURIER_READINESS_REQUIRE_DB", "not-a-bool")

	cfg := LoadConfig()

	if cfg.ChatPartitions != 1 {
		t.Fatalf("garbage int should fall back to default, got %d", cfg.ChatPartitions)
	}
	if cfg.PublishTimeout != 5*time.Second {
		t.Fatalf("negative duration should fall back to default, got %v", cfg.PublishTimeout)
	}
	if cfg.ReadinessRequireDB {
		t.Fatalf("garbage bool should fall back to default")
	}
}
