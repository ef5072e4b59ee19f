package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if !cfg.Web.Enabled {
		t.Error("expected Web.Enabled true by default")
	}
	if !cfg.Web.UI.Enabled {
		t.Error("expected Web.UI.Enabled true by default")
	}
	if !cfg.Web.API.Enabled {
		t.Error("expected Web.API.Enabled true by default")
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected Web port 8080, got %d", cfg.Web.Port)
	}
	if cfg.Web.Host != "0.0.0.0" {
		t.Errorf("expected Web host 0.0.0.0, got %s", cfg.Web.Host)
	}
	if cfg.Listen.Port != 44818 {
		t.Errorf("expected listen port 44818, got %d", cfg.Listen.Port)
	}
	if len(cfg.Simulator.Objects) != 0 {
		t.Errorf("expected empty Simulator.Objects slice")
	}
}

func TestListenConfigAddr(t *testing.T) {
	l := ListenConfig{Host: "0.0.0.0", Port: 44818}
	if l.Addr() != "0.0.0.0:44818" {
		t.Errorf("Addr() = %q, want 0.0.0.0:44818", l.Addr())
	}
}

func TestDefaultMQTTConfig(t *testing.T) {
	mqtt := DefaultMQTTConfig("test")

	if mqtt.Name != "test" {
		t.Errorf("expected name 'test', got %s", mqtt.Name)
	}
	if mqtt.Broker != "localhost" {
		t.Errorf("expected broker 'localhost', got %s", mqtt.Broker)
	}
	if mqtt.Port != 1883 {
		t.Errorf("expected port 1883, got %d", mqtt.Port)
	}
}

func TestDefaultValkeyConfig(t *testing.T) {
	valkey := DefaultValkeyConfig("test")

	if valkey.Name != "test" {
		t.Errorf("expected name 'test', got %s", valkey.Name)
	}
	if valkey.Address != "localhost:6379" {
		t.Errorf("expected address 'localhost:6379', got %s", valkey.Address)
	}
	if !valkey.PublishChanges {
		t.Error("expected PublishChanges to be true")
	}
}

func TestDefaultKafkaConfig(t *testing.T) {
	kafka := DefaultKafkaConfig("test")

	if kafka.Name != "test" {
		t.Errorf("expected name 'test', got %s", kafka.Name)
	}
	if len(kafka.Brokers) != 1 || kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("expected brokers ['localhost:9092'], got %v", kafka.Brokers)
	}
	if kafka.RequiredAcks != -1 {
		t.Errorf("expected RequiredAcks -1, got %d", kafka.RequiredAcks)
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "nonexistent.yaml"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Listen.Port != 44818 {
			t.Error("expected default config")
		}
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test.yaml")

		cfg := &Config{
			Namespace: "line3",
			Listen:    ListenConfig{Host: "0.0.0.0", Port: 44818},
			Simulator: SimulatorConfig{
				Objects: []SimulatorObjectConfig{
					{Class: 0x6B, Instance: 1, Attributes: []string{"Speed@1 = DINT = 1200"}},
				},
			},
			MQTT: []MQTTConfig{
				{Name: "TestMQTT", Broker: "mqtt.local", Port: 1883},
			},
		}

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if loaded.Namespace != "line3" {
			t.Errorf("expected namespace 'line3', got %s", loaded.Namespace)
		}
		if len(loaded.Simulator.Objects) != 1 || loaded.Simulator.Objects[0].Class != 0x6B {
			t.Error("Simulator config not preserved")
		}
		if len(loaded.MQTT) != 1 || loaded.MQTT[0].Broker != "mqtt.local" {
			t.Error("MQTT config not preserved")
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		path := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")
		cfg := DefaultConfig()

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("config file was not created")
		}
	})

	t.Run("returns error for invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.yaml")
		os.WriteFile(path, []byte("invalid: yaml: content: ["), 0644)

		_, err := Load(path)
		if err == nil {
			t.Error("expected error for invalid YAML")
		}
	})
}

func TestMQTTOperations(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("AddMQTT and FindMQTT", func(t *testing.T) {
		mqtt := MQTTConfig{Name: "Broker1", Broker: "mqtt.local"}
		cfg.AddMQTT(mqtt)

		found := cfg.FindMQTT("Broker1")
		if found == nil {
			t.Fatal("FindMQTT returned nil")
		}
		if found.Broker != "mqtt.local" {
			t.Errorf("expected broker 'mqtt.local', got %s", found.Broker)
		}
	})

	t.Run("UpdateMQTT", func(t *testing.T) {
		updated := MQTTConfig{Name: "Broker1", Broker: "mqtt2.local", Port: 8883}
		if !cfg.UpdateMQTT("Broker1", updated) {
			t.Error("UpdateMQTT returned false")
		}

		found := cfg.FindMQTT("Broker1")
		if found.Port != 8883 {
			t.Error("MQTT not updated")
		}
	})

	t.Run("RemoveMQTT", func(t *testing.T) {
		if !cfg.RemoveMQTT("Broker1") {
			t.Error("RemoveMQTT returned false")
		}
		if cfg.FindMQTT("Broker1") != nil {
			t.Error("MQTT not removed")
		}
	})
}

func TestValkeyOperations(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("AddValkey and FindValkey", func(t *testing.T) {
		valkey := ValkeyConfig{Name: "Redis1", Address: "localhost:6379"}
		cfg.AddValkey(valkey)

		found := cfg.FindValkey("Redis1")
		if found == nil {
			t.Fatal("FindValkey returned nil")
		}
		if found.Address != "localhost:6379" {
			t.Errorf("expected address 'localhost:6379', got %s", found.Address)
		}
	})

	t.Run("UpdateValkey", func(t *testing.T) {
		updated := ValkeyConfig{Name: "Redis1", Address: "redis.local:6380"}
		if !cfg.UpdateValkey("Redis1", updated) {
			t.Error("UpdateValkey returned false")
		}

		found := cfg.FindValkey("Redis1")
		if found.Address != "redis.local:6380" {
			t.Error("Valkey not updated")
		}
	})

	t.Run("RemoveValkey", func(t *testing.T) {
		if !cfg.RemoveValkey("Redis1") {
			t.Error("RemoveValkey returned false")
		}
		if cfg.FindValkey("Redis1") != nil {
			t.Error("Valkey not removed")
		}
	})
}

func TestKafkaOperations(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("AddKafka and FindKafka", func(t *testing.T) {
		kafka := KafkaConfig{Name: "Cluster1", Brokers: []string{"kafka:9092"}}
		cfg.AddKafka(kafka)

		found := cfg.FindKafka("Cluster1")
		if found == nil {
			t.Fatal("FindKafka returned nil")
		}
		if len(found.Brokers) != 1 || found.Brokers[0] != "kafka:9092" {
			t.Errorf("expected brokers ['kafka:9092'], got %v", found.Brokers)
		}
	})

	t.Run("UpdateKafka", func(t *testing.T) {
		updated := KafkaConfig{Name: "Cluster1", Brokers: []string{"kafka1:9092", "kafka2:9092"}}
		if !cfg.UpdateKafka("Cluster1", updated) {
			t.Error("UpdateKafka returned false")
		}

		found := cfg.FindKafka("Cluster1")
		if len(found.Brokers) != 2 {
			t.Error("Kafka not updated")
		}
	})

	t.Run("RemoveKafka", func(t *testing.T) {
		if !cfg.RemoveKafka("Cluster1") {
			t.Error("RemoveKafka returned false")
		}
		if cfg.FindKafka("Cluster1") != nil {
			t.Error("Kafka not removed")
		}
	})
}

func TestNoAutoAdminCreation(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "autoadmin.yaml")

	os.WriteFile(path, []byte(`
namespace: test
web:
  enabled: true
  host: "0.0.0.0"
  port: 8080
  ui:
    enabled: true
`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// No auto-admin should be created (users come only from the config file)
	if len(cfg.Web.UI.Users) != 0 {
		t.Fatalf("expected 0 users (no auto-admin), got %d", len(cfg.Web.UI.Users))
	}

	// Session secret should still be generated
	if cfg.Web.UI.SessionSecret == "" {
		t.Error("expected session secret to be generated")
	}
}

func TestDefaultPath(t *testing.T) {
	path := DefaultPath()
	if path == "" {
		t.Error("DefaultPath returned empty string")
	}
	if !filepath.IsAbs(path) && path != "config.yaml" {
		t.Error("expected absolute path or 'config.yaml'")
	}
}

func TestValidateNamespace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Namespace = "bad namespace!"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid namespace")
	}

	cfg.Namespace = "line3-cell2"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsMalformedAttribute(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Simulator.Objects = []SimulatorObjectConfig{
		{Class: 0x6B, Instance: 1, Attributes: []string{"not a valid line"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for malformed attribute line")
	}
}
