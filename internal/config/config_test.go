package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("GEMMIE_TEST_SECRET", "s3cret")
	t.Setenv("GEMMIE_TEST_DB_PASSWORD", "pw")

	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "chat_db", cfg.Database.Database)
				assert.Equal(t, "pw", cfg.Database.Password)
				assert.Equal(t, "dispatch_exchange", cfg.RabbitMQ.Dispatch.Exchange.Name)
				assert.Equal(t, "dispatch_queue", cfg.RabbitMQ.Dispatch.Queue.Name)
				assert.Equal(t, "dispatch_delay", cfg.RabbitMQ.Dispatch.DelayQueue)
				assert.Equal(t, "chat_events", cfg.RabbitMQ.Events.Exchange.Name)
				assert.Equal(t, "chat-api-service", cfg.App.Name)
				assert.Equal(t, "s3cret", cfg.Gemmie.SigningSecret)
				assert.Equal(t, 3*time.Second, cfg.Gemmie.Delay)
				assert.Equal(t, 0.3, cfg.Gemmie.Reaction.Probability)
				assert.Equal(t, "gemini", cfg.LLM.Primary.Provider)
				assert.Equal(t, 30, cfg.LLM.Primary.RatePerMinute)
				assert.False(t, cfg.LLM.Cleanup.Enabled())
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("GEMMIE_TEST_SECRET", "")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "topic", cfg.RabbitMQ.Events.Exchange.Type)
	assert.Equal(t, DriverPostgres, cfg.DelayQueue.Driver)
	assert.Equal(t, 60*time.Second, cfg.Worker.CallbackTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Worker.StaleAfter)
	assert.Equal(t, "http://localhost:8080", cfg.Gemmie.PublicURL)
	assert.Equal(t, "http://localhost:8080/api/v1/gemmie/process", cfg.Gemmie.ProcessURL())
	assert.Equal(t, "http://localhost:8080/api/v1/gemmie/react", cfg.Gemmie.ReactURL())

	// Unset variables expand to the empty string
	assert.Empty(t, cfg.Gemmie.SigningSecret)
	require.Error(t, cfg.Validate())
}

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "chat_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Dispatch: TopologyConfig{
				Exchange:   ExchangeConfig{Name: "dispatch_exchange"},
				Queue:      QueueConfig{Name: "dispatch_queue"},
				DelayQueue: "dispatch_delay",
			},
			Events: TopologyConfig{
				Exchange: ExchangeConfig{Name: "chat_events"},
			},
		},
		Gemmie: GemmieConfig{
			PublicURL:     "http://localhost:8080",
			SigningSecret: "secret",
		},
		LLM: LLMConfig{
			Primary: ModelConfig{APIKey: "key"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty dispatch exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Dispatch.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq dispatch exchange name is required",
		},
		{
			name:      "empty delay queue",
			mutate:    func(c *Config) { c.RabbitMQ.Dispatch.DelayQueue = "" },
			wantErr:   true,
			errString: "rabbitmq dispatch delay_queue is required",
		},
		{
			name:      "empty events exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Events.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq events exchange name is required",
		},
		{
			name:      "missing signing secret",
			mutate:    func(c *Config) { c.Gemmie.SigningSecret = "" },
			wantErr:   true,
			errString: "gemmie signing_secret is required",
		},
		{
			name:      "missing public url",
			mutate:    func(c *Config) { c.Gemmie.PublicURL = "" },
			wantErr:   true,
			errString: "gemmie public_url is required",
		},
		{
			name:      "reaction probability out of range",
			mutate:    func(c *Config) { c.Gemmie.Reaction.Probability = 1.5 },
			wantErr:   true,
			errString: "reaction probability",
		},
		{
			name:      "missing primary model key",
			mutate:    func(c *Config) { c.LLM.Primary.APIKey = "" },
			wantErr:   true,
			errString: "llm primary api_key is required",
		},
		{
			name:      "unknown delay queue driver",
			mutate:    func(c *Config) { c.DelayQueue.Driver = "redis" },
			wantErr:   true,
			errString: "unknown delay_queue driver",
		},
		{
			name:    "memory driver",
			mutate:  func(c *Config) { c.DelayQueue.Driver = DriverMemory },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "server port is not needed",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: false,
		},
		{
			name:      "empty dispatch queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Dispatch.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq dispatch queue name is required",
		},
		{
			name:      "memory driver",
			mutate:    func(c *Config) { c.DelayQueue.Driver = DriverMemory },
			wantErr:   true,
			errString: "requires the postgres delay_queue driver",
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			wantErr:   true,
			errString: "worker job_timeout must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Setenv("GEMMIE_TEST_SECRET", "s3cret")

	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: ${GEMMIE_TEST_APP}\n"), 0o600))
	t.Setenv("GEMMIE_TEST_APP", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.App.Name)
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}

func TestConfig_GemmieSettings(t *testing.T) {
	t.Setenv("GEMMIE_TEST_SECRET", "s3cret")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	settings := cfg.GemmieSettings()

	assert.Equal(t, "http://localhost:8080/api/v1/gemmie/process", settings.ProcessURL)
	assert.Equal(t, "http://localhost:8080/api/v1/gemmie/react", settings.ReactURL)
	assert.Equal(t, 3*time.Second, settings.Delay)
	assert.Equal(t, "gemini-2.0-flash", settings.Generator.Model)
	assert.Equal(t, "Asia/Ho_Chi_Minh", settings.Generator.Timezone)
	assert.Equal(t, "gpt-4o-mini", settings.Sanitizer.Model)
	require.NotNil(t, settings.Sanitizer.Temperature)
	assert.Equal(t, 0.0, *settings.Sanitizer.Temperature, "explicit zero is kept")
	assert.True(t, settings.Reaction.Enabled)
	assert.Equal(t, 4*time.Second, settings.Reaction.MaxDelay)

	// Unset values fall back to the scheduler defaults
	assert.Equal(t, "gemmie", settings.Name)
	assert.Equal(t, 48*time.Second, settings.LockTTL())
	assert.NotEmpty(t, settings.Generator.Fallbacks)
	require.NotNil(t, settings.Generator.Temperature)
	assert.Equal(t, 0.9, *settings.Generator.Temperature)
}
