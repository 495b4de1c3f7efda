package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir keeps Load from picking up a .env in the package directory.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("REPLICA_ID", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.SweepInterval)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts)
	assert.NotEmpty(t, cfg.Scheduler.ReplicaID)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "tatkal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
store_driver: sqlite
scheduler:
  replica_id: from-file
  arming_window: 5m
executor:
  max_attempts: 5
kafka:
  brokers: ["k1:9092"]
`), 0o600))

	t.Setenv("REPLICA_ID", "from-env")
	t.Setenv("EXEC_RETRY_BACKOFF", "150ms")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.ArmingWindow)
	assert.Equal(t, 5, cfg.Executor.MaxAttempts)
	assert.Equal(t, "from-env", cfg.Scheduler.ReplicaID)
	assert.Equal(t, 150*time.Millisecond, cfg.Executor.RetryBackoff)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Minute, cfg.Scheduler.ExpiryGrace, "untouched keys keep defaults")
}

func TestLoad_DotEnv(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SQLITE_PATH=/tmp/from-dotenv.db\n"), 0o600))
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("SQLITE_PATH", "")
	os.Unsetenv("SQLITE_PATH")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.db", cfg.SQLitePath)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"SCHED_SWEEP_SECONDS": "-1",
		"EXEC_MAX_ATTEMPTS":   "zero",
		"SCHED_ARMING_WINDOW": "ten minutes",
		"STORE_DRIVER":        "mongo",
		"SCHED_STALE_ATTEMPT": "1m",
		"SCHED_EXPIRY_GRACE":  "0s",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			inTempDir(t)
			t.Setenv("CONFIG_PATH", "")
			t.Setenv(key, val)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidate_StaleAttemptOutlastsAttempts(t *testing.T) {
	cfg := Defaults()
	cfg.Executor.AttemptWindow = 5 * time.Minute
	cfg.Executor.RequestTimeout = 3 * time.Second
	cfg.Scheduler.StaleAttempt = 5*time.Minute + 3*time.Second
	assert.ErrorContains(t, cfg.Validate(), "SCHED_STALE_ATTEMPT")

	cfg.Scheduler.StaleAttempt = 6 * time.Minute
	assert.NoError(t, cfg.Validate())
}

func TestCookieKeys(t *testing.T) {
	hash := make([]byte, 32)
	block := make([]byte, 16)
	for i := range hash {
		hash[i] = byte(i)
	}

	cfg := Defaults()
	_, _, err := cfg.CookieKeys()
	require.Error(t, err)

	cfg.CookieHashKey = base64.StdEncoding.EncodeToString(hash)
	dir := t.TempDir()
	blockFile := filepath.Join(dir, "block")
	require.NoError(t, os.WriteFile(blockFile, []byte(base64.StdEncoding.EncodeToString(block)+"\n"), 0o600))
	cfg.CookieBlockKey = blockFile

	h, b, err := cfg.CookieKeys()
	require.NoError(t, err)
	assert.Equal(t, hash, h)
	assert.Equal(t, block, b)
}

func TestPaymentSealKey(t *testing.T) {
	cfg := Defaults()
	k, err := cfg.PaymentSealKey()
	require.NoError(t, err)
	assert.Nil(t, k)

	cfg.PaymentKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
	k, err = cfg.PaymentSealKey()
	require.NoError(t, err)
	assert.Len(t, k, 32)

	cfg.PaymentKey = base64.StdEncoding.EncodeToString(make([]byte, 7))
	_, err = cfg.PaymentSealKey()
	assert.ErrorContains(t, err, "PAYMENT_KEY")
}
