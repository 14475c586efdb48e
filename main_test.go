package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvName(t *testing.T) {
	assert.Equal(t, "MINICHAT_REDIS_URL", envName("redis-url"))
	assert.Equal(t, "MINICHAT_ADDR", envName("addr"))
}

func TestApplyEnv(t *testing.T) {
	oldTopic, oldQueue := *flagKafkaTopic, *flagSendQueue
	defer func() {
		*flagKafkaTopic, *flagSendQueue = oldTopic, oldQueue
	}()

	t.Setenv("MINICHAT_KAFKA_TOPIC", "from-env")

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("MINICHAT_SEND_QUEUE=7\n"), 0600))

	require.NoError(t, applyEnv(envFile))
	assert.Equal(t, "from-env", *flagKafkaTopic)
	assert.Equal(t, 7, *flagSendQueue)
}

func TestApplyEnvMissingFile(t *testing.T) {
	assert.NoError(t, applyEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestApplyEnvBadValue(t *testing.T) {
	old := *flagMaxConns
	defer func() {
		*flagMaxConns = old
	}()

	t.Setenv("MINICHAT_MAX_CONNS", "lots")
	assert.Error(t, applyEnv(""))
}

func TestValidateAddr(t *testing.T) {
	assert.NoError(t, validateAddr("127.0.0.1:8000"))
	assert.NoError(t, validateAddr("10.0.0.3:80"))
	assert.Error(t, validateAddr("8.8.8.8:80"))
	assert.Error(t, validateAddr("localhost:80"))
	assert.Error(t, validateAddr("127.0.0.1"))
}

func TestSavePid(t *testing.T) {
	name := filepath.Join(t.TempDir(), "minichat.pid")
	require.NoError(t, savePid(name, 4242))

	content, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "4242", string(content))

	assert.Error(t, savePid(name, os.Getpid()+1), "pid file of a running process")
}
