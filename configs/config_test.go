package configs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encryptSecret reproduces util.Decrypt's AES-256-GCM "nonce||ciphertext"
// hex blob, so tests can write fixture secret files without a separate
// encrypt entrypoint in internal/util (the keeper never encrypts, only
// decrypts what an operator provisioned out of band).
func encryptSecret(t *testing.T, keyHex, plaintext string) string {
	t.Helper()
	keyBytes, err := hex.DecodeString(keyHex)
	require.NoError(t, err)
	block, err := aes.NewCipher(keyBytes)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	nonce := make([]byte, gcm.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(append(nonce, ciphertext...))
}

const testAESKeyHex = "00000000000000000000000000000000000000000000000000000000000000aa"
const wrongAESKeyHex = "11111111111111111111111111111111111111111111111111111111111111ff"

func writeSecretFile(t *testing.T, dir, name, plaintext string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(encryptSecret(t, testAESKeyHex, plaintext)), 0o600))
	return path
}

// setBaseEnv sets every env var Load requires with no override, returning
// the temp dir the two secret files live in.
func setBaseEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	t.Setenv("L2_RPC_URL", "https://l2.example/rpc")
	t.Setenv("L1_RPC_URL", "https://l1.example/rpc")
	t.Setenv("MAX_SWAP_INPUT_CAP", "1000000")

	pkPath := writeSecretFile(t, dir, "pk.enc", "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d")
	t.Setenv("ARBITRAGE_PRIVATE_KEY", pkPath)
	t.Setenv("ARBITRAGE_PRIVATE_KEY_DECRYPT_KEY", testAESKeyHex)

	pwPath := writeSecretFile(t, dir, "pw.enc", "correct-horse-battery-staple")
	t.Setenv("DASHBOARD_PASSWORD", pwPath)
	t.Setenv("DASHBOARD_PASSWORD_DECRYPT_KEY", testAESKeyHex)

	return dir
}

func TestLoadAppliesDefaultsWhenOptionalVarsUnset(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7120, cfg.DashboardPort)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 30*time.Second, cfg.QuoteTTL)
	assert.Equal(t, 0, cfg.MinSwapInput.Cmp(big.NewInt(0)))
	assert.Equal(t, 0, cfg.MinProfit.Cmp(big.NewInt(0)))
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "./logs", cfg.LogsDir)
	assert.Equal(t, "correct-horse-battery-staple", cfg.DashboardPassword)
	require.NotNil(t, cfg.PrivateKey)
}

func TestLoadHonorsOverriddenNumericEnvVars(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DASHBOARD_PORT", "9000")
	t.Setenv("RECONCILE_INTERVAL_MS", "5000")
	t.Setenv("MIN_SWAP_INPUT", "250")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.DashboardPort)
	assert.Equal(t, 5*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 0, cfg.MinSwapInput.Cmp(big.NewInt(250)))
}

func TestLoadErrorsWhenL2RPCURLMissing(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("L2_RPC_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadErrorsWhenMaxSwapInputCapMissing(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_SWAP_INPUT_CAP", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadErrorsOnMalformedBigIntEnvVar(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MIN_SWAP_INPUT", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadErrorsWhenSecretFileMissing(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ARBITRAGE_PRIVATE_KEY", filepath.Join(t.TempDir(), "missing.enc"))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadErrorsWhenDecryptKeyWrong(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ARBITRAGE_PRIVATE_KEY_DECRYPT_KEY", wrongAESKeyHex)

	_, err := Load()
	assert.Error(t, err)
}
