// Package configs assembles the keeper's startup configuration from the
// environment and the two mounted secret files, the same ENC_PK/KEY
// decrypt-at-startup convention cmd/main.go used for the teacher's operator
// key, generalized to every option the keeper now needs.
package configs

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jgarzik/keeper-arb/internal/util"
)

// Config is the fully-resolved set of parameters the keeper process needs
// before it can dial either chain or open the store.
type Config struct {
	L2RPCURL string
	L1RPCURL string

	DashboardPort     int
	DashboardPassword string

	WebhookURL string

	MinSwapInput    *big.Int
	MaxSwapInputCap *big.Int
	MinProfit       *big.Int

	ReconcileInterval time.Duration
	QuoteTTL          time.Duration

	DataDir string
	LogsDir string

	// ExplorerURLL1/L2 are not named in spec.md's option table either; they
	// template the per-chain explorer link GET /cycles/{id} attaches to
	// each step ("%s" receives the tx hash). Left blank, the dashboard
	// omits the link.
	ExplorerURLL1 string
	ExplorerURLL2 string

	// MySQLDSN is not itself a key spec.md names; it is the connection
	// string the GORM+MySQL store needs to exist at all. Defaults to the
	// same local DSN shape cmd/main.go dialed directly.
	MySQLDSN string

	PrivateKey *ecdsa.PrivateKey
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envDurationMsOr(key string, defMs int) (time.Duration, error) {
	ms, err := envIntOr(key, defMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envBigIntOr(key string, def *big.Int) (*big.Int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s as an integer minor-unit amount: %q", key, v)
	}
	return n, nil
}

// readSecret loads an encrypted blob from the file named by pathEnv and
// decrypts it with the symmetric key named by keyEnv. Mirrors the original
// ENC_PK/KEY split, just with the ciphertext mounted as a file instead of
// passed inline as an env var.
func readSecret(pathEnv, keyEnv string) (string, error) {
	path := os.Getenv(pathEnv)
	if path == "" {
		return "", fmt.Errorf("%s not set", pathEnv)
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file %s=%s: %w", pathEnv, path, err)
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return "", fmt.Errorf("%s not set", keyEnv)
	}
	plain, err := util.Decrypt([]byte(key), strings.TrimSpace(string(blob)))
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", pathEnv, err)
	}
	return plain, nil
}

// Load assembles Config from the environment and the two mounted secret
// files (ARBITRAGE_PRIVATE_KEY, DASHBOARD_PASSWORD), applying every default
// the option table calls for.
func Load() (*Config, error) {
	cfg := &Config{
		L2RPCURL:   os.Getenv("L2_RPC_URL"),
		L1RPCURL:   os.Getenv("L1_RPC_URL"),
		WebhookURL: os.Getenv("WEBHOOK_URL"),
		DataDir:    envOr("DATA_DIR", "./data"),
		LogsDir:    envOr("LOGS_DIR", "./logs"),
		MySQLDSN:   envOr("MYSQL_DSN", "root:root@tcp(127.0.0.1:3306)/keeper?charset=utf8mb4&parseTime=True&loc=Local"),

		ExplorerURLL1: os.Getenv("EXPLORER_URL_L1"),
		ExplorerURLL2: os.Getenv("EXPLORER_URL_L2"),
	}
	if cfg.L2RPCURL == "" {
		return nil, fmt.Errorf("L2_RPC_URL not set")
	}
	if cfg.L1RPCURL == "" {
		return nil, fmt.Errorf("L1_RPC_URL not set")
	}

	var err error
	if cfg.DashboardPort, err = envIntOr("DASHBOARD_PORT", 7120); err != nil {
		return nil, err
	}

	if cfg.MinSwapInput, err = envBigIntOr("MIN_SWAP_INPUT", big.NewInt(0)); err != nil {
		return nil, err
	}
	if cfg.MaxSwapInputCap, err = envBigIntOr("MAX_SWAP_INPUT_CAP", nil); err != nil {
		return nil, err
	}
	if cfg.MaxSwapInputCap == nil {
		return nil, fmt.Errorf("MAX_SWAP_INPUT_CAP not set")
	}
	if cfg.MinProfit, err = envBigIntOr("MIN_PROFIT", big.NewInt(0)); err != nil {
		return nil, err
	}

	if cfg.ReconcileInterval, err = envDurationMsOr("RECONCILE_INTERVAL_MS", 30000); err != nil {
		return nil, err
	}
	if cfg.QuoteTTL, err = envDurationMsOr("QUOTES_TTL_MS", 30000); err != nil {
		return nil, err
	}

	pkHex, err := readSecret("ARBITRAGE_PRIVATE_KEY", "ARBITRAGE_PRIVATE_KEY_DECRYPT_KEY")
	if err != nil {
		return nil, fmt.Errorf("load operator private key: %w", err)
	}
	cfg.PrivateKey, err = crypto.HexToECDSA(strings.TrimPrefix(pkHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator private key: %w", err)
	}

	if cfg.DashboardPassword, err = readSecret("DASHBOARD_PASSWORD", "DASHBOARD_PASSWORD_DECRYPT_KEY"); err != nil {
		return nil, fmt.Errorf("load dashboard password: %w", err)
	}

	return cfg, nil
}
