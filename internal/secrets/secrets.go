package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"jobapply-engine/internal/config"
)

const (
	// "Service" groups the engine's secrets in the OS keychain.
	KeyringService = "jobapply"

	envIMAPPassword = "JOBAPPLY_IMAP_PASSWORD"
	envSolverKey    = "JOBAPPLY_SOLVER_KEY"
)

var ErrNotFound = errors.New("secret not found")

// Get reads a secret from the keychain, then from env.
func Get(account, env string) (string, error) {
	if strings.TrimSpace(account) != "" {
		v, err := keyring.Get(KeyringService, account)
		if err == nil && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}
	if env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s: %w (set it in the keychain or %s)", account, ErrNotFound, env)
}

func Set(account, value string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	if strings.TrimSpace(value) == "" {
		return errors.New("secret is empty")
	}
	return keyring.Set(KeyringService, account, value)
}

func Delete(account string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	return keyring.Delete(KeyringService, account)
}

func IMAPAccount(cfg config.Config) string {
	return fmt.Sprintf("jobapply:imap:%s@%s", cfg.Confirm.Email.Username, cfg.Confirm.Email.IMAPHost)
}

func SolverAccount(cfg config.Config) string {
	if a := strings.TrimSpace(cfg.Challenge.KeyringAccount); a != "" {
		return a
	}
	return "jobapply:solver"
}

func IMAPPassword(cfg config.Config) (string, error) {
	return Get(IMAPAccount(cfg), envIMAPPassword)
}

func SolverKey(cfg config.Config) (string, error) {
	return Get(SolverAccount(cfg), envSolverKey)
}
