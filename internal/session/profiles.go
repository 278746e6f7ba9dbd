package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ProfileStore creates and destroys the on-disk browser profile backing a
// session.
type ProfileStore interface {
	Create(ctx context.Context, sessionID string) (profileID string, err error)
	Destroy(ctx context.Context, profileID string) error
}

// DirProfiles keeps one directory per profile under Root.
type DirProfiles struct {
	Root string
}

func (d DirProfiles) Create(_ context.Context, sessionID string) (string, error) {
	profileID := "profile-" + sessionID
	dir := filepath.Join(d.Root, profileID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	return profileID, nil
}

func (d DirProfiles) Destroy(_ context.Context, profileID string) error {
	if profileID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(d.Root, profileID))
}

// Path returns the directory of profileID.
func (d DirProfiles) Path(profileID string) string {
	return filepath.Join(d.Root, profileID)
}
