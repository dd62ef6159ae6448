package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// FileStore persists sessions as JSON files.
// Storage layout:
//
//	<baseDir>/
//	  ├── <account>_sessions.json   # {merkleRoot, leafNodes}
//	  └── <account>_signers.json    # {<address>: {privateKey, publicKey}}
//
// Account and signer addresses are lowercase hex.
type FileStore struct {
	recordStore
	baseDir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file-backed store rooted at baseDir.
// If baseDir is empty, uses ~/.sessionkit/sessions.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".sessionkit", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	s := &FileStore{baseDir: baseDir}
	s.io = &fileIO{baseDir: baseDir}
	return s, nil
}

// Dir returns the directory holding the session files.
func (s *FileStore) Dir() string {
	return s.baseDir
}

type fileIO struct {
	baseDir string
}

func (f *fileIO) sessionsPath(account string) string {
	return filepath.Join(f.baseDir, account+"_sessions.json")
}

func (f *fileIO) signersPath(account string) string {
	return filepath.Join(f.baseDir, account+"_signers.json")
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) // #nosec G304 - file names are derived from hex addresses
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path with the encoding of v via a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (f *fileIO) loadRecord(_ context.Context, account string) (*record, error) {
	r := &record{}
	if err := readJSON(f.sessionsPath(account), r); err != nil {
		return nil, err
	}
	return r, nil
}

func (f *fileIO) saveRecord(_ context.Context, account string, r *record) error {
	return writeJSON(f.sessionsPath(account), r)
}

func (f *fileIO) loadSigners(account string) (map[string]SignerKey, error) {
	signers := make(map[string]SignerKey)
	if err := readJSON(f.signersPath(account), &signers); err != nil {
		return nil, err
	}
	return signers, nil
}

func (f *fileIO) loadSigner(_ context.Context, account, address string) (*SignerKey, error) {
	signers, err := f.loadSigners(account)
	if err != nil {
		return nil, err
	}
	key, ok := signers[address]
	if !ok {
		return nil, ErrSignerNotFound
	}
	return &key, nil
}

func (f *fileIO) saveSigner(_ context.Context, account, address string, key SignerKey) error {
	signers, err := f.loadSigners(account)
	if err != nil {
		return err
	}
	signers[address] = key
	return writeJSON(f.signersPath(account), signers)
}

func (f *fileIO) close() error {
	return nil
}
