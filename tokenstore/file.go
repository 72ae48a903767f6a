package tokenstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/scalecode-solutions/mvchat2-client/crypto"
)

// associated data binding sealed blobs to this file format
var fileAD = []byte("mvchat2-client/credentials/v1")

// envelope is the on-disk format. Data is the sealed JSON record.
type envelope struct {
	Version int    `json:"v"`
	Salt    []byte `json:"salt"`
	Data    []byte `json:"data"`
}

// FileStore keeps one sealed record in a file.
type FileStore struct {
	path       string
	passphrase string

	mu sync.Mutex
	// key derivation is slow; the encryptor is kept for the salt it was
	// derived from and reused until the file carries another salt
	salt        []byte
	enc         *crypto.Encryptor
	derivations int
}

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)

// NewFileStore creates a store backed by path, sealed with passphrase.
func NewFileStore(path, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, crypto.ErrEmptyPassphrase
	}
	return &FileStore{path: path, passphrase: passphrase}, nil
}

func (f *FileStore) Load(ctx context.Context) (*Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.read()
	if err != nil {
		return nil, err
	}
	return rec.Credentials, nil
}

func (f *FileStore) Save(ctx context.Context, creds *Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.read()
	if err != nil {
		return err
	}
	c := *creds
	rec.Credentials = &c
	return f.write(rec)
}

func (f *FileStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.read()
	if err != nil {
		return err
	}
	if rec.Credentials == nil {
		return nil
	}
	rec.Credentials = nil
	return f.write(rec)
}

func (f *FileStore) DeviceID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.read()
	if err != nil {
		return "", err
	}
	if rec.DeviceID != "" {
		return rec.DeviceID, nil
	}
	rec.DeviceID = newDeviceID()
	if err := f.write(rec); err != nil {
		return "", err
	}
	return rec.DeviceID, nil
}

// read loads and opens the record. A missing file is an empty record.
// Must be called with mu held.
func (f *FileStore) read() (*record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Version != 1 {
		return nil, ErrCorrupt
	}

	enc, err := f.encryptor(env.Salt)
	if err != nil {
		return nil, ErrCorrupt
	}
	plain, err := enc.Open(env.Data, fileAD)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials file: %w", err)
	}

	var rec record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, ErrCorrupt
	}
	return &rec, nil
}

// encryptor returns the encryptor for salt, deriving the key only when salt
// differs from the cached one. Must be called with mu held.
func (f *FileStore) encryptor(salt []byte) (*crypto.Encryptor, error) {
	if f.enc != nil && bytes.Equal(salt, f.salt) {
		return f.enc, nil
	}
	enc, err := crypto.NewEncryptorFromPassphrase(f.passphrase, salt)
	if err != nil {
		return nil, err
	}
	f.derivations++
	f.salt = append([]byte(nil), salt...)
	f.enc = enc
	return enc, nil
}

// write seals rec under the cached salt, or a fresh one, and replaces the
// file atomically. Must be called with mu held.
func (f *FileStore) write(rec *record) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	salt := f.salt
	if f.enc == nil {
		if salt, err = crypto.NewSalt(); err != nil {
			return err
		}
	}
	enc, err := f.encryptor(salt)
	if err != nil {
		return err
	}
	sealed, err := enc.Seal(plain, fileAD)
	if err != nil {
		return err
	}

	data, err := json.Marshal(envelope{Version: 1, Salt: salt, Data: sealed})
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
