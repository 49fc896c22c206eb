// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore keeps agent seeds at rest in passphrase-sealed age
// files.
//
// An agent's address is derived from its seed (see lib/identity), so
// the seed is the one secret that must survive restarts. Seed files
// are ASCII-armored age ciphertext using the scrypt recipient:
//
//	-----BEGIN AGE ENCRYPTED FILE-----
//	YWdlLWVuY3J5cHRpb24ub3JnL3YxCi0+IHNjcnlwdCBV...
//	-----END AGE ENCRYPTED FILE-----
//
// [LoadOrCreate] is the boot path: it opens an existing file, or
// generates a random seed and seals it on first boot.
package keystore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// ErrEmptyPassphrase is returned when sealing or opening with an empty
// passphrase.
var ErrEmptyPassphrase = errors.New("keystore: empty passphrase")

// workFactor is the scrypt log2(N) used when sealing. Tests lower it.
var workFactor = 18

// seedBytes is the entropy of generated seeds.
const seedBytes = 32

// Seal encrypts seed under passphrase and returns armored ciphertext.
func Seal(seed, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(workFactor)

	var buffer bytes.Buffer
	armored := armor.NewWriter(&buffer)
	writer, err := age.Encrypt(armored, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(writer, seed); err != nil {
		return nil, fmt.Errorf("writing seed to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return buffer.Bytes(), nil
}

// Open decrypts armored ciphertext produced by Seal.
func Open(ciphertext []byte, passphrase string) (string, error) {
	if passphrase == "" {
		return "", ErrEmptyPassphrase
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return "", fmt.Errorf("creating scrypt identity: %w", err)
	}
	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), identity)
	if err != nil {
		return "", fmt.Errorf("decrypting seed: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading decrypted seed: %w", err)
	}
	if len(plaintext) == 0 {
		return "", errors.New("keystore: sealed seed is empty")
	}
	return string(plaintext), nil
}

// LoadOrCreate opens the seed file at path, or creates it with a fresh
// random seed if it does not exist. Returns the seed and whether it
// was newly generated. The file is written 0600 and its parent
// directory is created 0700 if missing.
func LoadOrCreate(path, passphrase string) (string, bool, error) {
	ciphertext, err := os.ReadFile(path)
	if err == nil {
		seed, err := Open(ciphertext, passphrase)
		if err != nil {
			return "", false, fmt.Errorf("opening %s: %w", path, err)
		}
		return seed, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", false, fmt.Errorf("reading %s: %w", path, err)
	}

	seed, err := GenerateSeed()
	if err != nil {
		return "", false, err
	}
	sealed, err := Seal(seed, passphrase)
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", false, fmt.Errorf("creating seed directory: %w", err)
	}

	// Write to a temporary file and rename so a crash never leaves a
	// truncated seed file behind.
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, sealed, 0600); err != nil {
		return "", false, fmt.Errorf("writing %s: %w", temporary, err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return "", false, fmt.Errorf("renaming seed file into place: %w", err)
	}
	return seed, true, nil
}

// GenerateSeed returns a random hex seed.
func GenerateSeed() (string, error) {
	raw := make([]byte, seedBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading random seed: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
