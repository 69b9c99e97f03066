package limits

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"golang.org/x/crypto/pbkdf2"
)

// sessionCookies pulls the claude.ai session cookies out of the desktop
// app's Chromium cookie store. The store is copied before opening so a
// running desktop app never sees our read lock.
func sessionCookies() (map[string]string, error) {
	if runtime.GOOS != "darwin" {
		return nil, fmt.Errorf("cookie extraction only supported on macOS")
	}

	key, err := chromiumEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	cookiesPath := filepath.Join(home, "Library", "Application Support", "Claude", "Cookies")
	srcData, err := os.ReadFile(cookiesPath)
	if err != nil {
		return nil, fmt.Errorf("read cookie store: %w", err)
	}

	tmp, err := os.CreateTemp("", "usagevault-cookies-*.db")
	if err != nil {
		return nil, fmt.Errorf("temp cookie copy: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)
	if err := os.WriteFile(tmpPath, srcData, 0o600); err != nil {
		return nil, fmt.Errorf("write cookie copy: %w", err)
	}

	db, err := sql.Open("sqlite3", tmpPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open cookie copy: %w", err)
	}
	defer db.Close()

	wanted := []string{"sessionKey", "cf_clearance", "anthropic-device-id", "lastActiveOrg", "__cf_bm"}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(wanted)), ",")
	args := make([]any, len(wanted))
	for i, name := range wanted {
		args[i] = name
	}

	rows, err := db.Query(fmt.Sprintf(
		"SELECT name, encrypted_value FROM cookies WHERE host_key LIKE '%%claude.ai%%' AND name IN (%s)",
		placeholders,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("query cookies: %w", err)
	}
	defer rows.Close()

	cookies := make(map[string]string)
	for rows.Next() {
		var (
			name     string
			encValue []byte
		)
		if err := rows.Scan(&name, &encValue); err != nil {
			continue
		}
		value, err := decryptChromiumCookie(encValue, key)
		if err != nil {
			continue
		}
		cookies[name] = value
	}
	if _, ok := cookies["sessionKey"]; !ok {
		return nil, fmt.Errorf("sessionKey cookie not found (desktop app may not be logged in)")
	}
	return cookies, nil
}

// chromiumEncryptionKey derives the cookie key from the Safe Storage entry
// in the macOS keychain, the same derivation Chromium uses.
func chromiumEncryptionKey() ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-w", "-s", "Claude Safe Storage", "-a", "Claude").Output()
	if err != nil {
		return nil, fmt.Errorf("keychain lookup: %w", err)
	}
	password := strings.TrimSpace(string(out))
	return pbkdf2.Key([]byte(password), []byte("saltysalt"), 1003, 16, sha1.New), nil
}

// decryptChromiumCookie reverses Chromium's v10 cookie encryption: AES-CBC
// with a fixed space IV, PKCS7 padding, and a 32-byte integrity prefix.
func decryptChromiumCookie(encrypted, key []byte) (string, error) {
	if len(encrypted) < 3 || string(encrypted[:3]) != "v10" {
		return "", fmt.Errorf("unexpected cookie encryption format")
	}
	ciphertext := encrypted[3:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext not aligned to block size")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	iv := []byte("                ")
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	padLen := int(plaintext[len(plaintext)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(plaintext) {
		return "", fmt.Errorf("invalid padding")
	}
	plaintext = plaintext[:len(plaintext)-padLen]

	const integrityPrefixLen = 32
	if len(plaintext) <= integrityPrefixLen {
		return "", fmt.Errorf("decrypted value too short")
	}
	return string(plaintext[integrityPrefixLen:]), nil
}
