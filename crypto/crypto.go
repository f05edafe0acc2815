// Package crypto отвечает за защиту персональных данных: обратимое
// шифрование полей перед записью в базу и маскирование значений в логах.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
)

var ErrEmptyKey = errors.New("crypto: пустой ключ шифрования")

// Cipher шифрует и расшифровывает строки ключом процесса (AES-256-GCM).
// Значение создаётся один раз на старте и передаётся сервисам явно.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher принимает ключ из окружения: 64 hex-символа или произвольную
// строку, из которой ключ выводится через SHA-256.
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	var material []byte
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == 32 {
		material = raw
	} else {
		sum := sha256.Sum256([]byte(key))
		material = sum[:]
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt возвращает base64(nonce|ciphertext). Пустая строка не шифруется.
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает значение. Любая ошибка означает, что перед нами
// не наш шифротекст (данные до миграции), и вход возвращается как есть.
func (c *Cipher) Decrypt(value string) string {
	if value == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil || len(raw) <= c.aead.NonceSize() {
		return value
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return value
	}
	return string(plain)
}

// IsEncrypted сообщает, расшифровывается ли значение нашим ключом.
// Используется инструментами миграции легаси-данных.
func (c *Cipher) IsEncrypted(value string) bool {
	if value == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil || len(raw) <= c.aead.NonceSize() {
		return false
	}
	_, err = c.aead.Open(nil, raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():], nil)
	return err == nil
}
