// cipher.go - encrypt/decrypt routines for stored documents

package docdb

import (
	"fmt"

	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"golang.org/x/crypto/sha3"
)

type encryptor struct {
	hkey []byte
	ae   cipher.AEAD
}

// make a new encryptor with the given key
func newEncryptor(key []byte) (*encryptor, error) {
	keymat := expand(32+32, key, "DB Encryption Keys")

	key, keymat = keymat[:32], keymat[32:]
	hkey := keymat[:32]

	aes, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}

	ae, err := cipher.NewGCM(aes)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}

	c := &encryptor{
		hkey: hkey,
		ae:   ae,
	}
	return c, nil
}

// dbKey hides a document key behind a keyed hash.
func (c *encryptor) dbKey(k string) []byte {
	h := sha3.New256()
	h.Write(c.hkey)
	h.Write([]byte(k))
	return h.Sum(nil)
}

// seal encrypts pt; the stored key is bound to the ciphertext so that
// values cannot be swapped between keys.
func (c *encryptor) seal(key, pt []byte) []byte {
	nl := c.ae.NonceSize()

	ct := make([]byte, nl, nl+len(pt)+c.ae.Overhead())
	randfill(ct)
	return c.ae.Seal(ct, ct[:nl], pt, key)
}

func (c *encryptor) open(key, ct []byte) ([]byte, error) {
	nl := c.ae.NonceSize()
	if len(ct) < nl+c.ae.Overhead() {
		return nil, fmt.Errorf("aes-gcm decrypt: buf len %d too small", len(ct))
	}

	nonce, ct := ct[:nl], ct[nl:]
	pt, err := c.ae.Open(nil, nonce, ct, key)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm decrypt: %w", err)
	}
	return pt, nil
}

func expand(n int, secret []byte, ctx string, ad ...[]byte) []byte {
	h := sha3.NewCShake256(nil, []byte(ctx))
	h.Write(secret)
	for i := range ad {
		h.Write(ad[i])
	}

	out := make([]byte, n)
	h.Read(out)
	return out
}

func randfill(b []byte) []byte {
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("rand: %s", err))
	}
	return b
}
