package wsencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"
)

// Mode selects the stream cipher construction, as advertised by the server in
// the handshake request.
type Mode string

const (
	ModeCFB8   Mode = "cfb8"   // AES-256-CFB8
	ModeCFB    Mode = "cfb"    // AES-256-CFB (128-bit feedback)
	ModeCFB128 Mode = "cfb128" // alias for cfb
)

// DefaultMode is used when the handshake omits the mode argument.
const DefaultMode = ModeCFB8

// ParseMode validates a wire mode string. The empty string maps to DefaultMode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return DefaultMode, nil
	case ModeCFB8, ModeCFB, ModeCFB128:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown cipher mode %q", s)
	}
}

// Channel holds the two independent stateful cipher contexts of an established
// handshake. Both are keyed identically and advance with the byte counts of
// their respective directions; the channel is immutable after construction
// apart from that per-byte stream state.
type Channel struct {
	mode Mode

	encMu sync.Mutex
	enc   cipher.Stream

	decMu sync.Mutex
	dec   cipher.Stream
}

// NewChannel builds the cipher pair for a derived session key. The IV is the
// first 16 bytes of the key.
func NewChannel(mode Mode, key [32]byte) (*Channel, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	iv := key[:aes.BlockSize]
	c := &Channel{mode: mode}
	switch mode {
	case ModeCFB8:
		c.enc = newCFB8(block, iv, false)
		c.dec = newCFB8(block, iv, true)
	case ModeCFB, ModeCFB128:
		c.enc = cipher.NewCFBEncrypter(block, iv)
		c.dec = cipher.NewCFBDecrypter(block, iv)
	default:
		return nil, fmt.Errorf("unknown cipher mode %q", mode)
	}
	return c, nil
}

// NewChannelFromSecret derives the session key from salt and ECDH shared
// secret and builds the channel in one step.
func NewChannelFromSecret(mode Mode, salt, shared []byte) (*Channel, error) {
	key := SessionKey(salt, shared)
	return NewChannel(mode, key)
}

// Mode returns the negotiated cipher mode.
func (c *Channel) Mode() Mode { return c.mode }

// Encrypt advances the outbound stream over p and returns the ciphertext.
func (c *Channel) Encrypt(p []byte) []byte {
	out := make([]byte, len(p))
	c.encMu.Lock()
	c.enc.XORKeyStream(out, p)
	c.encMu.Unlock()
	return out
}

// Decrypt advances the inbound stream over p and returns the plaintext.
func (c *Channel) Decrypt(p []byte) []byte {
	out := make([]byte, len(p))
	c.decMu.Lock()
	c.dec.XORKeyStream(out, p)
	c.decMu.Unlock()
	return out
}
