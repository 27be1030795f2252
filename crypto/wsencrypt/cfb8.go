package wsencrypt

import "crypto/cipher"

// cfb8 is AES CFB with 8-bit feedback. The standard library only ships the
// 128-bit feedback variant, so the per-byte shift register is done here.
type cfb8 struct {
	block   cipher.Block
	sr      []byte // shift register, one block wide
	tmp     []byte
	decrypt bool
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) cipher.Stream {
	s := &cfb8{
		block:   block,
		sr:      make([]byte, block.BlockSize()),
		tmp:     make([]byte, block.BlockSize()),
		decrypt: decrypt,
	}
	copy(s.sr, iv)
	return s
}

func (s *cfb8) XORKeyStream(dst, src []byte) {
	for i := 0; i < len(src); i++ {
		s.block.Encrypt(s.tmp, s.sr)
		in := src[i]
		out := in ^ s.tmp[0]
		// The shift register is always fed the ciphertext byte.
		fed := out
		if s.decrypt {
			fed = in
		}
		copy(s.sr, s.sr[1:])
		s.sr[len(s.sr)-1] = fed
		dst[i] = out
	}
}
