package cryptocodec

// EncryptVSC1 encrypts plaintext into the VSC1 shape: IV ‖ ciphertext‖tag.
// Used for blobs below the streaming threshold.
func (e *Engine) EncryptVSC1(plaintext []byte) ([]byte, error) {
	iv, ciphertext, err := e.encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptVSC1 reverses EncryptVSC1. It fails with KindFormat if data is
// shorter than the IV, and KindAuthentication if the GCM tag does not verify.
func (e *Engine) DecryptVSC1(data []byte) ([]byte, error) {
	if len(data) < IVSize {
		return nil, formatErr(-1, "vsc1: ciphertext shorter than iv (%d < %d)", len(data), IVSize)
	}
	iv, ciphertext := data[:IVSize], data[IVSize:]
	if len(ciphertext) < TagSize {
		return nil, formatErr(-1, "vsc1: ciphertext shorter than tag (%d < %d)", len(ciphertext), TagSize)
	}
	return e.decrypt(iv, ciphertext, -1)
}
