package cipher

import "testing"

func testSuite(t *testing.T) *Suite {
	t.Helper()
	var salt [SaltSize]byte
	copy(salt[:], "0123456789abcdef")
	key := DeriveKey("pw", salt)
	s, err := New(SuiteAEADMisuseResistant, key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSealOpenPageRoundTrip(t *testing.T) {
	s := testSuite(t)
	plaintext := make([]byte, 4096)
	for i := range plaintext {
		plaintext[i] = 'X'
	}

	ct, err := s.SealPage(7, 0, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := s.OpenPage(7, 0, ct)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != string(plaintext) {
		t.Fatalf("round trip mismatch")
	}
}

func TestOpenPageTamperedCiphertextFails(t *testing.T) {
	s := testSuite(t)
	plaintext := make([]byte, 4096)
	ct, err := s.SealPage(1, 0, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	cases := map[string][]byte{
		"flip nonce byte": flip(ct, 0),
		"flip ct byte":    flip(ct, 20),
		"flip tag byte":   flip(ct, len(ct)-1),
	}
	for name, tampered := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := s.OpenPage(1, 0, tampered); err == nil {
				t.Fatalf("expected integrity failure")
			}
		})
	}
}

func TestOpenPageWrongAADFails(t *testing.T) {
	s := testSuite(t)
	plaintext := make([]byte, 4096)
	ct, err := s.SealPage(1, 0, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s.OpenPage(1, 1, ct); err == nil {
		t.Fatalf("expected failure decrypting with wrong epoch")
	}
	if _, err := s.OpenPage(2, 0, ct); err == nil {
		t.Fatalf("expected failure decrypting with wrong page id")
	}
}

func TestSealFrameRoundTrip(t *testing.T) {
	s := testSuite(t)
	payload := []byte("hello wal frame")
	ct, err := s.SealFrame(128, payload)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := s.OpenFrame(128, ct)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != string(payload) {
		t.Fatalf("round trip mismatch")
	}
	if _, err := s.OpenFrame(129, ct); err == nil {
		t.Fatalf("expected failure decrypting with wrong lsn")
	}
}

func TestPlaintextSuiteIsIdentity(t *testing.T) {
	var key [32]byte
	s, err := New(SuitePlaintext, key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("not encrypted")
	ct, err := s.SealPage(1, 0, data)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if string(ct) != string(data) {
		t.Fatalf("plaintext suite must be identity")
	}
}

func TestSealPageNonceIsRandomPerCall(t *testing.T) {
	s := testSuite(t)
	plaintext := make([]byte, 4096)
	ct1, err := s.SealPage(1, 0, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ct2, err := s.SealPage(1, 0, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if string(ct1) == string(ct2) {
		t.Fatalf("two seals of the same (page_id, epoch, plaintext) must not produce identical ciphertext")
	}
	if string(ct1[:NonceSize]) == string(ct2[:NonceSize]) {
		t.Fatalf("nonce must differ between calls")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	var salt [SaltSize]byte
	copy(salt[:], "saltsaltsaltsalt")
	k1 := DeriveKey("pw", salt)
	k2 := DeriveKey("pw", salt)
	if k1 != k2 {
		t.Fatalf("DeriveKey must be deterministic for the same passphrase/salt")
	}
	k3 := DeriveKey("other", salt)
	if k1 == k3 {
		t.Fatalf("different passphrases must derive different keys")
	}
}

func flip(in []byte, idx int) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	out[idx] ^= 0xFF
	return out
}
