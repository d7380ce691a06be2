package security

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// =============================================================================
// Validation Tests
// =============================================================================

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"shorter than max", "blur", 50, "blur"},
		{"exactly max", "abcde", 5, "abcde"},
		{"clipped", "abcdef", 5, "abcde"},
		{"zero max", "abc", 0, ""},
		{"negative max", "abc", -1, ""},
		{"empty", "", 10, ""},
		{"multibyte at boundary", "héllo wörld", 7, "héllo w"},
		{"only multibyte", "ééééé", 3, "ééé"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateRunes(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("TruncateRunes(%q, %d) produced invalid UTF-8", tt.in, tt.max)
			}
		})
	}
}

func TestTruncateRunesInvalidUTF8(t *testing.T) {
	in := "ab\xffcd"
	got := TruncateRunes(in, 10)
	if got != "abcd" {
		t.Errorf("TruncateRunes(%q, 10) = %q, want %q", in, got, "abcd")
	}
}

func TestSanitizeField(t *testing.T) {
	long := strings.Repeat("x", 60)
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"plain", "fullscreen_exit", 50, "fullscreen_exit"},
		{"null bytes stripped", "bl\x00ur", 50, "blur"},
		{"clipped to max", long, 50, long[:50]},
		{"empty stays empty", "", 50, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeField(tt.in, tt.max); got != tt.want {
				t.Errorf("SanitizeField(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestValidateUTF8(t *testing.T) {
	if err := ValidateUTF8("exam-42"); err != nil {
		t.Errorf("ValidateUTF8 rejected clean input: %v", err)
	}
	if err := ValidateUTF8("a\x00b"); !errors.Is(err, ErrNullByte) {
		t.Errorf("ValidateUTF8 null byte error = %v, want %v", err, ErrNullByte)
	}
	if err := ValidateUTF8("a\xffb"); !errors.Is(err, ErrInvalidUTF8) {
		t.Errorf("ValidateUTF8 bad encoding error = %v, want %v", err, ErrInvalidUTF8)
	}
}

func TestDecodeKeyHex(t *testing.T) {
	hexKey, err := GenerateKeyHex(RecommendedKeySize)
	if err != nil {
		t.Fatalf("GenerateKeyHex: %v", err)
	}

	key, err := DecodeKeyHex(hexKey)
	if err != nil {
		t.Fatalf("DecodeKeyHex: %v", err)
	}
	if len(key) != RecommendedKeySize {
		t.Errorf("decoded key length = %d, want %d", len(key), RecommendedKeySize)
	}

	if _, err := DecodeKeyHex("not hex"); err == nil {
		t.Error("DecodeKeyHex accepted non-hex input")
	}
	if _, err := DecodeKeyHex(strings.Repeat("00", 32)); !errors.Is(err, ErrWeakKey) {
		t.Errorf("DecodeKeyHex all-zeros error = %v, want %v", err, ErrWeakKey)
	}
	if _, err := DecodeKeyHex("abcd"); !errors.Is(err, ErrWeakKey) {
		t.Errorf("DecodeKeyHex short key error = %v, want %v", err, ErrWeakKey)
	}
}

// =============================================================================
// Crypto Tests
// =============================================================================

func TestDeriveKeyWithLabel(t *testing.T) {
	master, err := GenerateKey(RecommendedKeySize)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	a, err := DeriveKeyWithLabel(master, "session-token", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel: %v", err)
	}
	b, err := DeriveKeyWithLabel(master, "session-token", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel: %v", err)
	}
	if !SecureCompare(a, b) {
		t.Error("same label derived different keys")
	}

	c, err := DeriveKeyWithLabel(master, "other", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel: %v", err)
	}
	if SecureCompare(a, c) {
		t.Error("different labels derived the same key")
	}
}

func TestSecureCompare(t *testing.T) {
	tests := []struct {
		a, b  []byte
		equal bool
	}{
		{[]byte("hello"), []byte("hello"), true},
		{[]byte("hello"), []byte("world"), false},
		{[]byte("hello"), []byte("hell"), false},
		{[]byte{}, []byte{}, true},
		{nil, nil, true},
	}

	for _, tt := range tests {
		if got := SecureCompare(tt.a, tt.b); got != tt.equal {
			t.Errorf("SecureCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.equal)
		}
	}
}

// =============================================================================
// Token Tests
// =============================================================================

func testAuthority(t *testing.T, ttl time.Duration) *TokenAuthority {
	t.Helper()
	master, err := GenerateKey(RecommendedKeySize)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	auth, err := NewTokenAuthority(master, ttl)
	if err != nil {
		t.Fatalf("NewTokenAuthority: %v", err)
	}
	return auth
}

func TestTokenMintVerify(t *testing.T) {
	auth := testAuthority(t, time.Hour)

	want := Identity{AttemptID: "att-1", SessionID: "exam-9", UserID: 42}
	token, err := auth.Mint(want)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	got, err := auth.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if *got != want {
		t.Errorf("Verify identity = %+v, want %+v", *got, want)
	}
}

func TestTokenTampered(t *testing.T) {
	auth := testAuthority(t, time.Hour)

	token, err := auth.Mint(Identity{AttemptID: "att-1", SessionID: "exam-9", UserID: 42})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tampered := "A" + token[1:]
	if _, err := auth.Verify(tampered); !errors.Is(err, ErrTokenSignature) {
		t.Errorf("Verify tampered token error = %v, want %v", err, ErrTokenSignature)
	}
}

func TestTokenMalformed(t *testing.T) {
	auth := testAuthority(t, time.Hour)

	for _, token := range []string{"", "nodot", ".", "a.", ".b"} {
		if _, err := auth.Verify(token); !errors.Is(err, ErrTokenMalformed) {
			t.Errorf("Verify(%q) error = %v, want %v", token, err, ErrTokenMalformed)
		}
	}
}

func TestTokenWrongKey(t *testing.T) {
	auth := testAuthority(t, time.Hour)
	other := testAuthority(t, time.Hour)

	token, err := auth.Mint(Identity{AttemptID: "att-1", SessionID: "exam-9", UserID: 42})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := other.Verify(token); !errors.Is(err, ErrTokenSignature) {
		t.Errorf("Verify with wrong key error = %v, want %v", err, ErrTokenSignature)
	}
}

func TestTokenExpired(t *testing.T) {
	auth := testAuthority(t, -time.Minute)

	token, err := auth.Mint(Identity{AttemptID: "att-1", SessionID: "exam-9", UserID: 42})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := auth.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify expired token error = %v, want %v", err, ErrTokenExpired)
	}
}

func TestTokenNoTTL(t *testing.T) {
	auth := testAuthority(t, 0)

	token, err := auth.Mint(Identity{AttemptID: "att-1", SessionID: "exam-9", UserID: 42})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := auth.Verify(token); err != nil {
		t.Errorf("Verify without ttl: %v", err)
	}
}

// =============================================================================
// Rate Limiting Tests
// =============================================================================

func TestRateLimiterBurst(t *testing.T) {
	limiter := NewRateLimiter(1.0, 3)

	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d within burst was limited", i+1)
		}
	}
	if limiter.Allow() {
		t.Error("request beyond burst was allowed")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	limiter := NewRateLimiter(100.0, 1)

	if !limiter.Allow() {
		t.Fatal("first request was limited")
	}
	if limiter.Allow() {
		t.Fatal("second immediate request was allowed")
	}

	time.Sleep(20 * time.Millisecond)
	if !limiter.Allow() {
		t.Error("request after refill was limited")
	}
}

func TestRateLimiterBlock(t *testing.T) {
	limiter := NewRateLimiter(100.0, 10)

	limiter.Block(time.Hour)
	if limiter.Allow() {
		t.Error("blocked limiter allowed a request")
	}

	limiter.Reset()
	if !limiter.Allow() {
		t.Error("reset limiter still blocked")
	}
}

func TestKeyRateLimiterIsolation(t *testing.T) {
	krl := NewKeyRateLimiter(1.0, 1, time.Minute)
	defer krl.Close()

	if !krl.Allow("attempt-a") {
		t.Fatal("first request for attempt-a was limited")
	}
	if krl.Allow("attempt-a") {
		t.Error("second request for attempt-a was allowed")
	}
	if !krl.Allow("attempt-b") {
		t.Error("attempt-b was limited by attempt-a's bucket")
	}
}
