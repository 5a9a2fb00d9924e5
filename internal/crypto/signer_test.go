package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var testExchange = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")

func testOrder(addr common.Address) OrderPayload {
	return OrderPayload{
		Salt:          "12345",
		Maker:         addr.Hex(),
		Signer:        addr.Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount:   "4500000",
		TakerAmount:   "10000000",
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          0,
		SignatureType: 0,
	}
}

func TestSignOrderRecoversSigner(t *testing.T) {
	s, err := NewSigner(NewSecret(testKeyHex), 137, testExchange)
	if err != nil {
		t.Fatal(err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("signer address not derived")
	}

	order := testOrder(s.Address())
	sigHex, err := s.SignOrder(order)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != 65 {
		t.Fatalf("bad signature %q: %v", sigHex, err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v = %d, want 27 or 28", sig[64])
	}

	digest, err := s.OrderDigest(order)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatal(err)
	}
	if got := ethcrypto.PubkeyToAddress(*pub); got != s.Address() {
		t.Fatalf("recovered %s, want %s", got, s.Address())
	}
}

func TestSignOrderDeterministic(t *testing.T) {
	s, err := NewSigner(NewSecret("0x"+testKeyHex), 137, testExchange)
	if err != nil {
		t.Fatal(err)
	}
	order := testOrder(s.Address())
	a, _ := s.SignOrder(order)
	b, _ := s.SignOrder(order)
	if a != b {
		t.Fatal("identical orders should produce identical signatures")
	}

	order.Salt = "12346"
	c, _ := s.SignOrder(order)
	if c == a {
		t.Fatal("salt must change the signature")
	}
}

func TestSignOrderInvalidField(t *testing.T) {
	s, err := NewSigner(NewSecret(testKeyHex), 137, testExchange)
	if err != nil {
		t.Fatal(err)
	}
	order := testOrder(s.Address())
	order.MakerAmount = "4.5"
	if _, err := s.SignOrder(order); err == nil {
		t.Fatal("expected error for non-integer amount")
	}
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	if _, err := NewSigner(Secret{}, 137, testExchange); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := NewSigner(NewSecret("not-hex"), 137, testExchange); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestSignAuthMessage(t *testing.T) {
	s, err := NewSigner(NewSecret(testKeyHex), 137, testExchange)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := s.SignAuthMessage(1700000000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != 2+130 {
		t.Fatalf("signature length %d", len(sig))
	}
}
