package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Address derived from testKeyHex.
const testKeyAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestLocalSignerDerivesAddress(t *testing.T) {
	s, err := NewLocalSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new local signer: %v", err)
	}
	if s.Address() != common.HexToAddress(testKeyAddr) {
		t.Errorf("wrong derived address: %s", s.Address().Hex())
	}
	if s.Kind() != "local" {
		t.Errorf("wrong kind: %s", s.Kind())
	}

	// The 0x prefix is accepted too.
	s2, err := NewLocalSigner("0x" + testKeyHex)
	if err != nil {
		t.Fatalf("prefixed key rejected: %v", err)
	}
	if s2.Address() != s.Address() {
		t.Error("prefixed key derived a different address")
	}
}

func TestLocalSignerRejectsBadKeys(t *testing.T) {
	for _, bad := range []string{"", "abc", strings.Repeat("g", 64)} {
		if _, err := NewLocalSigner(bad); !errors.Is(err, ErrInvalidPrivateKey) {
			t.Errorf("key %q: expected ErrInvalidPrivateKey, got %v", bad, err)
		}
	}
}

func TestLocalSignerSignsRecoverably(t *testing.T) {
	s, err := NewLocalSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new local signer: %v", err)
	}

	signed, err := s.SignTx(context.Background(), testTx(), testChainID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(testChainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != s.Address() {
		t.Errorf("recovered sender %s, expected %s", sender.Hex(), s.Address().Hex())
	}
}

func TestHardwareSignerRefuses(t *testing.T) {
	s := NewHardwareSigner(common.HexToAddress(testKeyAddr))
	if _, err := s.SignTx(context.Background(), testTx(), testChainID); !errors.Is(err, ErrReadOnlySigner) {
		t.Fatalf("expected ErrReadOnlySigner, got %v", err)
	}
	if s.Kind() != "hardware" {
		t.Errorf("wrong kind: %s", s.Kind())
	}
}

// remoteSignHandler signs with the given key, standing in for the external
// signing service.
func remoteSignHandler(t *testing.T, keyHex string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req remoteSignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		raw, err := hex.DecodeString(strings.TrimPrefix(req.UnsignedTx, "0x"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var tx types.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			t.Errorf("parse service key: %v", err)
			return
		}
		signed, err := types.SignTx(&tx, types.LatestSignerForChainID(testChainID), key)
		if err != nil {
			t.Errorf("service sign: %v", err)
			return
		}
		out, err := signed.MarshalBinary()
		if err != nil {
			t.Errorf("encode signed tx: %v", err)
			return
		}
		_ = json.NewEncoder(w).Encode(remoteSignResponse{
			SignedTx: "0x" + hex.EncodeToString(out),
		})
	}
}

func TestRemoteSignerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(remoteSignHandler(t, testKeyHex))
	defer srv.Close()

	s := NewRemoteSigner(srv.URL, common.HexToAddress(testKeyAddr))
	signed, err := s.SignTx(context.Background(), testTx(), testChainID)
	if err != nil {
		t.Fatalf("remote sign: %v", err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(testChainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != s.Address() {
		t.Errorf("recovered sender %s, expected %s", sender.Hex(), s.Address().Hex())
	}
}

func TestRemoteSignerRejectsWrongKey(t *testing.T) {
	// Service signs with a different key than the wallet expects.
	otherKey := "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	srv := httptest.NewServer(remoteSignHandler(t, otherKey))
	defer srv.Close()

	s := NewRemoteSigner(srv.URL, common.HexToAddress(testKeyAddr))
	if _, err := s.SignTx(context.Background(), testTx(), testChainID); !errors.Is(err, ErrRemoteSigner) {
		t.Fatalf("expected ErrRemoteSigner for wrong signing key, got %v", err)
	}
}

func TestRemoteSignerServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewRemoteSigner(srv.URL, common.HexToAddress(testKeyAddr))
	if _, err := s.SignTx(context.Background(), testTx(), testChainID); !errors.Is(err, ErrRemoteSigner) {
		t.Fatalf("expected ErrRemoteSigner, got %v", err)
	}
}

func TestPrepareForSigning(t *testing.T) {
	tx := testTx()
	from := common.HexToAddress(testKeyAddr)

	unsigned, err := PrepareForSigning(from, tx, testChainID)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if unsigned.From != from.Hex() {
		t.Errorf("wrong from: %s", unsigned.From)
	}
	if unsigned.To != tx.To().Hex() {
		t.Errorf("wrong to: %s", unsigned.To)
	}
	if unsigned.Nonce != tx.Nonce() || unsigned.GasLimit != tx.Gas() {
		t.Error("nonce or gas limit mismatch")
	}
	if unsigned.ChainID != testChainID.String() {
		t.Errorf("wrong chain id: %s", unsigned.ChainID)
	}
	if !strings.HasPrefix(unsigned.RawRLP, "0x") || len(unsigned.RawRLP) <= 2 {
		t.Error("raw encoding missing")
	}

	wantHash := types.LatestSignerForChainID(testChainID).Hash(tx).Hex()
	if unsigned.SigningHash != wantHash {
		t.Errorf("signing hash mismatch: %s != %s", unsigned.SigningHash, wantHash)
	}
}
