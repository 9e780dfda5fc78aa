package wallet

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signing errors.
var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrReadOnlySigner    = errors.New("wallet: signer is read-only")
	ErrRemoteSigner      = errors.New("wallet: remote signer request failed")
)

// SigningBackend signs transactions on behalf of the wallet. Implementations
// never expose key material to callers.
type SigningBackend interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	Kind() string
}

// LocalSigner holds a hot key in process memory. Suitable for the autonomous
// tier where amounts at risk are small.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalSigner parses a hex private key, with or without 0x prefix.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	trimmed := strings.TrimPrefix(hexKey, "0x")
	if len(trimmed) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(*pub)}, nil
}

func (s *LocalSigner) Address() common.Address { return s.address }
func (s *LocalSigner) Kind() string            { return "local" }

func (s *LocalSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign transaction: %w", err)
	}
	return signed, nil
}

// RemoteSigner delegates signing to an external service holding the key.
// The service receives the RLP-encoded unsigned transaction and returns the
// signed encoding.
type RemoteSigner struct {
	url     string
	address common.Address
	client  *http.Client
}

// NewRemoteSigner creates a signer backed by an HTTP signing service.
func NewRemoteSigner(url string, address common.Address) *RemoteSigner {
	return &RemoteSigner{
		url:     url,
		address: address,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *RemoteSigner) Address() common.Address { return s.address }
func (s *RemoteSigner) Kind() string            { return "remote" }

type remoteSignRequest struct {
	UnsignedTx string `json:"unsignedTx"`
	ChainID    string `json:"chainId"`
	From       string `json:"from"`
}

type remoteSignResponse struct {
	SignedTx string `json:"signedTx"`
	Error    string `json:"error,omitempty"`
}

func (s *RemoteSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("wallet: encode unsigned tx: %w", err)
	}

	body, err := json.Marshal(remoteSignRequest{
		UnsignedTx: "0x" + hex.EncodeToString(raw),
		ChainID:    chainID.String(),
		From:       s.address.Hex(),
	})
	if err != nil {
		return nil, fmt.Errorf("wallet: encode sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteSigner, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteSigner, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRemoteSigner, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRemoteSigner, resp.StatusCode, string(data))
	}

	var out remoteSignResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrRemoteSigner, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemoteSigner, out.Error)
	}

	signedRaw, err := hex.DecodeString(strings.TrimPrefix(out.SignedTx, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: decode signed tx: %v", ErrRemoteSigner, err)
	}
	var signed types.Transaction
	if err := signed.UnmarshalBinary(signedRaw); err != nil {
		return nil, fmt.Errorf("%w: parse signed tx: %v", ErrRemoteSigner, err)
	}

	// The service must sign with the expected key.
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), &signed)
	if err != nil {
		return nil, fmt.Errorf("%w: recover sender: %v", ErrRemoteSigner, err)
	}
	if sender != s.address {
		return nil, fmt.Errorf("%w: signed by %s, expected %s", ErrRemoteSigner, sender.Hex(), s.address.Hex())
	}
	return &signed, nil
}

// HardwareSigner represents a key the process can never use directly. It
// backs the manual tier: SignTx always refuses, and callers use
// PrepareForSigning to export the unsigned transaction instead.
type HardwareSigner struct {
	address common.Address
}

// NewHardwareSigner creates a read-only signer for the given address.
func NewHardwareSigner(address common.Address) *HardwareSigner {
	return &HardwareSigner{address: address}
}

func (s *HardwareSigner) Address() common.Address { return s.address }
func (s *HardwareSigner) Kind() string            { return "hardware" }

func (s *HardwareSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return nil, ErrReadOnlySigner
}

// UnsignedTx is an export of a fully-prepared transaction awaiting an
// external signing ceremony.
type UnsignedTx struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Nonce       uint64 `json:"nonce"`
	GasLimit    uint64 `json:"gasLimit"`
	MaxFee      string `json:"maxFeePerGas"`
	MaxTip      string `json:"maxPriorityFeePerGas"`
	Data        string `json:"data"`
	ChainID     string `json:"chainId"`
	RawRLP      string `json:"rawRlp"`
	SigningHash string `json:"signingHash"`
}

// PrepareForSigning serializes the transaction for external signing. Works
// with any backend; the manual tier relies on it exclusively.
func PrepareForSigning(from common.Address, tx *types.Transaction, chainID *big.Int) (*UnsignedTx, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("wallet: encode unsigned tx: %w", err)
	}
	to := ""
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	hash := types.LatestSignerForChainID(chainID).Hash(tx)
	return &UnsignedTx{
		From:        from.Hex(),
		To:          to,
		Value:       tx.Value().String(),
		Nonce:       tx.Nonce(),
		GasLimit:    tx.Gas(),
		MaxFee:      tx.GasFeeCap().String(),
		MaxTip:      tx.GasTipCap().String(),
		Data:        "0x" + hex.EncodeToString(tx.Data()),
		ChainID:     chainID.String(),
		RawRLP:      "0x" + hex.EncodeToString(raw),
		SigningHash: hash.Hex(),
	}, nil
}
