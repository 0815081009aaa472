// Package auth implements wallet-signature login: challenge issuance,
// replay protection via single-use nonces, and signature verification for
// EVM and Ed25519-curve wallets.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/apperrors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// WalletType distinguishes the two supported signature schemes
type WalletType string

const (
	WalletEVM     WalletType = "EVM"
	WalletEd25519 WalletType = "ED25519"
)

// ChallengeValidity is how long a challenge is acceptable after issuance
const ChallengeValidity = 300 * time.Second

// Challenge is issued to a wallet before login
type Challenge struct {
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
}

// VerifyRequest carries the signed challenge back from the wallet
type VerifyRequest struct {
	Signature string `json:"signature"`
	Address   string `json:"address"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// VerifyResult is the outcome of a verification attempt
type VerifyResult struct {
	WalletType WalletType `json:"wallet_type"`
	Address    string     `json:"address"`
	Valid      bool       `json:"valid"`
}

// ChallengeMessage reconstructs the exact text the wallet signs. The
// format is part of the wire contract and must not change.
func ChallengeMessage(timestamp int64, nonce string) string {
	return fmt.Sprintf("Please sign this message to confirm your identity.\nTimestamp: %d\nNonce: %s", timestamp, nonce)
}

// ClassifyAddress derives the wallet type from the address shape
func ClassifyAddress(address string) WalletType {
	if strings.HasPrefix(address, "0x") {
		return WalletEVM
	}
	return WalletEd25519
}

// Verifier issues challenges and verifies signed responses
type Verifier struct {
	nonces core.INonceStore
	logger core.ILogger
	nowFn  func() time.Time
}

// NewVerifier creates a wallet verifier backed by the given nonce store
func NewVerifier(nonces core.INonceStore, logger core.ILogger) *Verifier {
	return &Verifier{
		nonces: nonces,
		logger: logger.WithField("component", "wallet_verifier"),
		nowFn:  time.Now,
	}
}

// NewChallenge issues a fresh challenge with a 32-byte random nonce
func (v *Verifier) NewChallenge() (*Challenge, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ts := v.nowFn().Unix()
	nonce := base64.StdEncoding.EncodeToString(raw)
	return &Challenge{
		Timestamp: ts,
		Nonce:     nonce,
		Message:   ChallengeMessage(ts, nonce),
	}, nil
}

// Verify checks a signed challenge. The nonce is consumed before the
// signature is inspected, so even a failed attempt burns it.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	now := v.nowFn()
	issued := time.Unix(req.Timestamp, 0)

	drift := now.Sub(issued)
	if drift < 0 {
		drift = -drift
	}
	if drift > ChallengeValidity {
		return nil, apperrors.New(apperrors.CategoryAuth, "challenge_expired", apperrors.ErrChallengeExpired).
			WithUser("Login challenge expired, request a new one")
	}

	if err := v.nonces.Insert(ctx, req.Nonce, issued, issued.Add(ChallengeValidity)); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateNonce) {
			v.logger.Warn("Replayed login nonce rejected", "address", req.Address)
			return nil, apperrors.New(apperrors.CategoryAuth, "nonce_replayed", err).
				WithUser("Login challenge already used")
		}
		return nil, fmt.Errorf("nonce store failure: %w", err)
	}

	walletType := ClassifyAddress(req.Address)
	message := ChallengeMessage(req.Timestamp, req.Nonce)

	var err error
	switch walletType {
	case WalletEVM:
		err = verifyEVM(message, req.Address, req.Signature)
	case WalletEd25519:
		err = verifyEd25519(message, req.Address, req.Signature)
	}
	if err != nil {
		v.logger.Warn("Wallet signature verification failed",
			"address", req.Address, "wallet_type", walletType, "error", err)
		return nil, apperrors.New(apperrors.CategoryAuth, "invalid_signature", apperrors.ErrInvalidSignature).
			WithUser("Signature verification failed")
	}

	return &VerifyResult{WalletType: walletType, Address: req.Address, Valid: true}, nil
}

// verifyEVM recovers the signer from a personal-sign signature and
// compares it to the claimed address case-insensitively
func verifyEVM(message, address, signature string) error {
	sigHex := strings.TrimPrefix(signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("signature is not hex: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// Wallets emit V as 27/28; recovery wants 0/1
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	hash := ethcrypto.Keccak256([]byte(prefixed))

	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("public key recovery failed: %w", err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), address) {
		return fmt.Errorf("recovered address %s does not match %s", recovered.Hex(), address)
	}
	return nil
}

// verifyEd25519 treats the address as a base58 public key. Wallet tooling
// is inconsistent about signature encoding, so base58, base64 and hex are
// all accepted.
func verifyEd25519(message, address, signature string) error {
	pub, err := base58.Decode(address)
	if err != nil {
		return fmt.Errorf("address is not base58: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}

	sig, err := decodeSignature(signature)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig) {
		return fmt.Errorf("ed25519 verification failed")
	}
	return nil
}

func decodeSignature(signature string) ([]byte, error) {
	if sig, err := base58.Decode(signature); err == nil && len(sig) == ed25519.SignatureSize {
		return sig, nil
	}
	if sig, err := base64.StdEncoding.DecodeString(signature); err == nil && len(sig) == ed25519.SignatureSize {
		return sig, nil
	}
	if sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x")); err == nil && len(sig) == ed25519.SignatureSize {
		return sig, nil
	}
	return nil, fmt.Errorf("signature is not base58, base64 or hex")
}
