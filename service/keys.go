package service

import (
	"context"
	"fmt"

	"neargate/crypto"
	"neargate/neartx"
	"neargate/nearrpc"
)

// registerKey submits an AddKey for pub on the master account, signed by the
// master key. The master nonce is consumed win or lose.
func (s *Service) registerKey(ctx context.Context, key *crypto.PrivateKey) error {
	action := neartx.NewAddKey(neartx.PublicKeyFrom(key.PubKey()), neartx.FullAccessKey())
	return s.submitAdmin(ctx, action)
}

// unregisterKey removes pub from the master account. Best-effort: rotation
// proceeds even when the delete fails, the stale key simply lingers on-chain.
func (s *Service) unregisterKey(ctx context.Context, pub string) error {
	parsed, err := crypto.ParsePublicKey(pub)
	if err != nil {
		return err
	}
	action := neartx.NewDeleteKey(neartx.PublicKeyFrom(parsed))
	return s.submitAdmin(ctx, action)
}

// submitAdmin signs and broadcasts a single-action transaction on the master
// account with the master key.
func (s *Service) submitAdmin(ctx context.Context, action neartx.Action) error {
	account := s.cfg.MasterAccountID
	masterPub := s.masterKey.PubKey().String()

	n, err := s.nonces.Next(account, masterPub)
	if err != nil {
		return fmt.Errorf("master nonce: %w", err)
	}
	blockHash, err := s.rpc.RecentBlockHash(ctx)
	if err != nil {
		s.nonces.Release(account, masterPub, false, false)
		return err
	}
	tx := &neartx.Transaction{
		SignerID:   account,
		PublicKey:  neartx.PublicKeyFrom(s.masterKey.PubKey()),
		Nonce:      n,
		ReceiverID: account,
		BlockHash:  blockHash,
		Actions:    []neartx.Action{action},
	}
	signed, err := neartx.Sign(tx, s.masterKey)
	if err != nil {
		s.nonces.Release(account, masterPub, false, false)
		return err
	}
	if _, err := s.rpc.Submit(ctx, signed); err != nil {
		s.nonces.Release(account, masterPub, false, nearrpc.IsNonceDrift(err))
		return err
	}
	s.nonces.Release(account, masterPub, true, false)
	return nil
}

// RotateKey replaces the signing key at index with a freshly generated one:
// AddKey for the replacement, registry swap, DeleteKey for the old key. The
// master key at slot 0 is not rotatable.
func (s *Service) RotateKey(ctx context.Context, index int) (string, error) {
	if index == 0 {
		return "", fmt.Errorf("master key is not rotatable")
	}
	if index < 0 || index >= s.keys.Len() {
		return "", fmt.Errorf("key index %d out of range", index)
	}

	replacement, err := crypto.GeneratePrivateKey()
	if err != nil {
		return "", err
	}
	if err := s.registerKey(ctx, replacement); err != nil {
		return "", fmt.Errorf("register replacement key: %w", err)
	}

	newPub := replacement.PubKey().String()
	oldPub, ok := s.keys.Rotate(index, replacement)
	if !ok {
		return "", fmt.Errorf("key index %d out of range", index)
	}
	s.extraKeys[index-1] = replacement
	s.nonces.Forget(s.cfg.MasterAccountID, oldPub)

	if err := s.nonces.Refresh(ctx, s.cfg.MasterAccountID, newPub); err != nil {
		return "", fmt.Errorf("replacement key nonce: %w", err)
	}
	s.keys.Activate(index)

	if err := s.unregisterKey(ctx, oldPub); err != nil {
		s.log.Warn("old key delete failed, key remains on-chain", "publicKey", oldPub, "err", err)
	}
	s.log.Info("signing key rotated", "index", index, "old", oldPub, "new", newPub)
	return newPub, nil
}
