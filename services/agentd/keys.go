package agentd

import (
	"fmt"

	"polyswarmclient/config"
	"polyswarmclient/crypto"
	"polyswarmclient/internal/passphrase"
)

// loadKey resolves the signing key. A raw hex key wins over a keystore,
// which is decrypted with the passphrase from pass.
func loadKey(cfg config.SignerConfig, pass *passphrase.Source) (*crypto.PrivateKey, error) {
	if cfg.Key != "" {
		key, err := crypto.PrivateKeyFromHex(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("parse signer key: %w", err)
		}
		return key, nil
	}
	if cfg.Keystore == "" {
		return nil, fmt.Errorf("no signer key configured")
	}
	secret, err := pass.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(cfg.Keystore, secret)
	if err != nil {
		return nil, fmt.Errorf("unlock keystore: %w", err)
	}
	return key, nil
}
