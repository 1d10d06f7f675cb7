package signer

// Signer binds a private key to its derived identity. Multiple Signers may
// coexist in a process (e.g. test harnesses simulating several validators);
// there is no package-level state.
type Signer struct {
	priv PrivateKey
	id   NodeId
}

// New wraps priv as a Signer.
func New(priv PrivateKey) *Signer {
	return &Signer{priv: priv, id: priv.Public().Address()}
}

// NodeId returns this signer's address.
func (s *Signer) NodeId() NodeId { return s.id }

// PublicKey returns the underlying public key.
func (s *Signer) PublicKey() PublicKey { return s.priv.Public() }

// Sign signs a canonical string.
func (s *Signer) Sign(msg string) string { return Sign(s.priv, msg) }
