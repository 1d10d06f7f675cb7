package wire

import (
	"fmt"
	"math/big"
)

// BigInt marshals as a decimal string, per the wire payload rule that
// BigInt fields are serialized as decimal strings and restored to numeric
// types by the receiver.
type BigInt struct {
	*big.Int
}

// NewBigInt wraps v.
func NewBigInt(v int64) BigInt {
	return BigInt{big.NewInt(v)}
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	if b.Int == nil {
		return []byte(`"0"`), nil
	}
	return []byte(fmt.Sprintf("%q", b.Int.String())), nil
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid decimal big integer: %q", s)
	}
	b.Int = v
	return nil
}

// U64String marshals a uint64 as a decimal string.
type U64String uint64

func (u U64String) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", fmt.Sprintf("%d", uint64(u)))), nil
}

func (u *U64String) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fmt.Errorf("invalid decimal uint64: %q", s)
	}
	*u = U64String(v)
	return nil
}
