package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Nonce binds one signed state-changing call. A nonce is spent by the change
// it authorized and can't authorize another one until it expires, after
// which the expiry alone refuses it.
type Nonce struct {
	Caller common.Address
	Value  string
	Expiry time.Time
}

// Key identifies the nonce within the state.
func (n Nonce) Key() string {
	return strings.ToLower(n.Caller.Hex()) + ":" + n.Value
}

type nonceKey struct{}

// WithNonce attaches n to ctx. Mutating ledger calls made with that context
// spend it on success and are refused if it is expired or already spent.
func WithNonce(ctx context.Context, n Nonce) context.Context {
	return context.WithValue(ctx, nonceKey{}, &n)
}

func nonceFrom(ctx context.Context) *Nonce {
	n, _ := ctx.Value(nonceKey{}).(*Nonce)
	return n
}

func checkNonce(n *Nonce, view View) error {
	if n == nil {
		return nil
	}
	if !Now().Before(n.Expiry) {
		return ErrRequestExpired
	}
	if view.NonceUsed {
		return ErrNonceUsed
	}
	return nil
}
