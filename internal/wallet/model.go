package wallet

import (
	"time"

	"github.com/congo-pay/ridepay/internal/ledger"
)

// OpenInput captures data required to open a wallet.
type OpenInput struct {
	Role  ledger.Role
	Phone string
	PIN   string
}

// Balance encapsulates available funds for an account.
type Balance struct {
	AccountID string
	Amount    int64
	AsOf      time.Time
}
