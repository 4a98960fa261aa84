package model

type AccountLevel string

const (
	AccountFree       AccountLevel = "free"
	AccountBasic      AccountLevel = "basic"
	AccountEnterprise AccountLevel = "enterprise"
)

const (
	FreeDailyLimit  = 30
	BasicDailyLimit = 100
)

// Quota is the persisted daily send budget. DailyLimit is stored for
// visibility but always recomputed from the account level on read; the file
// is not trusted to carry a limit that disagrees with the tier.
type Quota struct {
	AccountLevel  AccountLevel `json:"account_level"`
	DailyLimit    int          `json:"daily_limit"`
	UsedToday     int          `json:"used_today"`
	LastResetDate string       `json:"last_reset_date"`
	Blocked       bool         `json:"blocked"`
}

// LimitFor returns the per-day send cap for a tier; -1 means unlimited.
func LimitFor(level AccountLevel) int {
	switch level {
	case AccountEnterprise:
		return -1
	case AccountBasic:
		return BasicDailyLimit
	default:
		return FreeDailyLimit
	}
}

func ValidAccountLevel(level AccountLevel) bool {
	switch level {
	case AccountFree, AccountBasic, AccountEnterprise:
		return true
	}
	return false
}
