package store

// Redis key layout. Everything mutable shares one keyspace; locks are
// scoped by purpose + match id so different protected sections never
// contend with each other.
const (
	lobbyKey   = "games:lobby"
	historyKey = "games:history"
)

func matchKey(id string) string        { return "game:" + id }
func sessionKey(token string) string   { return "session:" + token }
func paymentUsedKey(sig string) string { return "payused:" + sig }

func PayoutLockKey(id string) string  { return "payoutlock:" + id }
func RefundLockKey(id string) string  { return "refundlock:" + id }
func TimeoutLockKey(id string) string { return "timeoutlock:" + id }
func MoveLockKey(id string) string    { return "movelock:" + id }
func JoinLockKey(id string) string    { return "joinlock:" + id }
