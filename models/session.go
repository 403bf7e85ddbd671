package models

// Session binds a wallet identity to (at most) one match. It replaces
// per-move signatures: identity is proven once by the signed deposit, then
// carried by this short-lived opaque token.
type Session struct {
	Pubkey    string `json:"pubkey"`
	CreatedAt int64  `json:"createdAt"`
	GameID    string `json:"gameId,omitempty"`
}
