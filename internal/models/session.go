package models

// Identity is the authenticated user a session runs as.
type Identity struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
}

// Empty reports whether no user is logged in.
func (i Identity) Empty() bool {
	return i.UserID == ""
}
