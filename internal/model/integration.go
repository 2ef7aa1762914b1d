package model

type Integration struct {
	ID          string
	TeamID      string
	Service     string
	AccessToken string
	ExpiresAt   int64
	Revoked     bool
	Ctime       int64
	Mtime       int64
}

// Usable reports whether the stored credential can still be presented to the service.
func (i *Integration) Usable(now int64) bool {
	if i.Revoked || i.AccessToken == "" {
		return false
	}
	return i.ExpiresAt == 0 || i.ExpiresAt > now
}
