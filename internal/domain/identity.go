package domain

import "strconv"

type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseUserID parses a decimal user id; zero and negative ids are rejected.
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidIdentity
	}

	return UserID(n), nil
}

// Identity is who is speaking on a connection. It never changes while the connection lives.
type Identity struct {
	ID       UserID `json:"id"`
	Nickname string `json:"nickname"`
}

func (i Identity) IsZero() bool {
	return i.ID == 0
}

// DirectoryEntry is one row of the user directory: every known identity,
// online or not.
type DirectoryEntry struct {
	Identity
	Online bool `json:"online"`
}
