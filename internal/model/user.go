package model

// UserProfile is the provisioned record at users/{uid}. The directory service
// owns these; this server only reads them.
type UserProfile struct {
	UID   string `json:"uid,omitempty"`
	Role  Role   `json:"role"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Principal is the authenticated identity for a single request. It is derived
// from a verified credential plus the user's profile and never persisted.
type Principal struct {
	UID   string `json:"uid"`
	Role  Role   `json:"role"`
	Email string `json:"email"`
}
