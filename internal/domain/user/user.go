package user

// User is a person bookings are made for. Credentials are passed through to the
// booking site untouched.
type User struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Credentials Credentials `json:"credentials"`
}

func (u User) Validate() error {
	if u.Name == "" {
		return errRequired("name")
	}
	if !u.Credentials.HasLogin() {
		return errRequired("email and password")
	}
	return nil
}
