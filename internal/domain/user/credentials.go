package user

import "fmt"

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c Credentials) HasLogin() bool {
	return c.Email != "" && c.Password != ""
}

func errRequired(field string) error {
	return fmt.Errorf("%s required", field)
}
