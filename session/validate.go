package session

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func validateTokens(t TokenSet) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid token response: %w", err)
	}
	return nil
}

func validateUser(u User) error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("invalid user info: %w", err)
	}
	return nil
}
