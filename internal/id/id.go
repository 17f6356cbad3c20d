package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Generate returns a 48-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
func Generate() string {
	id, err := gonanoid.Generate("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", 48)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// Suffix returns a short lowercase hex id used as the cosmetic suffix of
// control request ids. Uniqueness comes from the caller's counter, not
// from this value.
func Suffix() string {
	id, err := gonanoid.Generate("0123456789abcdef", 12)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
