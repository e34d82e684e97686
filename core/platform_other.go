//go:build !linux

package core

func armVariant() string {
	return "7"
}
