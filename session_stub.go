//go:build !integration
// +build !integration

package main

import "github.com/mrhapile/dumpreplay/internal/emulator"

// sessionFactory reports that no emulator backend was compiled in. Build
// with -tags=integration to link the unicorn backend.
func sessionFactory(tpidr *uint64) emulator.Factory {
	return func() (emulator.Session, error) {
		return nil, emulator.ErrUnavailable
	}
}
