//go:build integration
// +build integration

package main

import (
	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/emulator/arm64"
)

// sessionFactory creates unicorn backed ARM64 sessions
func sessionFactory(tpidr *uint64) emulator.Factory {
	return func() (emulator.Session, error) {
		s, err := arm64.NewSession(arm64.Options{TPIDR: tpidr})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
