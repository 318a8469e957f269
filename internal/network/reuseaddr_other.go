//go:build !linux

package network

func setReuseAddr(uintptr) error { return nil }
