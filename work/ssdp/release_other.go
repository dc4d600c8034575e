//go:build !unix

package ssdp

func osRelease() string { return "unknown" }
