//go:build !linux

package imgreq

func readProcMemory() (procMemory, bool) { return procMemory{}, false }
