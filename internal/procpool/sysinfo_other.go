//go:build !linux

package procpool

// Non-linux fallbacks return -1; guards treat unknown readings as passing
// rather than rejecting every spawn on platforms without procfs.

func freeMemoryBytes() int64        { return -1 }
func openFDCount() int              { return -1 }
func fdSoftLimit() int              { return -1 }
func processRSSBytes(pid int) int64 { return -1 }
func processFDCount(pid int) int    { return -1 }
