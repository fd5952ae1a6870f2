package procpool

import "os"

// SelfRSSBytes reports this process's resident set size, -1 when unknown.
func SelfRSSBytes() int64 { return processRSSBytes(os.Getpid()) }

// SelfFDCount reports this process's open descriptor count, -1 when unknown.
func SelfFDCount() int { return openFDCount() }
