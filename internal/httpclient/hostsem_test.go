package httpclient

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestHostSemaphoreLimitsPerHost(t *testing.T) {
	sem := NewHostSemaphore(2)
	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := sem.Acquire("http://plex.local:32400/library")
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			inFlight.Add(-1)
			release()
		}()
	}
	wg.Wait()
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak in-flight = %d, want <= 2", p)
	}
}

func TestHostSemaphoreIsolatesHosts(t *testing.T) {
	sem := NewHostSemaphore(1)
	releaseA := sem.Acquire("http://a.local")
	// A held; B must still be acquirable without blocking.
	done := make(chan struct{})
	go func() {
		releaseB := sem.Acquire("http://b.local")
		releaseB()
		close(done)
	}()
	<-done
	releaseA()
}

func TestHostSemaphoreNormalizesPath(t *testing.T) {
	if hostKey("http://x.local/a/b?q=1") != hostKey("http://x.local/other") {
		t.Fatal("same host with different paths must share a semaphore")
	}
	sem := NewHostSemaphore(4)
	if sem.bucket(hostKey("http://x.local/a")) != sem.bucket(hostKey("http://x.local/b")) {
		t.Fatal("normalized hosts must map to one slot bucket")
	}
}
