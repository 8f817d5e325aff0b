// flowgen is a tiny, dependency-free synthetic traffic generator for the
// IRON/GNAT fabric. It drives datagrams through an EncodingState at a
// configured rate across concurrent workers, useful for exercising
// EncodingState admission (rate budget and drop policy) without a live
// UDP Proxy.
//
// Usage example:
//
//	flowgen -n=20000 -c=8 -pkt_bytes=512 -rate_bps=1000000
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"gnat/internal/udpproxy"
)

type constUtility struct{ nominal float64 }

func (c constUtility) Utility(rateBps float64) float64 { return rateBps }
func (c constUtility) NominalRateBps() float64          { return c.nominal }

func main() {
	var (
		n          = flag.Int("n", 20000, "Total datagrams to generate")
		conc       = flag.Int("c", 8, "Number of concurrent encoder workers")
		pktBytes   = flag.Int("pkt_bytes", 512, "Payload size per datagram, in bytes")
		rateBps    = flag.Float64("rate_bps", 1_000_000, "Nominal admission rate fed to each worker's EncodingState")
		maxQueue   = flag.Int64("max_queue_bytes", 1<<20, "EncodingState MaxQueueBytes")
		dropPolicy = flag.String("drop_policy", "tail", "Admission drop policy: none|head|tail")
	)
	flag.Parse()

	if *n <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}

	policy := udpproxy.DropTail
	switch *dropPolicy {
	case "none":
		policy = udpproxy.DropNone
	case "head":
		policy = udpproxy.DropHead
	case "tail":
		policy = udpproxy.DropTail
	default:
		fmt.Fprintf(os.Stderr, "unknown -drop_policy=%s (want none|head|tail)\n", *dropPolicy)
		os.Exit(2)
	}

	start := time.Now()
	var admitted, dropped int64

	worker := func(id, count int) {
		e := udpproxy.NewEncodingState(*maxQueue, policy)
		e.Utility = constUtility{nominal: *rateBps}
		var seq uint64
		for i := 0; i < count; i++ {
			d := udpproxy.Datagram{Bytes: make([]byte, *pktBytes), Seq: seq, EnqueuedAt: time.Now()}
			seq++
			if e.Enqueue(d) {
				atomic.AddInt64(&admitted, 1)
			} else {
				atomic.AddInt64(&dropped, 1)
			}
			// Periodically drain so the queue doesn't just accumulate to
			// its cap and mask drop-policy behavior under load.
			if i%64 == 0 {
				e.DrainToFIFO(int64(*pktBytes) * 32)
			}
		}
		e.DrainToFIFO(int64(*maxQueue))
	}

	per := *n / *conc
	rem := *n - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, count int) {
			defer wg.Done()
			worker(id, count)
		}(w, count)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*n) / elapsed.Seconds()
	fmt.Printf("flowgen: n=%d c=%d go=%d admitted=%d dropped=%d duration=%s throughput=%.0f dgram/s\n",
		*n, *conc, runtime.GOMAXPROCS(0), admitted, dropped, elapsed.Truncate(time.Millisecond), ops)
}
