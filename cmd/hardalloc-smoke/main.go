// Command hardalloc-smoke exercises the allocator's public surface end to
// end: size-class round trips, aligned allocations, large regions, resizing
// and a multi-goroutine hammer. It exits non-zero on the first divergence
// from the allocator's contracts.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/orizon-lang/hardalloc"
)

var (
	threads = flag.Int("threads", 8, "concurrent worker goroutines")
	iters   = flag.Int("iters", 5000, "allocation iterations per worker")
	verbose = flag.Bool("v", false, "log each phase")
)

func phase(name string) {
	if *verbose {
		log.Printf("phase: %s", name)
	}
}

func fill(p unsafe.Pointer, n uintptr, pattern byte) {
	buf := unsafe.Slice((*byte)(p), n)
	for i := range buf {
		buf[i] = pattern
	}
}

func verify(p unsafe.Pointer, n uintptr, pattern byte) error {
	buf := unsafe.Slice((*byte)(p), n)
	for i := range buf {
		if buf[i] != pattern {
			return fmt.Errorf("byte %d = %#x, want %#x", i, buf[i], pattern)
		}
	}
	return nil
}

func roundTrips() error {
	phase("size class round trips")
	for size := uintptr(1); size <= 17000; size = size*3/2 + 1 {
		p := hardalloc.Malloc(size)
		if p == nil {
			return fmt.Errorf("malloc(%d) failed", size)
		}
		usable := hardalloc.MallocUsableSize(p)
		if usable < size {
			return fmt.Errorf("malloc(%d): usable size %d", size, usable)
		}
		fill(p, usable, byte(size))
		if err := verify(p, usable, byte(size)); err != nil {
			return fmt.Errorf("malloc(%d): %v", size, err)
		}
		hardalloc.FreeSized(p, size)
	}
	return nil
}

func alignedAllocs() error {
	phase("aligned allocations")
	for align := uintptr(16); align <= 1<<16; align <<= 1 {
		var p unsafe.Pointer
		if rc := hardalloc.PosixMemalign(&p, align, 1000); rc != 0 {
			return fmt.Errorf("posix_memalign(%d) = %d", align, rc)
		}
		if uintptr(p)%align != 0 {
			return fmt.Errorf("posix_memalign(%d): misaligned %p", align, p)
		}
		fill(p, 1000, 0x7e)
		hardalloc.Free(p)
	}
	return nil
}

func largeRegions() error {
	phase("large regions and realloc")
	p := hardalloc.Malloc(5 << 20)
	if p == nil {
		return fmt.Errorf("large malloc failed")
	}
	fill(p, 5<<20, 0x33)

	p = hardalloc.Realloc(p, 3<<20)
	if p == nil {
		return fmt.Errorf("shrinking realloc failed")
	}
	if err := verify(p, 3<<20, 0x33); err != nil {
		return fmt.Errorf("shrink lost contents: %v", err)
	}

	p = hardalloc.Realloc(p, 8<<20)
	if p == nil {
		return fmt.Errorf("growing realloc failed")
	}
	if err := verify(p, 3<<20, 0x33); err != nil {
		return fmt.Errorf("grow lost contents: %v", err)
	}
	hardalloc.Free(p)
	return nil
}

func hammer() error {
	phase("concurrent hammer")
	sizes := []uintptr{1, 16, 33, 120, 700, 4096, 15000, 30000}

	var wg sync.WaitGroup
	errs := make(chan error, *threads)
	for t := 0; t < *threads; t++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			pattern := byte(id*37 + 1)
			for i := 0; i < *iters; i++ {
				size := sizes[(i+id)%len(sizes)]
				p := hardalloc.Malloc(size)
				if p == nil {
					errs <- fmt.Errorf("worker %d: malloc(%d) failed", id, size)
					return
				}
				fill(p, size, pattern)
				if err := verify(p, size, pattern); err != nil {
					errs <- fmt.Errorf("worker %d: %v", id, err)
					return
				}
				hardalloc.Free(p)
			}
		}(t)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}
	return nil
}

func main() {
	flag.Parse()
	log.SetFlags(0)
	log.SetPrefix("hardalloc-smoke: ")

	start := time.Now()
	steps := []func() error{roundTrips, alignedAllocs, largeRegions, hammer}
	for _, step := range steps {
		if err := step(); err != nil {
			log.Printf("FAIL: %v", err)
			os.Exit(1)
		}
	}

	hardalloc.MallocTrim(0)
	log.Printf("ok (%d threads, %d iters, %v)", *threads, *iters, time.Since(start).Round(time.Millisecond))
}
