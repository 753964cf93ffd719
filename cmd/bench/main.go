package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/dd0wney/irsdb/pkg/lsm"
	"github.com/dd0wney/irsdb/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	inserts := flag.Int("inserts", 100000, "Number of inserts")
	samples := flag.Int("samples", 10000, "Number of RangeSample calls")
	sampleK := flag.Int("sample-k", 100, "Records drawn per RangeSample call")
	valueSize := flag.Int("value-size", 64, "Value size in bytes")
	memtableCapacity := flag.Int("memtable-capacity", 4096, "Memtable capacity in records")
	dataDir := flag.String("data-dir", "./data/bench-lsm", "Storage directory")
	flag.Parse()

	fmt.Println("IRSDB LSM/IRS Storage Benchmark")
	fmt.Println("===============================")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Inserts:           %d\n", *inserts)
	fmt.Printf("  RangeSample calls: %d\n", *samples)
	fmt.Printf("  Sample k:          %d\n", *sampleK)
	fmt.Printf("  Value size:        %d bytes\n\n", *valueSize)

	if err := os.RemoveAll(*dataDir); err != nil {
		log.Fatalf("failed to clean data dir: %v", err)
	}

	cfg := lsm.DefaultConfig()
	cfg.DataDir = *dataDir
	cfg.MemtableCapacity = *memtableCapacity
	cfg.ValueSize = *valueSize

	m := metrics.New(prometheus.NewRegistry())

	tree, err := lsm.NewLSMTree(cfg, m)
	if err != nil {
		log.Fatalf("failed to create LSM tree: %v", err)
	}
	defer tree.Close()

	fmt.Println("Benchmark 1: Sequential Inserts")
	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(rand.Intn(256))
	}

	start := time.Now()
	for i := 0; i < *inserts; i++ {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(i))

		if err := tree.Insert(key, value, 1.0, false); err != nil {
			log.Fatalf("insert failed: %v", err)
		}

		if (i+1)%10000 == 0 {
			fmt.Printf("  inserted %d records...\n", i+1)
		}
	}

	duration := time.Since(start)
	throughput := float64(*inserts) / duration.Seconds()
	avgLatency := duration.Microseconds() / int64(*inserts)

	fmt.Printf("completed %d inserts in %v\n", *inserts, duration)
	fmt.Printf("  average: %dus per insert\n", avgLatency)
	fmt.Printf("  throughput: %.0f inserts/sec\n", throughput)
	fmt.Printf("  bytes written: %.2f MB\n\n", float64(*inserts**valueSize)/(1024*1024))

	fmt.Println("Waiting for background merges to settle...")
	time.Sleep(2 * time.Second)

	fmt.Println("\nBenchmark 2: Random Point Gets")
	getCount := *inserts / 10
	if getCount == 0 {
		getCount = 1
	}
	start = time.Now()
	found := 0
	for i := 0; i < getCount; i++ {
		idx := rand.Intn(*inserts)
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(idx))

		if _, ok, err := tree.Get(key, math.MaxInt64); err == nil && ok {
			found++
		}
	}
	duration = time.Since(start)
	fmt.Printf("completed %d gets in %v (%d found)\n", getCount, duration, found)
	fmt.Printf("  throughput: %.0f gets/sec\n\n", float64(getCount)/duration.Seconds())

	fmt.Println("Benchmark 3: Independent Range Sampling")
	rangeWidth := uint64(*inserts / 10)
	if rangeWidth == 0 {
		rangeWidth = 1
	}

	start = time.Now()
	totalDrawn := 0
	emptyRanges := 0
	for i := 0; i < *samples; i++ {
		loIdx := uint64(rand.Intn(*inserts))
		hiIdx := loIdx + rangeWidth
		lo := make([]byte, 8)
		hi := make([]byte, 8)
		binary.BigEndian.PutUint64(lo, loIdx)
		binary.BigEndian.PutUint64(hi, hiIdx)

		recs, err := tree.RangeSample(lo, hi, *sampleK)
		switch err {
		case nil:
			totalDrawn += len(recs)
		case lsm.ErrEmpty:
			emptyRanges++
		default:
			log.Printf("range sample failed: %v", err)
		}

		if (i+1)%1000 == 0 {
			fmt.Printf("  sampled %d ranges...\n", i+1)
		}
	}
	duration = time.Since(start)
	fmt.Printf("completed %d RangeSample calls in %v\n", *samples, duration)
	fmt.Printf("  records drawn: %d, empty ranges: %d\n", totalDrawn, emptyRanges)
	fmt.Printf("  throughput: %.0f calls/sec\n\n", float64(*samples)/duration.Seconds())

	fmt.Println("Benchmark 4: Random Deletes")
	deleteCount := *inserts / 20
	if deleteCount == 0 {
		deleteCount = 1
	}
	start = time.Now()
	for i := 0; i < deleteCount; i++ {
		idx := rand.Intn(*inserts)
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(idx))

		if err := tree.Delete(key, value); err != nil && err != lsm.ErrNotFound {
			log.Fatalf("delete failed: %v", err)
		}
	}
	duration = time.Since(start)
	fmt.Printf("completed %d deletes in %v\n", deleteCount, duration)
	fmt.Printf("  throughput: %.0f deletes/sec\n\n", float64(deleteCount)/duration.Seconds())

	fmt.Println("Waiting for final background merges...")
	if err := tree.Flush(); err != nil {
		log.Printf("flush failed: %v", err)
	}

	fmt.Println("\nFinal tree statistics")
	fmt.Println("=====================")
	fmt.Printf("  depth:              %d\n", tree.Depth())
	fmt.Printf("  records:            %d\n", tree.RecordCount())
	fmt.Printf("  memory utilization: %d bytes\n", tree.MemoryUtilization())

	fmt.Println("\nbenchmark complete")
}
